// Package gateway binds WebSocket sessions to quick-match controllers. Each
// connection owns at most one live Controller; its phase changes are relayed
// to the UI as phase messages, and call lifecycle reports from the UI are
// forwarded to the pairing backend.
package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/livematch/quickmatch/internal/controller"
	"github.com/livematch/quickmatch/internal/match"
	"github.com/livematch/quickmatch/internal/protocol"
	"github.com/livematch/quickmatch/internal/ratelimit"
	"github.com/livematch/quickmatch/internal/ws"
)

const (
	// DefaultPresenceRefresh keeps presence keys alive while users sit in
	// the queue without sending messages.
	DefaultPresenceRefresh = 20 * time.Second

	requestTimeout = 5 * time.Second
	outboxSize     = 32
)

// Backend is the pairing side as seen by the gateway.
type Backend interface {
	controller.QueueAPI
	Connect(ctx context.Context, matchID, userID string) (*match.Match, error)
	End(ctx context.Context, matchID, userID string) (*match.Match, error)
	EndActive(ctx context.Context, userID string) (*match.Match, error)
}

// Presence records which users hold a live connection.
type Presence interface {
	Connect(ctx context.Context, userID string) error
	Touch(ctx context.Context, userID string) error
	Disconnect(ctx context.Context, userID string) error
}

// Limiter throttles start requests.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Config tunes the controllers the gateway creates.
type Config struct {
	PollInterval    time.Duration
	MatchTimeout    time.Duration
	PresenceRefresh time.Duration
}

// Gateway holds the per-connection sessions. Presence and limiter are optional.
type Gateway struct {
	backend  Backend
	feed     controller.ChangeFeed
	presence Presence
	limiter  Limiter
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*session // conn_id -> session
	perUser  map[string]int      // user_id -> live connection count

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gateway. feed may be nil, in which case controllers rely on
// polling alone.
func New(backend Backend, feed controller.ChangeFeed, presence Presence, limiter Limiter, cfg Config) *Gateway {
	if cfg.PresenceRefresh <= 0 {
		cfg.PresenceRefresh = DefaultPresenceRefresh
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		backend:  backend,
		feed:     feed,
		presence: presence,
		limiter:  limiter,
		cfg:      cfg,
		sessions: make(map[string]*session),
		perUser:  make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register installs the gateway's message handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeStart, g.handleStart)
	d.Register(protocol.TypeStop, g.handleStop)
	d.Register(protocol.TypeCallConnected, g.handleCallConnected)
	d.Register(protocol.TypeCallEnded, g.handleCallEnded)
}

// Attach wires the gateway into a WebSocket server.
func (g *Gateway) Attach(s *ws.Server) {
	s.SetOnConnect(g.OnConnect)
	s.SetOnDisconnect(g.OnDisconnect)
}

// Start launches the presence refresh loop.
func (g *Gateway) Start() {
	if g.presence == nil {
		return
	}
	g.wg.Add(1)
	go g.refreshLoop()
}

// Stop ends the refresh loop and tears down every session.
func (g *Gateway) Stop(ctx context.Context) {
	g.cancel()
	g.wg.Wait()

	g.mu.Lock()
	all := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		all = append(all, s)
	}
	g.mu.Unlock()

	for _, s := range all {
		g.closeSession(ctx, s)
	}
}

// OnConnect creates the session for a new connection and greets the client.
func (g *Gateway) OnConnect(conn *ws.Connection) {
	s := newSession(conn)

	g.mu.Lock()
	g.sessions[conn.ID] = s
	g.perUser[conn.UserID]++
	g.mu.Unlock()

	if g.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if err := g.presence.Connect(ctx, conn.UserID); err != nil {
			log.Printf("[gateway] user=%s presence connect failed: %v", conn.UserID, err)
		}
		cancel()
	}

	s.send(protocol.TypeSessionReady, protocol.SessionReadyMsg{UserID: conn.UserID})
}

// OnDisconnect stops the connection's controller. When the user's last
// connection goes away, any active match is ended and presence is dropped.
func (g *Gateway) OnDisconnect(conn *ws.Connection) {
	g.mu.Lock()
	s, ok := g.sessions[conn.ID]
	g.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	g.closeSession(ctx, s)
}

// closeSession runs at most once per session.
func (g *Gateway) closeSession(ctx context.Context, s *session) {
	userID := s.conn.UserID

	g.mu.Lock()
	if _, ok := g.sessions[s.conn.ID]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, s.conn.ID)
	g.perUser[userID]--
	last := g.perUser[userID] <= 0
	if last {
		delete(g.perUser, userID)
	}
	g.mu.Unlock()

	s.close(ctx)

	if !last {
		return
	}
	if m, err := g.backend.EndActive(ctx, userID); err != nil {
		log.Printf("[gateway] user=%s end active match on disconnect failed: %v", userID, err)
	} else if m != nil {
		log.Printf("[gateway] user=%s left match=%s status=%s", userID, m.ID, m.Status)
	}
	if g.presence != nil {
		if err := g.presence.Disconnect(ctx, userID); err != nil {
			log.Printf("[gateway] user=%s presence disconnect failed: %v", userID, err)
		}
	}
}

// Sessions returns the number of live sessions.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) session(conn *ws.Connection) *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[conn.ID]
}

func (g *Gateway) touch(userID string) {
	if g.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := g.presence.Touch(ctx, userID); err != nil {
		log.Printf("[gateway] user=%s presence touch failed: %v", userID, err)
	}
}

func (g *Gateway) refreshLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.PresenceRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			users := make([]string, 0, len(g.perUser))
			for u := range g.perUser {
				users = append(users, u)
			}
			g.mu.Unlock()

			for _, u := range users {
				g.touch(u)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleStart(conn *ws.Connection, msg interface{}) {
	req, ok := msg.(protocol.StartMsg)
	if !ok {
		return
	}
	s := g.session(conn)
	if s == nil {
		return
	}
	g.touch(conn.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, conn.UserID, ratelimit.RuleStart)
		if err == nil && !allowed {
			retry := g.limiter.RetryAfter(ctx, conn.UserID, ratelimit.RuleStart)
			s.send(protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: int(retry.Round(time.Second) / time.Second)})
			return
		}
	}

	ctrl := controller.New(g.backend, g.feed,
		controller.WithPollInterval(g.cfg.PollInterval),
		controller.WithTimeout(g.cfg.MatchTimeout),
		controller.WithObserver(s.sendPhase),
	)

	if err := s.begin(ctx, ctrl); err != nil {
		ctrl.Stop(ctx)
		if errors.Is(err, controller.ErrAlreadyStarted) {
			s.sendError(protocol.CodeAlreadyStarted, "a session is already in progress")
		}
		return
	}

	err := ctrl.Start(ctx, conn.UserID, controller.JoinOptions{
		Gender:   req.Gender,
		Want:     req.Want,
		Locale:   req.Locale,
		Region:   req.Region,
		Priority: conn.Priority,
	})
	if err != nil {
		s.abandon(ctx, ctrl)
		log.Printf("[gateway] user=%s start failed: %v", conn.UserID, err)
		s.sendError(protocol.CodeInternal, "could not join the queue")
	}
}

func (g *Gateway) handleStop(conn *ws.Connection, msg interface{}) {
	s := g.session(conn)
	if s == nil {
		return
	}
	g.touch(conn.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	ctrl := s.detach()
	if ctrl == nil {
		s.send(protocol.TypePhase, protocol.PhaseMsg{Phase: string(controller.PhaseIdle)})
		return
	}
	ctrl.Stop(ctx)

	// Leaving after a pairing abandons the match so the partner is released.
	if m := ctrl.Match(); m != nil && !m.Status.IsTerminal() {
		if _, err := g.backend.End(ctx, m.ID, conn.UserID); err != nil {
			log.Printf("[gateway] user=%s end match=%s on stop failed: %v", conn.UserID, m.ID, err)
		}
	}
	s.send(protocol.TypePhase, protocol.PhaseMsg{Phase: string(controller.PhaseIdle)})
}

func (g *Gateway) handleCallConnected(conn *ws.Connection, msg interface{}) {
	req, ok := msg.(protocol.CallConnectedMsg)
	if !ok {
		return
	}
	s := g.session(conn)
	if s == nil {
		return
	}
	g.touch(conn.UserID)

	if ctrl := s.current(); ctrl != nil {
		if m := ctrl.Match(); m != nil && m.ID == req.MatchID {
			ctrl.MarkConnecting()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := g.backend.Connect(ctx, req.MatchID, conn.UserID); err != nil {
		g.reportMatchError(s, req.MatchID, err)
	}
}

func (g *Gateway) handleCallEnded(conn *ws.Connection, msg interface{}) {
	req, ok := msg.(protocol.CallEndedMsg)
	if !ok {
		return
	}
	s := g.session(conn)
	if s == nil {
		return
	}
	g.touch(conn.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := g.backend.End(ctx, req.MatchID, conn.UserID); err != nil {
		g.reportMatchError(s, req.MatchID, err)
	}
}

func (g *Gateway) reportMatchError(s *session, matchID string, err error) {
	switch {
	case errors.Is(err, match.ErrNotParticipant):
		s.sendError(protocol.CodeNotParticipant, "not a participant of this match")
	case errors.Is(err, match.ErrNotFound):
		s.sendError(protocol.CodeNotFound, "match not found")
	default:
		log.Printf("[gateway] user=%s match=%s update failed: %v", s.conn.UserID, matchID, err)
		s.sendError(protocol.CodeInternal, "could not update the match")
	}
}
