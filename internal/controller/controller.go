// Package controller drives one user's quick-match session: it submits the
// queue entry, finds the resulting match by lookup, push notification or
// polling, follows that match record until the call connects or ends, and
// exposes the session phase to the UI layer.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/livematch/quickmatch/internal/match"
	"github.com/livematch/quickmatch/internal/metrics"
)

const (
	// DefaultPollInterval is how often the controller repeats the active
	// match lookup while no match has been found.
	DefaultPollInterval = 2 * time.Second

	lookupTimeout = 5 * time.Second
	eventBuffer   = 16
)

var (
	ErrEmptyUserID    = errors.New("controller: user id is required")
	ErrAlreadyStarted = errors.New("controller: session already started")
	ErrStopped        = errors.New("controller: session stopped")
)

// QueueAPI is the RPC boundary to the queue store and pairing procedure.
type QueueAPI interface {
	Enqueue(ctx context.Context, userID string, prefs match.Preferences, priority int) error
	// FindActiveMatch returns the user's matched or connected match, or nil.
	FindActiveMatch(ctx context.Context, userID string) (*match.Match, error)
	// DequeueSelf cancels the user's waiting entry and returns its id, or ""
	// if there was none.
	DequeueSelf(ctx context.Context, userID string) (string, error)
	GetMatch(ctx context.Context, matchID string) (*match.Match, error)
}

// ChangeFeed delivers row-level changes of a single match record. The
// returned function releases the subscription and must be safe to call twice.
type ChangeFeed interface {
	SubscribeMatchChanges(matchID string, onChange func(match.Match)) (func(), error)
}

// UserMatchFeed is implemented by feeds that can also push newly created
// matches for a user. The controller uses it next to polling when available.
type UserMatchFeed interface {
	SubscribeUserMatches(userID string, onMatch func(match.Match)) (func(), error)
}

// JoinOptions are the preferences submitted with Start. Want defaults to "any".
type JoinOptions struct {
	Gender   string
	Want     string
	Locale   string
	Region   string
	Priority int
}

// Option configures a Controller.
type Option func(*Controller)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithTimeout ends the session with ReasonTimeout if no match is found
// within d. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithObserver registers fn to receive every state change. Observers run on
// the controller's goroutine and must not block or call Stop synchronously.
func WithObserver(fn func(State)) Option {
	return func(c *Controller) { c.observers = append(c.observers, fn) }
}

type eventKind int

const (
	evUserMatch eventKind = iota
	evMatchChange
	evConnecting
)

type event struct {
	kind eventKind
	m    match.Match
}

// Controller owns a single matchmaking session. Create a new Controller for
// every session; a stopped or ended Controller cannot be restarted.
type Controller struct {
	api          QueueAPI
	feed         ChangeFeed
	clock        Clock
	pollInterval time.Duration
	timeout      time.Duration
	observers    []func(State)

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{} // closed by Stop
	exited chan struct{} // closed when the event loop returns
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	started bool
	stopped bool
	userID  string

	// Owned by Start until the loop is launched, then by the loop.
	startedAt  time.Time
	wired      *match.Match
	degraded   bool
	finished   bool
	ticker     Ticker
	timer      Timer
	userUnsub  func()
	matchUnsub func()
}

// New creates an idle Controller. feed may be nil, in which case the
// controller relies on polling alone.
func New(api QueueAPI, feed ChangeFeed, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		api:          api,
		feed:         feed,
		clock:        RealClock{},
		pollInterval: DefaultPollInterval,
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan event, eventBuffer),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
		state:        State{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns a snapshot of the session.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot(c.state)
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	return c.State().Phase
}

// Match returns a copy of the current match, or nil.
func (c *Controller) Match() *match.Match {
	return c.State().Match
}

// Reason returns why the session ended, or ReasonNone.
func (c *Controller) Reason() Reason {
	return c.State().Reason
}

// Start submits the user's queue entry and begins observing for a match.
// It returns once the submission is confirmed and the one-shot lookup for an
// existing match has run; waiting continues in the background. A second call
// returns ErrAlreadyStarted without submitting again.
func (c *Controller) Start(ctx context.Context, userID string, opts JoinOptions) error {
	if userID == "" {
		return ErrEmptyUserID
	}

	c.mu.Lock()
	switch {
	case c.stopped:
		c.mu.Unlock()
		return ErrStopped
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.userID = userID
	c.mu.Unlock()

	c.startedAt = c.clock.Now()
	c.setState(State{Phase: PhaseQueue})

	prefs := match.Preferences{
		Gender: opts.Gender,
		Want:   opts.Want,
		Locale: opts.Locale,
		Region: opts.Region,
	}.Normalized()

	if err := c.api.Enqueue(ctx, userID, prefs, opts.Priority); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		c.setState(State{Phase: PhaseIdle})
		return fmt.Errorf("controller: enqueue %s: %w", userID, err)
	}

	// A pairing may already exist; looking before subscribing means a fast
	// pairing is never missed by a late subscription.
	existing, err := c.api.FindActiveMatch(ctx, userID)
	if err != nil {
		metrics.PollErrors.Inc()
		log.Printf("[controller] user=%s initial match lookup failed: %v", userID, err)
	} else if existing != nil {
		c.wire(*existing)
	}

	if c.wired == nil {
		c.watchForMatch(userID)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.release()
		if c.wired == nil {
			c.dequeue(ctx, userID)
		}
		return ErrStopped
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run()
	return nil
}

// MarkConnecting records that the UI has begun call setup for the matched
// pair. It moves a matched session to PhaseConnecting and is ignored otherwise.
func (c *Controller) MarkConnecting() {
	if c.Phase() != PhaseMatched {
		return
	}
	c.deliver(event{kind: evConnecting})
}

// Stop tears the session down: pending timers are cancelled, subscriptions
// are released and, if no match was found yet, the user's queue entry is
// cancelled. The phase is left as-is. Stop is safe to call more than once
// and before Start.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	close(c.done)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if !started {
		return
	}

	c.mu.Lock()
	st := c.state
	userID := c.userID
	c.mu.Unlock()

	if st.Match == nil && st.Phase == PhaseQueue {
		c.dequeue(ctx, userID)
	}
}

// watchForMatch starts the poll and, when supported, the push subscription
// for new matches. Whichever resolves first wires the match.
func (c *Controller) watchForMatch(userID string) {
	c.ticker = c.clock.NewTicker(c.pollInterval)

	if c.timeout > 0 {
		c.timer = c.clock.NewTimer(c.timeout)
	}

	if uf, ok := c.feed.(UserMatchFeed); ok {
		unsub, err := uf.SubscribeUserMatches(userID, func(m match.Match) {
			c.deliver(event{kind: evUserMatch, m: m})
		})
		if err != nil {
			metrics.SubscriptionFailures.WithLabelValues("user").Inc()
			log.Printf("[controller] user=%s match notifications unavailable, polling only: %v", userID, err)
		} else {
			c.userUnsub = unsub
		}
	}
}

// run is the session's event loop. Every state mutation after Start happens here.
func (c *Controller) run() {
	defer c.wg.Done()
	defer close(c.exited)
	defer c.release()

	for !c.finished {
		var tickC, timeoutC <-chan time.Time
		if c.ticker != nil {
			tickC = c.ticker.C()
		}
		if c.timer != nil {
			timeoutC = c.timer.C()
		}

		select {
		case <-c.done:
			return
		case <-tickC:
			c.onTick()
		case <-timeoutC:
			c.onTimeout()
		case ev := <-c.events:
			c.onEvent(ev)
		}
	}
}

func (c *Controller) onTick() {
	ctx, cancel := context.WithTimeout(c.ctx, lookupTimeout)
	defer cancel()

	if c.wired == nil {
		m, err := c.api.FindActiveMatch(ctx, c.userID)
		if err != nil {
			metrics.PollErrors.Inc()
			log.Printf("[controller] user=%s poll failed, retrying next tick: %v", c.userID, err)
			return
		}
		if m != nil {
			c.wire(*m)
		}
		return
	}

	if c.degraded {
		m, err := c.api.GetMatch(ctx, c.wired.ID)
		if err != nil {
			metrics.PollErrors.Inc()
			log.Printf("[controller] user=%s match=%s poll failed: %v", c.userID, c.wired.ID, err)
			return
		}
		if m != nil {
			c.applyChange(*m)
		}
	}
}

func (c *Controller) onTimeout() {
	c.stopTimer()
	if c.wired != nil || c.state.Phase == PhaseEnded {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, lookupTimeout)
	defer cancel()
	c.dequeue(ctx, c.userID)

	log.Printf("[controller] user=%s no match within %s", c.userID, c.timeout)
	c.setState(State{Phase: PhaseEnded, Reason: ReasonTimeout})
	c.finished = true
}

func (c *Controller) onEvent(ev event) {
	switch ev.kind {
	case evUserMatch:
		if ev.m.IsParticipant(c.userID) {
			c.wire(ev.m)
		}
	case evMatchChange:
		c.applyChange(ev.m)
	case evConnecting:
		if c.state.Phase == PhaseMatched {
			c.setState(State{Phase: PhaseConnecting, Match: c.wired})
		}
	}
}

// wire binds the session to m. The first match found wins; later
// resolutions, including the same match from a racing source, are ignored.
func (c *Controller) wire(m match.Match) {
	if c.wired != nil {
		if c.wired.ID != m.ID {
			log.Printf("[controller] user=%s ignoring match=%s, already wired to %s", c.userID, m.ID, c.wired.ID)
		}
		return
	}
	if m.Status.IsTerminal() {
		return
	}

	c.wired = &m
	c.stopTimer()
	if c.userUnsub != nil {
		c.userUnsub()
		c.userUnsub = nil
	}
	metrics.WaitDuration.Observe(c.clock.Now().Sub(c.startedAt).Seconds())

	c.subscribeMatch(m.ID)
	c.setState(State{Phase: phaseOnWire(m.Status), Match: c.wired})
	log.Printf("[controller] user=%s wired to match=%s status=%s", c.userID, m.ID, m.Status)

	if !c.degraded {
		c.resync()
	}
}

// resync reads the wired record once the change feed is live. Changes
// published between the lookup and the subscription are only visible this
// way. If the read fails the session falls back to polling the record.
func (c *Controller) resync() {
	ctx, cancel := context.WithTimeout(c.ctx, lookupTimeout)
	defer cancel()

	m, err := c.api.GetMatch(ctx, c.wired.ID)
	if err != nil {
		metrics.PollErrors.Inc()
		log.Printf("[controller] user=%s match=%s re-read failed, polling record: %v", c.userID, c.wired.ID, err)
		c.degraded = true
		if c.ticker == nil {
			c.ticker = c.clock.NewTicker(c.pollInterval)
		}
		return
	}
	if m != nil {
		c.applyChange(*m)
	}
}

// subscribeMatch follows the match record. If the feed cannot be
// established the session degrades to polling the record.
func (c *Controller) subscribeMatch(matchID string) {
	var err error
	if c.feed == nil {
		err = errors.New("no change feed configured")
	} else {
		var unsub func()
		unsub, err = c.feed.SubscribeMatchChanges(matchID, func(m match.Match) {
			c.deliver(event{kind: evMatchChange, m: m})
		})
		if err == nil {
			c.matchUnsub = unsub
		}
	}

	if err != nil {
		metrics.SubscriptionFailures.WithLabelValues("match").Inc()
		log.Printf("[controller] user=%s match=%s change feed unavailable, polling record: %v", c.userID, matchID, err)
		c.degraded = true
		if c.ticker == nil {
			c.ticker = c.clock.NewTicker(c.pollInterval)
		}
		return
	}

	c.degraded = false
	c.stopTicker()
}

// applyChange folds a change event for the wired match into the session.
func (c *Controller) applyChange(m match.Match) {
	if c.wired == nil || m.ID != c.wired.ID || c.state.Phase == PhaseEnded {
		return
	}
	if m.Status.Rank() < c.wired.Status.Rank() {
		return // stale event
	}

	c.wired = &m
	next, reason := phaseOnChange(c.state.Phase, m.Status)
	c.setState(State{Phase: next, Match: c.wired, Reason: reason})

	if next == PhaseEnded {
		c.finished = true
	}
}

// setState publishes s if it differs from the current state. Mutations are
// dropped once the session is stopped.
func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	prev := c.state
	if !changed(prev, s) {
		c.mu.Unlock()
		return
	}
	c.state = snapshot(s)
	out := snapshot(s)
	c.mu.Unlock()

	if prev.Phase != s.Phase {
		metrics.PhaseTransitions.WithLabelValues(string(s.Phase)).Inc()
		log.Printf("[controller] user=%s phase %s -> %s", c.userID, prev.Phase, s.Phase)
	}
	for _, fn := range c.observers {
		fn(out)
	}
}

// deliver hands an event to the loop. It never blocks past Stop or loop exit.
func (c *Controller) deliver(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	case <-c.exited:
	}
}

func (c *Controller) dequeue(ctx context.Context, userID string) {
	if _, err := c.api.DequeueSelf(ctx, userID); err != nil {
		log.Printf("[controller] user=%s dequeue failed: %v", userID, err)
	}
}

// release frees every timer and subscription the session holds.
func (c *Controller) release() {
	c.stopTicker()
	c.stopTimer()
	if c.userUnsub != nil {
		c.userUnsub()
		c.userUnsub = nil
	}
	if c.matchUnsub != nil {
		c.matchUnsub()
		c.matchUnsub = nil
	}
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func changed(a, b State) bool {
	if a.Phase != b.Phase || a.Reason != b.Reason {
		return true
	}
	if (a.Match == nil) != (b.Match == nil) {
		return true
	}
	return a.Match != nil && (a.Match.ID != b.Match.ID || a.Match.Status != b.Match.Status)
}

func snapshot(s State) State {
	if s.Match != nil {
		m := *s.Match
		s.Match = &m
	}
	return s
}
