package gateway

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/livematch/quickmatch/internal/controller"
	"github.com/livematch/quickmatch/internal/protocol"
	"github.com/livematch/quickmatch/internal/ws"
)

var errSessionClosed = errors.New("gateway: session closed")

// session is one connection's state. Outbound messages go through a single
// writer goroutine so handler replies and controller updates keep their order.
type session struct {
	conn *ws.Connection
	out  chan []byte
	done chan struct{}

	mu        sync.Mutex
	ctrl      *controller.Controller
	closed    bool
	closeOnce sync.Once
}

func newSession(conn *ws.Connection) *session {
	s := &session{
		conn: conn,
		out:  make(chan []byte, outboxSize),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *session) writeLoop() {
	failed := false
	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			if failed {
				continue
			}
			if err := s.conn.WriteMessage(data); err != nil {
				log.Printf("[gateway] conn=%s write failed: %v", s.conn.ID, err)
				failed = true
				s.conn.Close()
			}
		}
	}
}

// send queues a server message. A client that lets the outbox fill up is
// disconnected.
func (s *session) send(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] conn=%s encode %s failed: %v", s.conn.ID, msgType, err)
		return
	}

	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.out <- data:
	case <-s.done:
	default:
		log.Printf("[gateway] conn=%s outbox full, closing slow client", s.conn.ID)
		s.conn.Close()
	}
}

func (s *session) sendError(code, message string) {
	s.send(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// sendPhase is the controller observer.
func (s *session) sendPhase(st controller.State) {
	s.send(protocol.TypePhase, protocol.PhaseMsg{
		Phase:  string(st.Phase),
		Reason: string(st.Reason),
		Match:  st.Match,
	})
}

// begin installs ctrl as the session's controller. A previous controller
// that never got going or has ended is released first; one that is still
// live makes begin fail with controller.ErrAlreadyStarted.
func (s *session) begin(ctx context.Context, ctrl *controller.Controller) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSessionClosed
	}
	if prev := s.ctrl; prev != nil {
		switch prev.Phase() {
		case controller.PhaseIdle, controller.PhaseEnded:
			prev.Stop(ctx)
		default:
			return controller.ErrAlreadyStarted
		}
	}
	s.ctrl = ctrl
	return nil
}

// abandon drops ctrl after a failed start.
func (s *session) abandon(ctx context.Context, ctrl *controller.Controller) {
	s.mu.Lock()
	if s.ctrl == ctrl {
		s.ctrl = nil
	}
	s.mu.Unlock()
	ctrl.Stop(ctx)
}

// detach removes and returns the current controller.
func (s *session) detach() *controller.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ctrl
	s.ctrl = nil
	return c
}

func (s *session) current() *controller.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

// close stops the controller and the writer. Safe to call more than once.
func (s *session) close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		c := s.ctrl
		s.ctrl = nil
		s.mu.Unlock()

		if c != nil {
			c.Stop(ctx)
		}
		close(s.done)
	})
}
