package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/livematch/quickmatch/internal/match"
	"github.com/livematch/quickmatch/internal/ratelimit"
)

// fakeBackend is an in-memory pairing backend. Matches are created by the
// test with pair().
type fakeBackend struct {
	mu         sync.Mutex
	waiting    map[string]match.Preferences
	priority   map[string]int
	byID       map[string]*match.Match
	active     map[string]string // user -> match id
	enqueueErr error
	endActive  []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		waiting:  make(map[string]match.Preferences),
		priority: make(map[string]int),
		byID:     make(map[string]*match.Match),
		active:   make(map[string]string),
	}
}

func (b *fakeBackend) Enqueue(_ context.Context, userID string, prefs match.Preferences, priority int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return b.enqueueErr
	}
	b.waiting[userID] = prefs
	b.priority[userID] = priority
	return nil
}

func (b *fakeBackend) FindActiveMatch(_ context.Context, userID string) (*match.Match, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.active[userID]
	if !ok {
		return nil, nil
	}
	cp := *b.byID[id]
	return &cp, nil
}

func (b *fakeBackend) DequeueSelf(_ context.Context, userID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.waiting[userID]; !ok {
		return "", nil
	}
	delete(b.waiting, userID)
	return "entry-" + userID, nil
}

func (b *fakeBackend) GetMatch(_ context.Context, matchID string) (*match.Match, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.byID[matchID]
	if !ok {
		return nil, match.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (b *fakeBackend) Connect(_ context.Context, matchID, userID string) (*match.Match, error) {
	return b.move(matchID, userID, func(s match.Status) match.Status {
		if s == match.StatusMatched {
			return match.StatusConnected
		}
		return s
	})
}

func (b *fakeBackend) End(_ context.Context, matchID, userID string) (*match.Match, error) {
	return b.move(matchID, userID, func(s match.Status) match.Status {
		switch s {
		case match.StatusConnected:
			return match.StatusEnded
		case match.StatusMatched, match.StatusWaiting:
			return match.StatusCancelled
		}
		return s
	})
}

func (b *fakeBackend) EndActive(ctx context.Context, userID string) (*match.Match, error) {
	b.mu.Lock()
	b.endActive = append(b.endActive, userID)
	id, ok := b.active[userID]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return b.End(ctx, id, userID)
}

func (b *fakeBackend) move(matchID, userID string, next func(match.Status) match.Status) (*match.Match, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.byID[matchID]
	if !ok {
		return nil, match.ErrNotFound
	}
	if !m.IsParticipant(userID) {
		return nil, match.ErrNotParticipant
	}
	m.Status = next(m.Status)
	if m.Status.IsTerminal() {
		delete(b.active, m.UserA)
		delete(b.active, m.UserB)
	}
	cp := *m
	return &cp, nil
}

func (b *fakeBackend) pair(id, a, c string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byID[id] = &match.Match{ID: id, UserA: a, UserB: c, Status: match.StatusMatched, CreatedAt: time.Now()}
	b.active[a] = id
	b.active[c] = id
	delete(b.waiting, a)
	delete(b.waiting, c)
}

func (b *fakeBackend) status(id string) match.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byID[id].Status
}

func (b *fakeBackend) isWaiting(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.waiting[userID]
	return ok
}

func (b *fakeBackend) endActiveCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.endActive...)
}

type fakePresence struct {
	mu      sync.Mutex
	online  map[string]bool
	touches int
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string]bool)}
}

func (p *fakePresence) Connect(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = true
	return nil
}

func (p *fakePresence) Touch(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touches++
	return nil
}

func (p *fakePresence) Disconnect(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, userID)
	return nil
}

func (p *fakePresence) isOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *fakePresence) touchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.touches
}

// countLimiter allows the first n requests.
type countLimiter struct {
	mu    sync.Mutex
	n     int
	calls int
}

func (l *countLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.calls <= l.n, nil
}

func (l *countLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 42 * time.Second
}
