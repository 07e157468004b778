package pairing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/livematch/quickmatch/internal/match"
	"github.com/livematch/quickmatch/internal/queue"
)

// memQueue is an in-memory queue store with the same claim semantics as the
// Redis one.
type memQueue struct {
	mu        sync.Mutex
	entries   map[string]*queue.Ranked
	seq       int
	claimErr  error
	restored  []string
	denyClaim map[string]bool // users whose claim another matcher won
	claimed   map[string]bool // users held by a claim that may still be restored
}

func newMemQueue() *memQueue {
	return &memQueue{
		entries:   make(map[string]*queue.Ranked),
		denyClaim: make(map[string]bool),
		claimed:   make(map[string]bool),
	}
}

func (q *memQueue) add(user string, prefs match.Preferences, createdAt time.Time, priority int) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.entries[user] = &queue.Ranked{
		Entry: match.QueueEntry{
			ID:        fmt.Sprintf("e%d", q.seq),
			UserID:    user,
			Prefs:     prefs.Normalized(),
			Priority:  priority,
			Status:    match.EntryWaiting,
			CreatedAt: createdAt,
		},
		Score: queue.Score(createdAt, priority),
	}
	return q.entries[user].Entry.ID
}

func (q *memQueue) Enqueue(ctx context.Context, userID string, prefs match.Preferences, priority int) (string, error) {
	q.mu.Lock()
	if e, ok := q.entries[userID]; ok && e.Entry.Status == match.EntryWaiting {
		e.Entry.Prefs = prefs.Normalized()
		q.mu.Unlock()
		return e.Entry.ID, nil
	}
	q.mu.Unlock()
	return q.add(userID, prefs, time.Now(), priority), nil
}

func (q *memQueue) DequeueSelf(ctx context.Context, userID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[userID]
	if !ok || e.Entry.Status != match.EntryWaiting {
		delete(q.claimed, userID)
		return "", nil
	}
	e.Entry.Status = match.EntryCancelled
	return e.Entry.ID, nil
}

func (q *memQueue) Waiting(ctx context.Context) ([]queue.Ranked, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Ranked
	for _, e := range q.entries {
		if e.Entry.Status == match.EntryWaiting {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out, nil
}

func (q *memQueue) Claim(ctx context.Context, a, b string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return false, q.claimErr
	}
	if q.denyClaim[a] || q.denyClaim[b] {
		return false, nil
	}
	ea, eb := q.entries[a], q.entries[b]
	if ea == nil || eb == nil || ea.Entry.Status != match.EntryWaiting || eb.Entry.Status != match.EntryWaiting {
		return false, nil
	}
	ea.Entry.Status = match.EntryCancelled
	eb.Entry.Status = match.EntryCancelled
	q.claimed[a], q.claimed[b] = true, true
	return true, nil
}

func (q *memQueue) Restore(ctx context.Context, entries ...queue.Ranked) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range entries {
		if e, ok := q.entries[r.Entry.UserID]; ok && e.Entry.ID == r.Entry.ID && q.claimed[r.Entry.UserID] {
			delete(q.claimed, r.Entry.UserID)
			e.Entry.Status = match.EntryWaiting
			q.restored = append(q.restored, r.Entry.UserID)
		}
	}
	return nil
}

func (q *memQueue) status(user string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[user]; ok {
		return e.Entry.Status
	}
	return ""
}

// memMatches is an in-memory match store enforcing monotonic transitions.
type memMatches struct {
	mu        sync.Mutex
	byID      map[string]*match.Match
	seq       int
	createErr error
	now       time.Time
	// beforeTransition runs once before the next Transition, to simulate a
	// concurrent writer.
	beforeTransition func()
	// beforeCreate runs once before the next Create.
	beforeCreate func()
}

func newMemMatches() *memMatches {
	return &memMatches{byID: make(map[string]*match.Match), now: time.Now()}
}

func (s *memMatches) Create(ctx context.Context, a, b string) (*match.Match, error) {
	if s.beforeCreate != nil {
		fn := s.beforeCreate
		s.beforeCreate = nil
		fn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.seq++
	m := &match.Match{ID: fmt.Sprintf("m%d", s.seq), UserA: a, UserB: b, Status: match.StatusMatched, CreatedAt: s.now}
	s.byID[m.ID] = m
	cp := *m
	return &cp, nil
}

func (s *memMatches) put(m match.Match) {
	s.mu.Lock()
	s.byID[m.ID] = &m
	s.mu.Unlock()
}

func (s *memMatches) Get(ctx context.Context, id string) (*match.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, match.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memMatches) FindActive(ctx context.Context, userID string) (*match.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byID {
		if m.IsParticipant(userID) && m.Status.IsActive() {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memMatches) Transition(ctx context.Context, id string, to match.Status) (*match.Match, error) {
	return s.TransitionFrom(ctx, id, match.Predecessors(to), to)
}

func (s *memMatches) TransitionFrom(ctx context.Context, id string, from []match.Status, to match.Status) (*match.Match, error) {
	s.mu.Lock()
	hook := s.beforeTransition
	s.beforeTransition = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, match.ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if st == m.Status {
			allowed = true
		}
	}
	if !allowed || !m.Status.CanTransition(to) {
		cp := *m
		return &cp, fmt.Errorf("mem: %s -> %s: %w", m.Status, to, match.ErrInvalidTransition)
	}
	m.Status = to
	cp := *m
	return &cp, nil
}

func (s *memMatches) ListStaleMatched(ctx context.Context, before time.Time, limit int) ([]match.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []match.Match
	for _, m := range s.byID {
		if m.Status == match.StatusMatched && m.CreatedAt.Before(before) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memMatches) all() []match.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []match.Match
	for _, m := range s.byID {
		out = append(out, *m)
	}
	return out
}

type recordingPublisher struct {
	mu      sync.Mutex
	created []match.Match
	changes []match.Match
}

func (p *recordingPublisher) PublishMatchCreated(m match.Match) error {
	p.mu.Lock()
	p.created = append(p.created, m)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) PublishMatchChange(m match.Match) error {
	p.mu.Lock()
	p.changes = append(p.changes, m)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) counts() (created, changes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created), len(p.changes)
}

type fakePresence map[string]bool

func (p fakePresence) Online(ctx context.Context, userID string) (bool, error) {
	if userID == "broken" {
		return false, errors.New("redis down")
	}
	return p[userID], nil
}
