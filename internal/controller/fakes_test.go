package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/livematch/quickmatch/internal/match"
)

// fakeClock hands out manually driven tickers and timers.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) NewTicker(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{c: make(chan time.Time)}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *fakeClock) NewTimer(time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{c: make(chan time.Time)}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeClock) ticker(t *testing.T) *fakeTicker {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tickers) == 0 {
		t.Fatal("no ticker was created")
	}
	return f.tickers[len(f.tickers)-1]
}

func (f *fakeClock) tickerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}

func (f *fakeClock) timer(t *testing.T) *fakeTimer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.timers) == 0 {
		t.Fatal("no timer was created")
	}
	return f.timers[len(f.timers)-1]
}

// advance moves the clock and delivers one tick. It fails the test if the
// event loop does not accept the tick.
func (f *fakeClock) advance(t *testing.T, d time.Duration) {
	t.Helper()
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	f.mu.Unlock()

	tk := f.ticker(t)
	select {
	case tk.c <- now:
	case <-time.After(time.Second):
		t.Fatal("tick was not consumed")
	}
}

type fakeTicker struct {
	c       chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeTimer struct {
	c       chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) fire(tb *testing.T) {
	tb.Helper()
	select {
	case t.c <- time.Now():
	case <-time.After(time.Second):
		tb.Fatal("timer fire was not consumed")
	}
}

// fakeQueue scripts FindActiveMatch results and records every call.
type fakeQueue struct {
	mu         sync.Mutex
	enqueueErr error
	enqueued   int
	lastPrefs  match.Preferences
	dequeued   int
	lookups    int
	results    []lookupResult // consumed in order; the last one repeats
	records    map[string]match.Match
	getErr     error
	gets       int
	lookupCh   chan int
}

type lookupResult struct {
	m   *match.Match
	err error
}

func newFakeQueue(results ...lookupResult) *fakeQueue {
	return &fakeQueue{
		results:  results,
		records:  make(map[string]match.Match),
		lookupCh: make(chan int, 64),
	}
}

func (q *fakeQueue) Enqueue(ctx context.Context, userID string, prefs match.Preferences, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued++
	q.lastPrefs = prefs
	return q.enqueueErr
}

func (q *fakeQueue) FindActiveMatch(ctx context.Context, userID string) (*match.Match, error) {
	q.mu.Lock()
	q.lookups++
	n := q.lookups
	var r lookupResult
	if len(q.results) > 0 {
		idx := n - 1
		if idx >= len(q.results) {
			idx = len(q.results) - 1
		}
		r = q.results[idx]
	}
	// A looked-up match is the stored record unless a test set one.
	if r.m != nil {
		if _, ok := q.records[r.m.ID]; !ok {
			q.records[r.m.ID] = *r.m
		}
	}
	q.mu.Unlock()

	q.lookupCh <- n
	if r.m != nil {
		m := *r.m
		return &m, r.err
	}
	return nil, r.err
}

func (q *fakeQueue) DequeueSelf(ctx context.Context, userID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dequeued++
	return "entry-1", nil
}

func (q *fakeQueue) GetMatch(ctx context.Context, matchID string) (*match.Match, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gets++
	if q.getErr != nil {
		return nil, q.getErr
	}
	m, ok := q.records[matchID]
	if !ok {
		return nil, errors.New("not found")
	}
	return &m, nil
}

func (q *fakeQueue) setEnqueueErr(err error) {
	q.mu.Lock()
	q.enqueueErr = err
	q.mu.Unlock()
}

func (q *fakeQueue) setRecord(m match.Match) {
	q.mu.Lock()
	q.records[m.ID] = m
	q.mu.Unlock()
}

func (q *fakeQueue) counts() (enqueued, dequeued, lookups int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueued, q.dequeued, q.lookups
}

// waitLookup blocks until the n-th FindActiveMatch call has been made.
func (q *fakeQueue) waitLookup(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case got := <-q.lookupCh:
			if got >= n {
				return
			}
		case <-deadline:
			t.Fatalf("lookup %d did not happen", n)
		}
	}
}

// fakeFeed records subscriptions and lets tests emit change events.
type fakeFeed struct {
	mu            sync.Mutex
	matchErr      error
	userErr       error
	matchSubs     map[string][]*fakeSub
	userSubs      map[string][]*fakeSub
	subscriptions int
}

type fakeSub struct {
	fn      func(match.Match)
	mu      sync.Mutex
	removed bool
}

func (s *fakeSub) unsubscribe() {
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()
}

func (s *fakeSub) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.removed
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		matchSubs: make(map[string][]*fakeSub),
		userSubs:  make(map[string][]*fakeSub),
	}
}

func (f *fakeFeed) SubscribeMatchChanges(matchID string, onChange func(match.Match)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matchErr != nil {
		return nil, f.matchErr
	}
	s := &fakeSub{fn: onChange}
	f.matchSubs[matchID] = append(f.matchSubs[matchID], s)
	f.subscriptions++
	return s.unsubscribe, nil
}

func (f *fakeFeed) SubscribeUserMatches(userID string, onMatch func(match.Match)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userErr != nil {
		return nil, f.userErr
	}
	s := &fakeSub{fn: onMatch}
	f.userSubs[userID] = append(f.userSubs[userID], s)
	return s.unsubscribe, nil
}

// emit delivers m to every subscription of the match, including released
// ones, the way a late message from the broker would.
func (f *fakeFeed) emit(m match.Match) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.matchSubs[m.ID]...)
	f.mu.Unlock()
	for _, s := range subs {
		s.fn(m)
	}
}

func (f *fakeFeed) emitUser(userID string, m match.Match) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.userSubs[userID]...)
	f.mu.Unlock()
	for _, s := range subs {
		s.fn(m)
	}
}

func (f *fakeFeed) matchSubscriptions(matchID string) []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSub(nil), f.matchSubs[matchID]...)
}

func (f *fakeFeed) userSubscriptions(userID string) []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSub(nil), f.userSubs[userID]...)
}

// recorder collects observer notifications.
type recorder struct {
	ch chan State
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan State, 64)}
}

func (r *recorder) observe(s State) {
	r.ch <- s
}

func (r *recorder) waitPhase(t *testing.T, phase Phase) State {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case s := <-r.ch:
			if s.Phase == phase {
				return s
			}
		case <-deadline:
			t.Fatalf("phase %q was never reached", phase)
			return State{}
		}
	}
}

func matchRecord(id string, status match.Status) *match.Match {
	return &match.Match{ID: id, UserA: "u1", UserB: "u2", Status: status}
}
