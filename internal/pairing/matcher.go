package pairing

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/livematch/quickmatch/internal/metrics"
	"github.com/livematch/quickmatch/internal/queue"
)

const (
	DefaultPairInterval    = 2 * time.Second
	DefaultConnectDeadline = 30 * time.Second
	cleanupInterval        = 5 * time.Second
	staleBatch             = 100
)

// MatcherConfig tunes the pairing loops.
type MatcherConfig struct {
	PairInterval    time.Duration
	ConnectDeadline time.Duration // matched pairs not connected by then are cancelled
}

// Matcher is the background pairing service.
type Matcher struct {
	queue    Queue
	matches  Matches
	pub      Publisher
	presence Presence
	cfg      MatcherConfig
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMatcher creates a matcher. presence may be nil to disable stale entry
// cleanup.
func NewMatcher(q Queue, matches Matches, pub Publisher, presence Presence, cfg MatcherConfig) *Matcher {
	if cfg.PairInterval <= 0 {
		cfg.PairInterval = DefaultPairInterval
	}
	if cfg.ConnectDeadline <= 0 {
		cfg.ConnectDeadline = DefaultConnectDeadline
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Matcher{
		queue:    q,
		matches:  matches,
		pub:      pub,
		presence: presence,
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the pairing and cleanup loops.
func (m *Matcher) Start() {
	m.wg.Add(2)
	go m.pairLoop()
	go m.cleanupLoop()
	log.Println("[matcher] service started")
}

// Stop signals both loops to exit and waits for them.
func (m *Matcher) Stop() {
	m.cancel()
	m.wg.Wait()
	log.Println("[matcher] service stopped")
}

func (m *Matcher) pairLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PairInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			log.Println("[matcher] pair loop stopped")
			return
		case <-ticker.C:
			m.PairOnce(m.ctx)
		}
	}
}

// PairOnce runs one pass of the pairing procedure over the waiting queue and
// returns the number of matches created. Entries are visited best score
// first; each one is paired with the first compatible entry behind it under
// the tier its wait time has earned.
func (m *Matcher) PairOnce(ctx context.Context) int {
	waiting, err := m.queue.Waiting(ctx)
	if err != nil {
		log.Printf("[matcher] failed to get queue: %v", err)
		return 0
	}
	metrics.QueueSize.Set(float64(len(waiting)))

	now := m.now()
	taken := make(map[string]bool, len(waiting))
	created := 0

	for i, self := range waiting {
		if taken[self.Entry.UserID] {
			continue
		}

		for attempt := 0; attempt < claimAttempts; attempt++ {
			pool := make([]queue.Ranked, 0, len(waiting)-i)
			for _, c := range waiting[i+1:] {
				if !taken[c.Entry.UserID] {
					pool = append(pool, c)
				}
			}

			j, tier := queue.FindPartner(self, pool, now)
			if j < 0 {
				break
			}
			partner := pool[j]
			taken[partner.Entry.UserID] = true

			res := m.pair(ctx, self, partner, tier)
			if res == pairLost {
				// One side left the queue or another matcher won it; self
				// may still pair with the next candidate.
				continue
			}
			taken[self.Entry.UserID] = true
			if res == pairCreated {
				created++
			}
			break
		}
	}

	if created > 0 {
		metrics.QueueSize.Sub(float64(created * 2))
		log.Printf("[matcher] created %d matches, %d users waiting", created, len(waiting)-created*2)
	}
	return created
}

type pairResult int

const (
	pairCreated pairResult = iota
	pairLost               // the claim found an entry no longer waiting
	pairFailed
)

// claimAttempts bounds how many partners one entry tries per pass.
const claimAttempts = 3

// pair claims both entries and creates the match. The claim is the
// at-most-once point: a pair another matcher claimed first is skipped.
func (m *Matcher) pair(ctx context.Context, a, b queue.Ranked, tier queue.Tier) pairResult {
	ok, err := m.queue.Claim(ctx, a.Entry.UserID, b.Entry.UserID)
	if err != nil {
		log.Printf("[matcher] claim %s/%s: %v", a.Entry.UserID, b.Entry.UserID, err)
		return pairFailed
	}
	if !ok {
		return pairLost
	}

	created, err := m.matches.Create(ctx, a.Entry.UserID, b.Entry.UserID)
	if err != nil {
		log.Printf("[matcher] create match %s/%s: %v, restoring entries", a.Entry.UserID, b.Entry.UserID, err)
		if err := m.queue.Restore(ctx, a, b); err != nil {
			log.Printf("[matcher] restore %s/%s: %v", a.Entry.UserID, b.Entry.UserID, err)
		}
		return pairFailed
	}

	metrics.Pairings.WithLabelValues(string(tier)).Inc()
	log.Printf("[matcher] match=%s a=%s b=%s tier=%s", created.ID, created.UserA, created.UserB, tier)

	if m.pub != nil {
		if err := m.pub.PublishMatchCreated(*created); err != nil {
			log.Printf("[matcher] publish match.created %s: %v", created.ID, err)
		}
		if err := m.pub.PublishMatchChange(*created); err != nil {
			log.Printf("[matcher] publish match.changes %s: %v", created.ID, err)
		}
	}
	return pairCreated
}
