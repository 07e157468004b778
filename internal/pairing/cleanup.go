package pairing

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/livematch/quickmatch/internal/match"
	"github.com/livematch/quickmatch/internal/metrics"
)

// cleanupLoop removes queue entries of users who went away and cancels
// matches nobody connected to before the deadline.
func (m *Matcher) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			log.Println("[matcher] cleanup loop stopped")
			return
		case <-ticker.C:
			m.CleanStaleEntries(m.ctx)
			m.ExpireUnconnected(m.ctx)
		}
	}
}

// CleanStaleEntries dequeues waiting users whose presence key has expired
// and returns how many were removed.
func (m *Matcher) CleanStaleEntries(ctx context.Context) int {
	if m.presence == nil {
		return 0
	}
	waiting, err := m.queue.Waiting(ctx)
	if err != nil {
		log.Printf("[matcher] cleanup: failed to get queue: %v", err)
		return 0
	}

	removed := 0
	for _, r := range waiting {
		online, err := m.presence.Online(ctx, r.Entry.UserID)
		if err != nil || online {
			continue
		}
		if _, err := m.queue.DequeueSelf(ctx, r.Entry.UserID); err != nil {
			log.Printf("[matcher] cleanup: failed to dequeue %s: %v", r.Entry.UserID, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Printf("[matcher] cleanup: removed %d stale entries", removed)
	}
	return removed
}

// ExpireUnconnected cancels matches that stayed matched past the connect
// deadline, notifies both sides, and returns how many were cancelled.
func (m *Matcher) ExpireUnconnected(ctx context.Context) int {
	before := m.now().Add(-m.cfg.ConnectDeadline)
	stale, err := m.matches.ListStaleMatched(ctx, before, staleBatch)
	if err != nil {
		log.Printf("[matcher] cleanup: list stale matches: %v", err)
		return 0
	}

	expired := 0
	for _, s := range stale {
		cancelled, err := m.matches.TransitionFrom(ctx, s.ID, []match.Status{match.StatusMatched}, match.StatusCancelled)
		if errors.Is(err, match.ErrInvalidTransition) {
			continue // connected or ended meanwhile
		}
		if err != nil {
			log.Printf("[matcher] cleanup: cancel match %s: %v", s.ID, err)
			continue
		}

		expired++
		metrics.ExpiredMatches.Inc()
		log.Printf("[matcher] connect deadline expired for match=%s", s.ID)
		if m.pub != nil {
			if err := m.pub.PublishMatchChange(*cancelled); err != nil {
				log.Printf("[matcher] publish match.changes %s: %v", s.ID, err)
			}
		}
	}
	return expired
}
