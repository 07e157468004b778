package pairing

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/livematch/quickmatch/internal/match"
)

// transitionAttempts bounds retries when a concurrent writer moves a match
// between reading and updating it.
const transitionAttempts = 3

// Backend serves queue and match operations for sessions. It implements
// controller.QueueAPI.
type Backend struct {
	queue   Queue
	matches Matches
	pub     Publisher
}

// NewBackend creates a Backend. pub may be nil, in which case changes are
// only visible through polling.
func NewBackend(q Queue, matches Matches, pub Publisher) *Backend {
	return &Backend{queue: q, matches: matches, pub: pub}
}

// Enqueue submits a waiting entry for userID. A user that is already in an
// active match is not queued again; the caller's lookup finds that match.
func (b *Backend) Enqueue(ctx context.Context, userID string, prefs match.Preferences, priority int) error {
	active, err := b.matches.FindActive(ctx, userID)
	if err != nil {
		return fmt.Errorf("pairing: enqueue %s: %w", userID, err)
	}
	if active != nil {
		log.Printf("[backend] user=%s already in match=%s, not queued", userID, active.ID)
		return nil
	}

	id, err := b.queue.Enqueue(ctx, userID, prefs, priority)
	if err != nil {
		return fmt.Errorf("pairing: enqueue %s: %w", userID, err)
	}
	log.Printf("[backend] user=%s queued entry=%s want=%s locale=%s", userID, id, prefs.Want, prefs.Locale)
	return nil
}

// FindActiveMatch returns the user's matched or connected match, or nil.
func (b *Backend) FindActiveMatch(ctx context.Context, userID string) (*match.Match, error) {
	return b.matches.FindActive(ctx, userID)
}

// DequeueSelf cancels the user's waiting entry.
func (b *Backend) DequeueSelf(ctx context.Context, userID string) (string, error) {
	id, err := b.queue.DequeueSelf(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("pairing: dequeue %s: %w", userID, err)
	}
	if id != "" {
		log.Printf("[backend] user=%s dequeued entry=%s", userID, id)
	}
	return id, nil
}

// GetMatch returns the match record with the given id.
func (b *Backend) GetMatch(ctx context.Context, matchID string) (*match.Match, error) {
	return b.matches.Get(ctx, matchID)
}

// Connect records that the call of matchID is up. Connecting an already
// connected match is a no-op.
func (b *Backend) Connect(ctx context.Context, matchID, userID string) (*match.Match, error) {
	return b.advance(ctx, matchID, userID, func(s match.Status) (match.Status, bool) {
		switch s {
		case match.StatusMatched, match.StatusWaiting:
			return match.StatusConnected, true
		default:
			return s, false
		}
	})
}

// End finishes the call of matchID: a connected match ends, a match that
// never connected is cancelled. Ending a terminal match is a no-op.
func (b *Backend) End(ctx context.Context, matchID, userID string) (*match.Match, error) {
	return b.advance(ctx, matchID, userID, endTarget)
}

// EndActive ends whatever active match userID is in, if any. It is used when
// a user's connection goes away.
func (b *Backend) EndActive(ctx context.Context, userID string) (*match.Match, error) {
	active, err := b.matches.FindActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("pairing: end active for %s: %w", userID, err)
	}
	if active == nil {
		return nil, nil
	}
	return b.End(ctx, active.ID, userID)
}

func endTarget(s match.Status) (match.Status, bool) {
	switch s {
	case match.StatusConnected:
		return match.StatusEnded, true
	case match.StatusWaiting, match.StatusMatched:
		return match.StatusCancelled, true
	default:
		return s, false
	}
}

// advance moves a match along the lifecycle on behalf of a participant. next
// picks the target from the current status and reports false when nothing
// needs to change. A lost race is retried against the fresh status.
func (b *Backend) advance(ctx context.Context, matchID, userID string, next func(match.Status) (match.Status, bool)) (*match.Match, error) {
	current, err := b.matches.Get(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("pairing: get match %s: %w", matchID, err)
	}
	if !current.IsParticipant(userID) {
		return nil, fmt.Errorf("pairing: user %s on match %s: %w", userID, matchID, match.ErrNotParticipant)
	}

	for attempt := 0; attempt < transitionAttempts; attempt++ {
		to, ok := next(current.Status)
		if !ok {
			return current, nil
		}

		updated, err := b.matches.Transition(ctx, matchID, to)
		if err == nil {
			log.Printf("[backend] match=%s %s -> %s by user=%s", matchID, current.Status, to, userID)
			b.publish(*updated)
			return updated, nil
		}
		if !errors.Is(err, match.ErrInvalidTransition) || updated == nil {
			return nil, fmt.Errorf("pairing: transition %s: %w", matchID, err)
		}
		current = updated
	}
	return current, fmt.Errorf("pairing: match %s kept changing: %w", matchID, match.ErrInvalidTransition)
}

func (b *Backend) publish(m match.Match) {
	if b.pub == nil {
		return
	}
	if err := b.pub.PublishMatchChange(m); err != nil {
		log.Printf("[backend] publish change match=%s: %v", m.ID, err)
	}
}
