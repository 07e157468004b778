// Package pairing is the server side of quick match. Backend is the RPC
// boundary the session controller talks to and owns the call lifecycle of a
// match. Matcher runs the pairing procedure that turns compatible waiting
// queue entries into match records, plus the cleanup that expires vanished
// users and unconnected matches.
package pairing

import (
	"context"
	"time"

	"github.com/livematch/quickmatch/internal/match"
	"github.com/livematch/quickmatch/internal/queue"
)

// Queue is the queue store used by the pairing side.
type Queue interface {
	Enqueue(ctx context.Context, userID string, prefs match.Preferences, priority int) (string, error)
	DequeueSelf(ctx context.Context, userID string) (string, error)
	Waiting(ctx context.Context) ([]queue.Ranked, error)
	Claim(ctx context.Context, userA, userB string) (bool, error)
	Restore(ctx context.Context, entries ...queue.Ranked) error
}

// Matches is the match record store.
type Matches interface {
	Create(ctx context.Context, userA, userB string) (*match.Match, error)
	Get(ctx context.Context, id string) (*match.Match, error)
	FindActive(ctx context.Context, userID string) (*match.Match, error)
	Transition(ctx context.Context, id string, to match.Status) (*match.Match, error)
	TransitionFrom(ctx context.Context, id string, from []match.Status, to match.Status) (*match.Match, error)
	ListStaleMatched(ctx context.Context, before time.Time, limit int) ([]match.Match, error)
}

// Publisher pushes match records onto the change feed.
type Publisher interface {
	PublishMatchCreated(m match.Match) error
	PublishMatchChange(m match.Match) error
}

// Presence reports whether a user still holds a live connection.
type Presence interface {
	Online(ctx context.Context, userID string) (bool, error)
}
