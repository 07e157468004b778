// Package match defines the records shared by every quick-match component:
// the queue entry a user submits, the match record the pairing procedure
// produces, and the closed set of statuses a match moves through.
package match

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by stores when a match or queue entry does not exist.
	ErrNotFound = errors.New("match: not found")

	// ErrInvalidTransition is returned when a status change would move a match
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("match: invalid status transition")

	// ErrNotParticipant is returned when a user tries to change a match they
	// are not part of.
	ErrNotParticipant = errors.New("match: user is not a participant")
)

// Status is the lifecycle state of a Match record.
type Status string

// Match statuses. Ended and Cancelled are terminal.
const (
	StatusWaiting   Status = "waiting"
	StatusMatched   Status = "matched"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusWaiting, StatusMatched, StatusConnected, StatusEnded, StatusCancelled}

// ParseStatus converts a wire value into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusWaiting, StatusMatched, StatusConnected, StatusEnded, StatusCancelled:
		return Status(s), nil
	default:
		return "", fmt.Errorf("match: unknown status %q", s)
	}
}

// Rank orders statuses along the lifecycle. Both terminal statuses share the
// highest rank.
func (s Status) Rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusMatched:
		return 1
	case StatusConnected:
		return 2
	case StatusEnded, StatusCancelled:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether a match counts as active for lookups
// (matched or connected).
func (s Status) IsActive() bool {
	switch s {
	case StatusMatched, StatusConnected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a match may move from s to next.
//
//	waiting   -> matched | cancelled
//	matched   -> connected | cancelled
//	connected -> ended | cancelled
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusWaiting:
		return next == StatusMatched || next == StatusCancelled
	case StatusMatched:
		return next == StatusConnected || next == StatusCancelled
	case StatusConnected:
		return next == StatusEnded || next == StatusCancelled
	default:
		return false
	}
}

// Predecessors returns every status from which next can be reached in one step.
func Predecessors(next Status) []Status {
	var out []Status
	for _, s := range AllStatuses {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

// Match is a pairing of two users. The pair is unordered: a given user may
// appear as either UserA or UserB.
type Match struct {
	ID        string    `json:"id"`
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// IsParticipant reports whether userID is one of the paired users.
func (m *Match) IsParticipant(userID string) bool {
	return userID != "" && (m.UserA == userID || m.UserB == userID)
}

// Partner returns the other user of the pair, or "" if userID is not a participant.
func (m *Match) Partner(userID string) string {
	switch userID {
	case m.UserA:
		return m.UserB
	case m.UserB:
		return m.UserA
	default:
		return ""
	}
}
