package match

import "time"

// WantAny accepts a counterpart of any gender.
const WantAny = "any"

// Queue entry statuses.
const (
	EntryWaiting   = "waiting"
	EntryCancelled = "cancelled"
)

// Preferences are the matching attributes a user submits with a join request.
type Preferences struct {
	Gender string `json:"gender,omitempty"`
	Want   string `json:"want,omitempty"`
	Locale string `json:"locale,omitempty"`
	Region string `json:"region,omitempty"`
}

// Normalized returns a copy with Want defaulted to WantAny.
func (p Preferences) Normalized() Preferences {
	if p.Want == "" {
		p.Want = WantAny
	}
	return p
}

// Accepts reports whether a user with these preferences accepts a
// counterpart of the given gender. An unknown gender is only accepted by "any".
func (p Preferences) Accepts(gender string) bool {
	want := p.Want
	if want == "" || want == WantAny {
		return true
	}
	return gender != "" && want == gender
}

// QueueEntry is one user's waiting-to-be-matched record.
type QueueEntry struct {
	ID         string
	UserID     string
	Prefs      Preferences
	Priority   int
	Status     string // waiting | cancelled
	CreatedAt  time.Time
	DequeuedAt time.Time // zero while waiting
}

// MutuallyCompatible reports whether a and b accept each other's gender.
func MutuallyCompatible(a, b Preferences) bool {
	return a.Accepts(b.Gender) && b.Accepts(a.Gender)
}
