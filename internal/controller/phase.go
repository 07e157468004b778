package controller

import "github.com/livematch/quickmatch/internal/match"

// Phase is the coarse client-observable state of a matchmaking session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseQueue      Phase = "queue"
	PhaseMatched    Phase = "matched"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseEnded      Phase = "ended"
)

// Reason explains why a session reached PhaseEnded.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonMatchEnded     Reason = "match_ended"
	ReasonMatchCancelled Reason = "match_cancelled"
	ReasonTimeout        Reason = "timeout"
)

// State is a snapshot of a session. Match is nil until a pairing is wired.
type State struct {
	Phase  Phase
	Match  *match.Match
	Reason Reason
}

// phaseOnWire maps the status of a freshly found match to the phase the
// session enters.
func phaseOnWire(s match.Status) Phase {
	switch s {
	case match.StatusMatched:
		return PhaseMatched
	case match.StatusConnected:
		return PhaseConnected
	default:
		return PhaseQueue
	}
}

// phaseOnChange maps a change event to the next phase given the current one.
// The second result is the end reason when the status is terminal.
func phaseOnChange(current Phase, s match.Status) (Phase, Reason) {
	switch s {
	case match.StatusConnected:
		return PhaseConnected, ReasonNone
	case match.StatusEnded:
		return PhaseEnded, ReasonMatchEnded
	case match.StatusCancelled:
		return PhaseEnded, ReasonMatchCancelled
	case match.StatusMatched:
		if current == PhaseQueue {
			return PhaseMatched, ReasonNone
		}
		return current, ReasonNone
	case match.StatusWaiting:
		return current, ReasonNone
	default:
		return current, ReasonNone
	}
}
