// Package protocol defines the WebSocket message types and structures used for
// communication between the quick-match UI and the gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/livematch/quickmatch/internal/match"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeStart         = "start"
	TypeStop          = "stop"
	TypeCallConnected = "call_connected"
	TypeCallEnded     = "call_ended"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeSessionReady = "session_ready"
	TypePhase        = "phase"
	TypeRateLimited  = "rate_limited"
	TypeError        = "error"
	TypePong         = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidRequest  = "invalid_request"
	CodeAlreadyStarted  = "already_started"
	CodeNotParticipant  = "not_participant"
	CodeNotFound        = "not_found"
	CodeInternal        = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// StartMsg asks the gateway to put the user into the match queue.
type StartMsg struct {
	Type   string `json:"type"`
	Gender string `json:"gender"`
	Want   string `json:"want"`
	Locale string `json:"locale"`
	Region string `json:"region"`
}

// StopMsg leaves the queue or abandons the current session.
type StopMsg struct {
	Type string `json:"type"`
}

// CallConnectedMsg reports that the media call with the partner is up.
type CallConnectedMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// CallEndedMsg reports that the user hung up.
type CallEndedMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionReadyMsg is sent once the connection is authenticated.
type SessionReadyMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// PhaseMsg carries a session state change. Match is omitted until a pairing
// has been found.
type PhaseMsg struct {
	Type   string       `json:"type"`
	Phase  string       `json:"phase"`
	Reason string       `json:"reason,omitempty"`
	Match  *match.Match `json:"match,omitempty"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
// RetryAfter is in seconds.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStart:
		var m StartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStop:
		var m StopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallConnected:
		var m CallConnectedMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.MatchID == "" {
			err = fmt.Errorf("missing match_id")
		}
		msg = m
	case TypeCallEnded:
		var m CallEndedMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.MatchID == "" {
			err = fmt.Errorf("missing match_id")
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
