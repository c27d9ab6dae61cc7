package domain

import (
	"encoding/json"
	"time"
)

// SignalKind tags the payload of one signaling message.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
	SignalEnd       SignalKind = "end"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalCandidate, SignalEnd:
		return true
	}
	return false
}

// Signal is the unit exchanged through the relay. Messages are immutable
// once sent; the relay delivers them at-least-once with no ordering
// guarantee across kinds.
type Signal struct {
	SessionID SessionID     `json:"session_id"`
	From      ParticipantID `json:"from"`
	To        ParticipantID `json:"to"`
	Kind      SignalKind    `json:"kind"`
	// Payload carries a session description or an ICE candidate, opaque
	// to the relay.
	Payload json.RawMessage `json:"payload,omitempty"`
	// SentAt is a tie-breaker only, never a correctness guarantee.
	SentAt time.Time `json:"sent_at"`
}

// NewSignal stamps a signal for one call; From/To follow the call's view.
func NewSignal(c *Call, kind SignalKind, payload json.RawMessage) Signal {
	return Signal{
		SessionID: c.SessionID,
		From:      c.Local,
		To:        c.Remote,
		Kind:      kind,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	}
}
