package core

import (
	"context"
	"errors"

	"github.com/dkeye/Call/internal/domain"
)

// ErrRelayUnavailable reports that the relay substrate is unreachable.
// Fatal for offer/answer sends, best-effort for candidates.
var ErrRelayUnavailable = errors.New("relay unavailable")

// Relay carries signaling messages between participants who are not yet
// directly connected. Delivery is at-least-once and unordered across
// message kinds; duplicates and stragglers are expected.
// Owned by the adapter; the session owns exactly one subscription.
type Relay interface {
	// Send persists msg for delivery to msg.To. The remote subscriber
	// sees it "soon", with no bound guaranteed.
	Send(ctx context.Context, msg domain.Signal) error

	// Subscribe yields every message addressed to self for the session,
	// one at a time, in relay-arrival order. The local participant never
	// observes its own outbound messages. The cancel func releases the
	// subscription; it is safe to call more than once.
	Subscribe(ctx context.Context, sid domain.SessionID, self domain.ParticipantID) (<-chan domain.Signal, func(), error)

	// Teardown deletes persisted messages for the session. Space
	// reclamation only; never relied upon for correctness.
	Teardown(ctx context.Context, sid domain.SessionID) error
}
