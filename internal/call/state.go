package call

import "time"

// State is the externally observable call lifecycle state.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnecting
	StateActive
	StateEnding
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed }

// Event is a lifecycle trigger applied to the state machine.
type Event int

const (
	// EventStart: user starts or answers a call.
	EventStart Event = iota
	// EventLocalDescriptionSent: local offer/answer created and sent.
	EventLocalDescriptionSent
	// EventRemoteDescriptionApplied: remote offer/answer installed.
	EventRemoteDescriptionApplied
	// EventTransportConnected: transport reports a connected state.
	EventTransportConnected
	// EventTransportFailed: transport reports failed/disconnected, or a
	// fatal setup error occurred.
	EventTransportFailed
	// EventLocalHangup: local user hung up.
	EventLocalHangup
	// EventRemoteEnd: remote end message received.
	EventRemoteEnd
	// EventCleanupDone: resource release confirmed.
	EventCleanupDone
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventLocalDescriptionSent:
		return "local_description_sent"
	case EventRemoteDescriptionApplied:
		return "remote_description_applied"
	case EventTransportConnected:
		return "transport_connected"
	case EventTransportFailed:
		return "transport_failed"
	case EventLocalHangup:
		return "local_hangup"
	case EventRemoteEnd:
		return "remote_end"
	case EventCleanupDone:
		return "cleanup_done"
	}
	return "unknown"
}

// stateMachine is the single source of truth for the call lifecycle.
// Only the session loop mutates it.
type stateMachine struct {
	state State
	// activatedAt is set once, on the first entry into Active; a transient
	// reconnect keeps the original start so the duration timer never resets.
	activatedAt time.Time
	reason      error
}

// Apply attempts a transition. It returns the resulting state and whether
// the event changed anything; invalid or duplicate events are rejected so
// the relay's at-least-once delivery cannot corrupt the lifecycle.
func (m *stateMachine) Apply(ev Event) (State, bool) {
	next, ok := m.next(ev)
	if !ok {
		return m.state, false
	}
	if next == StateActive && m.activatedAt.IsZero() {
		m.activatedAt = time.Now()
	}
	m.state = next
	return m.state, true
}

// Fail records why the session failed alongside the transition.
func (m *stateMachine) Fail(reason error) (State, bool) {
	st, ok := m.Apply(EventTransportFailed)
	if ok && m.reason == nil {
		m.reason = reason
	}
	return st, ok
}

func (m *stateMachine) next(ev Event) (State, bool) {
	switch m.state {
	case StateIdle:
		switch ev {
		case EventStart:
			return StateNegotiating, true
		case EventLocalHangup:
			return StateEnding, true
		}
	case StateNegotiating:
		switch ev {
		case EventLocalDescriptionSent, EventRemoteDescriptionApplied:
			return StateConnecting, true
		case EventTransportFailed:
			return StateFailed, true
		case EventLocalHangup, EventRemoteEnd:
			return StateEnding, true
		}
	case StateConnecting:
		switch ev {
		case EventTransportConnected:
			return StateActive, true
		case EventTransportFailed:
			return StateFailed, true
		case EventLocalHangup, EventRemoteEnd:
			return StateEnding, true
		}
	case StateActive:
		switch ev {
		case EventTransportFailed:
			return StateFailed, true
		case EventLocalHangup, EventRemoteEnd:
			return StateEnding, true
		}
	case StateEnding, StateFailed:
		if ev == EventCleanupDone {
			return StateClosed, true
		}
	case StateClosed:
	}
	return m.state, false
}

// Duration reports for how long the call has been active; zero before the
// first Active entry.
func (m *stateMachine) Duration(now time.Time) time.Duration {
	if m.activatedAt.IsZero() {
		return 0
	}
	return now.Sub(m.activatedAt)
}
