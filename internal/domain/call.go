// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxParticipantIDLen = 36

var (
	ErrParticipantEmpty   = errors.New("participant id empty")
	ErrParticipantTooLong = errors.New("participant id too long")
	ErrSameParticipant    = errors.New("caller and callee are the same participant")
	ErrSessionEmpty       = errors.New("session id empty")
	ErrBadMode            = errors.New("unknown call mode")
)

type (
	// SessionID identifies one call attempt. It equals the conversation id
	// the call was started from, so a conversation can hold at most one
	// live call at a time.
	SessionID string

	// ParticipantID identifies one side of a call (a marketplace user).
	ParticipantID string
)

// CallMode selects which media tracks are captured locally.
type CallMode string

const (
	ModeVoice CallMode = "voice"
	ModeVideo CallMode = "video"
)

func (m CallMode) Valid() bool {
	return m == ModeVoice || m == ModeVideo
}

// Role is fixed for the lifetime of a session and decides which side
// produces the offer and which the answer.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Call binds exactly two participants over one conversation.
type Call struct {
	SessionID SessionID
	Local     ParticipantID
	Remote    ParticipantID
	Mode      CallMode
	Role      Role
}

// NewCall avoids raw literals in adapters and keeps validation in one place.
func NewCall(sid SessionID, local, remote ParticipantID, mode CallMode, role Role) (*Call, error) {
	if sid == "" {
		return nil, ErrSessionEmpty
	}
	if local == "" || remote == "" {
		return nil, ErrParticipantEmpty
	}
	if len(local) > MaxParticipantIDLen || len(remote) > MaxParticipantIDLen {
		return nil, ErrParticipantTooLong
	}
	if local == remote {
		return nil, ErrSameParticipant
	}
	if !mode.Valid() {
		return nil, ErrBadMode
	}
	return &Call{SessionID: sid, Local: local, Remote: remote, Mode: mode, Role: role}, nil
}
