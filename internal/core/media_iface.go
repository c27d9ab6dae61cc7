package core

import (
	"context"

	"github.com/dkeye/Call/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaConnection wraps one native peer-connection object.
// Exclusively owned by a single session for its lifetime.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	// Must be called after the On* callbacks are set.
	Start(ctx context.Context) error
	// Close stops the underlying transport. Idempotent.
	Close()
	// CreateAndSetOffer creates an offer and installs it as the local description.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// CreateAndSetAnswer creates an answer for the current remote description
	// and installs it as the local description.
	CreateAndSetAnswer() (*webrtc.SessionDescription, error)
	// ApplyRemoteDescription installs the remote offer or answer.
	ApplyRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate. Requires a remote
	// description to be set first.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches a local capture track to the connection.
	AddLocalTrack(track webrtc.TrackLocal) (TrackSender, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(*webrtc.TrackRemote))
	// OnStateChange sets a callback for native connection-state changes.
	OnStateChange(func(webrtc.PeerConnectionState))
}

// TrackSender is the slice of *webrtc.RTPSender the session needs for
// mute/unmute via track replacement.
type TrackSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// MediaSource acquires the local capture devices for one call.
type MediaSource interface {
	// Acquire opens microphone (and camera for video mode) and returns the
	// resulting handles. May block on user permission prompts.
	Acquire(ctx context.Context, mode domain.CallMode) (MediaHandles, error)
}

// MediaHandles owns the local capture tracks for one session.
// Released on every path that leaves the active superstate.
type MediaHandles interface {
	// Tracks lists the capture tracks to attach to the peer connection.
	Tracks() []webrtc.TrackLocal
	// Release stops every track. Idempotent.
	Release()
}
