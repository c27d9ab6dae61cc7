package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/Call/internal/core"
)

// peerSession owns the native peer-connection object and the local media
// handles for exactly one session. No other component touches them.
type peerSession struct {
	log zerolog.Logger

	mu       sync.Mutex
	mc       core.MediaConnection
	handles  core.MediaHandles
	senders  map[webrtc.RTPCodecType]core.TrackSender
	tracks   map[webrtc.RTPCodecType]webrtc.TrackLocal
	disabled map[webrtc.RTPCodecType]bool
	released bool
}

func newPeerSession(log zerolog.Logger, mc core.MediaConnection, handles core.MediaHandles) *peerSession {
	return &peerSession{
		log:      log,
		mc:       mc,
		handles:  handles,
		senders:  make(map[webrtc.RTPCodecType]core.TrackSender),
		tracks:   make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		disabled: make(map[webrtc.RTPCodecType]bool),
	}
}

// AttachLocalTracks adds every acquired capture track to the connection.
func (p *peerSession) AttachLocalTracks() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.handles.Tracks() {
		sender, err := p.mc.AddLocalTrack(t)
		if err != nil {
			return err
		}
		p.senders[t.Kind()] = sender
		p.tracks[t.Kind()] = t
	}
	return nil
}

func (p *peerSession) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return p.mc.CreateAndSetOffer()
}

func (p *peerSession) CreateAndSetAnswer() (*webrtc.SessionDescription, error) {
	return p.mc.CreateAndSetAnswer()
}

func (p *peerSession) ApplyRemoteDescription(d webrtc.SessionDescription) error {
	return p.mc.ApplyRemoteDescription(d)
}

func (p *peerSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.mc.AddICECandidate(c)
}

// Toggle flips the outbound track of the given kind by swapping the
// sender's track with nil and back. Pure local side effect; the state
// machine is not involved. Returns the new disabled state.
func (p *peerSession) Toggle(kind webrtc.RTPCodecType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	sender, ok := p.senders[kind]
	if !ok || p.released {
		return p.disabled[kind]
	}

	next := !p.disabled[kind]
	var repl webrtc.TrackLocal
	if !next {
		repl = p.tracks[kind]
	}
	if err := sender.ReplaceTrack(repl); err != nil {
		p.log.Error().Err(err).Str("kind", kind.String()).Msg("toggle track")
		return p.disabled[kind]
	}
	p.disabled[kind] = next
	p.log.Debug().Str("kind", kind.String()).Bool("disabled", next).Msg("toggled track")
	return next
}

// Release stops the local capture tracks, then closes the peer
// connection, in that order. Idempotent.
func (p *peerSession) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	if p.handles != nil {
		p.handles.Release()
	}
	p.mc.Close()
	p.log.Debug().Msg("peer session released")
}
