package rtc

import (
	"context"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// Connection adapts one pion PeerConnection to core.MediaConnection.
// Descriptions are trickled: CreateAndSetOffer/Answer return as soon as
// the local description is installed and candidates follow as separate
// signaling messages.
type Connection struct {
	pc     *webrtc.PeerConnection
	sid    domain.SessionID
	closed atomic.Bool

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(*webrtc.TrackRemote)
	onState func(webrtc.PeerConnectionState)
}

func newConnection(pc *webrtc.PeerConnection, sid domain.SessionID) *Connection {
	return &Connection{pc: pc, sid: sid}
}

// Start binds the pion callbacks. The On* setters must be called first.
func (c *Connection) Start(_ context.Context) error {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(c.sid)).Str("peer_connection_state", s.String()).Msg("peer state")
		if c.onState != nil {
			c.onState(s)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("sid", string(c.sid)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		if c.onTrack != nil {
			c.onTrack(track)
		}
	})

	return nil
}

func (c *Connection) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

func (c *Connection) CreateAndSetAnswer() (*webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return &answer, nil
}

func (c *Connection) ApplyRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddLocalTrack attaches a capture track; pion reuses a recvonly
// transceiver of the same kind when one is free.
func (c *Connection) AddLocalTrack(track webrtc.TrackLocal) (core.TrackSender, error) {
	return c.pc.AddTrack(track)
}

func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", string(c.sid)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("sid", string(c.sid)).Msg("closed")
	}
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

func (c *Connection) OnTrack(fn func(*webrtc.TrackRemote)) { c.onTrack = fn }

func (c *Connection) OnStateChange(fn func(webrtc.PeerConnectionState)) { c.onState = fn }
