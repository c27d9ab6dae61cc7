// Package rtc adapts pion/webrtc and pion/mediadevices to the engine's
// media boundary: one shared API builds a peer connection per session,
// and the platform capture source provides the local tracks.
package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

// Stack owns the webrtc.API shared by every session's peer connection and
// the capture source matching its codec configuration.
type Stack struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	source core.MediaSource
}

// NewStack builds the media engine for the configured ICE servers.
// Capture availability depends on the platform; without drivers the
// source yields no local tracks and calls run receive-only.
func NewStack(iceServers []string) (*Stack, error) {
	if len(iceServers) == 0 {
		iceServers = []string{defaultSTUN}
	}
	api, source, err := newPlatformAPI()
	if err != nil {
		return nil, err
	}
	return &Stack{
		api: api,
		cfg: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
		},
		source: source,
	}, nil
}

// Source returns the platform capture source.
func (s *Stack) Source() core.MediaSource { return s.source }

// NewConnection creates the peer connection for one session. Recvonly
// transceivers for the call's kinds are added up front so the offer
// carries valid m-lines even before local tracks attach; AddTrack then
// upgrades them to sendrecv.
func (s *Stack) NewConnection(c *domain.Call) (core.MediaConnection, error) {
	pc, err := s.api.NewPeerConnection(s.cfg)
	if err != nil {
		return nil, err
	}
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if c.Mode == domain.ModeVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	return newConnection(pc, c.SessionID), nil
}
