//go:build !linux

package rtc

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// newPlatformAPI builds the API with default codecs on platforms without
// mediadevices drivers (V4L2/malgo are Linux-only). Calls run
// receive-only here; the remote side still sends media.
func newPlatformAPI() (*webrtc.API, core.MediaSource, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(ir),
	)
	return api, recvOnlySource{}, nil
}

type recvOnlySource struct{}

func (recvOnlySource) Acquire(_ context.Context, mode domain.CallMode) (core.MediaHandles, error) {
	log.Warn().Str("module", "rtc").Str("mode", string(mode)).Msg("no capture drivers on this platform, receive-only call")
	return recvOnlyHandles{}, nil
}

type recvOnlyHandles struct{}

func (recvOnlyHandles) Tracks() []webrtc.TrackLocal { return nil }

func (recvOnlyHandles) Release() {}
