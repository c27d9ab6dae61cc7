//go:build linux

package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// newPlatformAPI wires VP8+Opus capture via pion/mediadevices (V4L2 and
// malgo drivers) into the webrtc API. The codec selector must populate the
// media engine used by the peer connections, so both come from here.
func newPlatformAPI() (*webrtc.API, core.MediaSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(ir),
	)
	return api, &captureSource{selector: selector}, nil
}

// captureSource opens the local microphone and camera through
// pion/mediadevices.
type captureSource struct {
	selector *mediadevices.CodecSelector
}

func (c *captureSource) Acquire(_ context.Context, mode domain.CallMode) (core.MediaHandles, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if mode == domain.ModeVideo {
		constraints.Video = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	for _, t := range stream.GetTracks() {
		log.Info().Str("module", "rtc").Str("kind", t.Kind().String()).Str("track_id", t.ID()).Msg("capture track opened")
	}
	return &captureHandles{stream: stream}, nil
}

type captureHandles struct {
	mu       sync.Mutex
	stream   mediadevices.MediaStream
	released bool
}

func (h *captureHandles) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, 2)
	for _, t := range h.stream.GetTracks() {
		out = append(out, t)
	}
	return out
}

func (h *captureHandles) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	for _, t := range h.stream.GetTracks() {
		if err := t.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("track_id", t.ID()).Msg("close capture track")
		}
	}
}
