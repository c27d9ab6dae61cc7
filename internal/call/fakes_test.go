package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// fakeHub is an in-memory relay shared by both sides of a test call. It
// mimics the real substrate: per-recipient delivery, backlog replay on
// subscribe, no ordering guarantee beyond arrival.
type fakeHub struct {
	mu        sync.Mutex
	subs      map[string]chan domain.Signal
	sent      []domain.Signal
	failKinds map[domain.SignalKind]bool
	held      bool
	teardowns int
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		subs:      make(map[string]chan domain.Signal),
		failKinds: make(map[domain.SignalKind]bool),
	}
}

func hubKey(sid domain.SessionID, p domain.ParticipantID) string {
	return string(sid) + "|" + string(p)
}

func (h *fakeHub) Send(_ context.Context, msg domain.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failKinds[msg.Kind] {
		return core.ErrRelayUnavailable
	}
	h.sent = append(h.sent, msg)
	if !h.held {
		h.push(msg)
	}
	return nil
}

// push requires h.mu.
func (h *fakeHub) push(msg domain.Signal) {
	if ch, ok := h.subs[hubKey(msg.SessionID, msg.To)]; ok {
		ch <- msg
	}
}

// Deliver injects a signal regardless of hold state; tests use it to
// control arrival order.
func (h *fakeHub) Deliver(msg domain.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.push(msg)
}

func (h *fakeHub) Subscribe(_ context.Context, sid domain.SessionID, self domain.ParticipantID) (<-chan domain.Signal, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan domain.Signal, 64)
	k := hubKey(sid, self)
	h.subs[k] = ch
	// At-least-once replay of what was sent before the subscriber showed up.
	if !h.held {
		for _, msg := range h.sent {
			if msg.SessionID == sid && msg.To == self {
				ch <- msg
			}
		}
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, k)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (h *fakeHub) Teardown(context.Context, domain.SessionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teardowns++
	return nil
}

func (h *fakeHub) subscribed(sid domain.SessionID, p domain.ParticipantID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[hubKey(sid, p)]
	return ok
}

func (h *fakeHub) sentOf(kind domain.SignalKind) []domain.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Signal
	for _, msg := range h.sent {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

// fakeConn stands in for the native peer connection.
type fakeConn struct {
	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(*webrtc.TrackRemote)
	onState func(webrtc.PeerConnectionState)

	remote     []webrtc.SessionDescription
	applied    []webrtc.ICECandidateInit
	offerErr   error
	answerErr  error
	applyErr   error
	candErr    error
	closeCount int
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (f *fakeConn) Start(context.Context) error { return nil }

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
}

func (f *fakeConn) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	if f.offerErr != nil {
		return nil, f.offerErr
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakeConn) CreateAndSetAnswer() (*webrtc.SessionDescription, error) {
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeConn) ApplyRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.remote = append(f.remote, d)
	return nil
}

func (f *fakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.candErr != nil {
		return f.candErr
	}
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakeConn) AddLocalTrack(track webrtc.TrackLocal) (core.TrackSender, error) {
	return &fakeSender{cur: track}, nil
}

func (f *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *fakeConn) OnTrack(fn func(*webrtc.TrackRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeConn) fireICE(c webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	fn(c)
}

func (f *fakeConn) fireState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

func (f *fakeConn) fireTrack(t *webrtc.TrackRemote) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(t)
}

func (f *fakeConn) appliedCands() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.applied))
	copy(out, f.applied)
	return out
}

func (f *fakeConn) remoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remote)
}

func (f *fakeConn) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

type fakeSender struct {
	mu  sync.Mutex
	cur webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = t
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// fakeTrack satisfies webrtc.TrackLocal for capture handles.
type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}

func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }

func (t *fakeTrack) ID() string { return t.id }

func (t *fakeTrack) RID() string { return "" }

func (t *fakeTrack) StreamID() string { return "fake-stream" }

func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

type fakeHandles struct {
	mu       sync.Mutex
	tracks   []webrtc.TrackLocal
	releases int
}

func (h *fakeHandles) Tracks() []webrtc.TrackLocal { return h.tracks }

func (h *fakeHandles) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releases++
}

func (h *fakeHandles) released() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releases
}

type fakeSource struct {
	mu    sync.Mutex
	err   error
	block chan struct{}
	made  []*fakeHandles
}

func (s *fakeSource) Acquire(_ context.Context, mode domain.CallMode) (core.MediaHandles, error) {
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return nil, s.err
	}
	tracks := []webrtc.TrackLocal{&fakeTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio}}
	if mode == domain.ModeVideo {
		tracks = append(tracks, &fakeTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo})
	}
	h := &fakeHandles{tracks: tracks}
	s.mu.Lock()
	s.made = append(s.made, h)
	s.mu.Unlock()
	return h, nil
}

func (s *fakeSource) handles() []*fakeHandles {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*fakeHandles, len(s.made))
	copy(out, s.made)
	return out
}

// side bundles one participant's collaborators.
type side struct {
	source *fakeSource
	conns  chan *fakeConn
}

func newSide() *side {
	return &side{source: &fakeSource{}, conns: make(chan *fakeConn, 4)}
}

func (s *side) deps(hub *fakeHub) Deps {
	return Deps{
		Relay: hub,
		Media: s.source,
		NewConn: func(*domain.Call) (core.MediaConnection, error) {
			fc := newFakeConn()
			s.conns <- fc
			return fc, nil
		},
	}
}

var (
	_ core.Relay           = (*fakeHub)(nil)
	_ core.MediaConnection = (*fakeConn)(nil)
	_ core.MediaSource     = (*fakeSource)(nil)
)
