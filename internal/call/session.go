// Package call implements the real-time call engine: the signaling
// handshake over an unordered relay, the candidate buffering that repairs
// message races, the session lifecycle state machine, and deterministic
// resource cleanup on every exit path.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

const (
	defaultQueueSize = 64
	sendTimeout      = 5 * time.Second
)

// Deps are the external collaborators a session is composed from.
type Deps struct {
	Relay core.Relay
	Media core.MediaSource
	// NewConn builds one native peer connection per session.
	NewConn func(c *domain.Call) (core.MediaConnection, error)
	// QueueSize bounds the session event queue; 0 means the default.
	QueueSize int
}

func (d Deps) validate() error {
	if d.Relay == nil || d.Media == nil || d.NewConn == nil {
		return fmt.Errorf("call: incomplete deps")
	}
	return nil
}

// Observation is what the UI boundary sees. The engine renders nothing
// itself.
type Observation struct {
	State       State
	Reason      error
	RemoteTrack *webrtc.TrackRemote
	Duration    time.Duration
}

type eventKind int

const (
	evSignal eventKind = iota
	evLocalCandidate
	evRemoteTrack
	evTransportState
	evPeerReady
	evMilestone
	evFatal
	evHangup
)

// event is the single currency of the session loop; every trigger (relay
// delivery, transport callback, user action) becomes one of these and is
// applied strictly in arrival order.
type event struct {
	kind  eventKind
	sig   domain.Signal
	cand  webrtc.ICECandidateInit
	track *webrtc.TrackRemote
	conn  webrtc.PeerConnectionState
	peer  *peerSession
	ev    Event
	err   error
	ack   chan struct{}
}

// Session drives one call attempt between two participants. All state
// mutation happens on the loop goroutine; concurrent triggers are queued,
// never dropped.
type Session struct {
	call *domain.Call
	log  zerolog.Logger
	deps Deps

	// Owned by the loop goroutine.
	sm        stateMachine
	buf       candidateBuffer
	remoteSet bool
	remote    *webrtc.TrackRemote
	cleaned   bool

	mu     sync.Mutex
	peer   *peerSession
	unsub  func()
	state  State
	reason error

	events chan event
	obs    chan Observation
	done   chan struct{}
}

// Start begins the caller side: acquire media, create the peer
// connection, send the offer. Setup failures never escape as errors; they
// resolve into a Failed observation.
func Start(ctx context.Context, c *domain.Call, deps Deps) (*Session, error) {
	return launch(ctx, c, deps, nil)
}

// Answer begins the callee side with the offer received out-of-band.
func Answer(ctx context.Context, c *domain.Call, offer webrtc.SessionDescription, deps Deps) (*Session, error) {
	return launch(ctx, c, deps, &offer)
}

func launch(ctx context.Context, c *domain.Call, deps Deps, offer *webrtc.SessionDescription) (*Session, error) {
	if c == nil {
		return nil, domain.ErrSessionEmpty
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	qs := deps.QueueSize
	if qs <= 0 {
		qs = defaultQueueSize
	}
	s := &Session{
		call: c,
		log: log.With().
			Str("module", "call").
			Str("sid", string(c.SessionID)).
			Str("role", string(c.Role)).
			Logger(),
		deps:   deps,
		events: make(chan event, qs),
		obs:    make(chan Observation, 16),
		done:   make(chan struct{}),
	}
	s.sm.Apply(EventStart)
	s.state = StateNegotiating
	s.log.Info().Str("mode", string(c.Mode)).Msg("session started")

	go s.run(ctx)
	go s.setup(ctx, offer)
	return s, nil
}

// Call returns the immutable call meta.
func (s *Session) Call() *domain.Call { return s.call }

// State returns the last state the loop committed.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason reports why the session failed; nil unless Failed was reached.
func (s *Session) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Observations streams {state, remote track, duration} updates for the UI
// boundary. The channel is closed when the session reaches Closed; slow
// consumers lose intermediate updates, never the latest one.
func (s *Session) Observations() <-chan Observation { return s.obs }

// Done closes once every resource has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// HangUp interrupts the session from any state. The end message goes out
// best-effort; local cleanup never waits for the remote peer. Calling it
// on an already-closed session is a no-op.
func (s *Session) HangUp(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.events <- event{kind: evHangup, ack: ack}:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// ToggleMute flips the outbound audio track. Synchronous, no network, no
// state transition. Returns the new muted state.
func (s *Session) ToggleMute() bool {
	if p := s.peerRef(); p != nil {
		return p.Toggle(webrtc.RTPCodecTypeAudio)
	}
	return false
}

// ToggleVideo flips the outbound video track. Returns the new disabled
// state.
func (s *Session) ToggleVideo() bool {
	if p := s.peerRef(); p != nil {
		return p.Toggle(webrtc.RTPCodecTypeVideo)
	}
	return false
}

func (s *Session) peerRef() *peerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// post hands an event to the loop without leaking the calling goroutine
// after the session closed. Returns false when the loop is gone and the
// caller still owns whatever the event carried.
func (s *Session) post(e event) bool {
	select {
	case s.events <- e:
		return true
	case <-s.done:
		return false
	}
}

// run applies events strictly sequentially until the session closes.
func (s *Session) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	s.emit()
	for {
		select {
		case <-ctx.Done():
			// Component teardown interrupts the session like a local
			// hang-up, in any state.
			s.hangup(nil)
			return
		case e := <-s.events:
			if s.handle(ctx, e) {
				return
			}
		case <-ticker.C:
			if s.sm.state == StateActive {
				s.emit()
			}
		}
	}
}

// handle processes one event; it returns true once the session reached
// Closed and the loop must exit.
func (s *Session) handle(ctx context.Context, e event) bool {
	switch e.kind {
	case evPeerReady:
		s.mu.Lock()
		s.peer = e.peer
		s.mu.Unlock()

	case evMilestone:
		if e.ev == EventRemoteDescriptionApplied {
			s.remoteSet = true
			s.drainCandidates()
		}
		s.transition(e.ev)

	case evFatal:
		return s.fail(e.err)

	case evLocalCandidate:
		// Candidates are best-effort; a lost one does not fail the call.
		go s.sendCandidate(e.cand)

	case evRemoteTrack:
		s.remote = e.track
		s.log.Info().Msg("remote track received")
		s.emit()

	case evTransportState:
		return s.transport(e.conn)

	case evSignal:
		return s.inbound(e.sig)

	case evHangup:
		return s.hangup(e.ack)
	}
	return false
}

func (s *Session) transport(st webrtc.PeerConnectionState) bool {
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		// Mirrors our own Connecting; nothing to do.
	case webrtc.PeerConnectionStateConnected:
		s.transition(EventTransportConnected)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		return s.fail(fmt.Errorf("%w: %s", ErrTransport, st))
	case webrtc.PeerConnectionStateClosed:
		if !s.cleaned {
			return s.fail(fmt.Errorf("%w: %s", ErrTransport, st))
		}
	}
	return false
}

// inbound routes one relay-delivered signal. Duplicates and stragglers
// are expected and ignored with a diagnostic log, never a crash.
func (s *Session) inbound(sig domain.Signal) bool {
	switch sig.Kind {
	case domain.SignalOffer:
		// The offer is consumed out-of-band by Answer; seeing it again
		// here is the relay's at-least-once replay.
		s.log.Debug().Msg("duplicate offer ignored")

	case domain.SignalAnswer:
		if s.call.Role != domain.RoleCaller || s.remoteSet {
			s.log.Debug().Msg("unexpected answer ignored")
			return false
		}
		p := s.peerRef()
		if p == nil {
			s.log.Warn().Msg("answer before local setup finished, ignored")
			return false
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			s.log.Error().Err(err).Msg("bad answer payload")
			return false
		}
		if err := p.ApplyRemoteDescription(desc); err != nil {
			s.log.Error().Err(err).Msg("apply answer")
			return false
		}
		s.remoteSet = true
		s.drainCandidates()
		s.transition(EventRemoteDescriptionApplied)

	case domain.SignalCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &cand); err != nil {
			s.log.Error().Err(err).Msg("bad candidate payload")
			return false
		}
		if s.remoteSet {
			if p := s.peerRef(); p != nil {
				if err := p.AddICECandidate(cand); err != nil {
					s.log.Error().Err(err).Msg("add candidate")
				}
			}
			return false
		}
		// No remote description yet: park it. This is the ordering
		// repair for candidates racing ahead of the offer/answer.
		if s.buf.Add(cand) {
			s.log.Debug().Int("buffered", s.buf.Len()).Msg("candidate buffered")
		}

	case domain.SignalEnd:
		s.log.Info().Msg("remote end received")
		if _, ok := s.sm.Apply(EventRemoteEnd); !ok {
			return false
		}
		s.commit()
		return s.shutdown()

	default:
		s.log.Warn().Str("kind", string(sig.Kind)).Msg("unknown signal")
	}
	return false
}

// drainCandidates applies everything buffered before the remote
// description, in arrival order, exactly once.
func (s *Session) drainCandidates() {
	p := s.peerRef()
	cands := s.buf.Drain()
	if len(cands) == 0 || p == nil {
		return
	}
	s.log.Debug().Int("count", len(cands)).Msg("draining buffered candidates")
	for _, c := range cands {
		if err := p.AddICECandidate(c); err != nil {
			s.log.Error().Err(err).Msg("apply buffered candidate")
		}
	}
}

func (s *Session) transition(ev Event) {
	prev := s.sm.state
	st, ok := s.sm.Apply(ev)
	if !ok {
		s.log.Debug().Str("event", ev.String()).Str("state", prev.String()).Msg("transition rejected")
		return
	}
	s.log.Info().Str("event", ev.String()).Str("from", prev.String()).Str("to", st.String()).Msg("transition")
	s.commit()
}

// fail resolves a fatal error into one Failed transition plus cleanup.
// Returns true when the loop must exit.
func (s *Session) fail(reason error) bool {
	if _, ok := s.sm.Fail(reason); !ok {
		s.log.Debug().Err(reason).Msg("failure after terminal state ignored")
		return false
	}
	s.log.Error().Err(reason).Msg("session failed")
	s.commit()
	return s.shutdown()
}

// hangup handles the local hang-up or teardown path: Ending, best-effort
// end message, unconditional cleanup. Returns true when the loop must exit.
func (s *Session) hangup(ack chan struct{}) bool {
	if ack != nil {
		defer close(ack)
	}
	if _, ok := s.sm.Apply(EventLocalHangup); !ok {
		return false
	}
	s.log.Info().Msg("local hangup")
	s.commit()
	go s.sendEnd()
	return s.shutdown()
}

// shutdown runs cleanup from Ending or Failed and drives the terminal
// Closed state. Always returns true.
func (s *Session) shutdown() bool {
	s.cleanup()
	s.transition(EventCleanupDone)
	close(s.done)
	close(s.obs)
	return true
}

// cleanup releases, in order: local media tracks, the peer connection,
// the relay subscription, and (best-effort) the relay's persisted
// messages. Idempotent; a second call is a no-op.
func (s *Session) cleanup() {
	if s.cleaned {
		return
	}
	s.cleaned = true

	s.mu.Lock()
	peer, unsub := s.peer, s.unsub
	s.mu.Unlock()

	if peer != nil {
		peer.Release()
	}
	if unsub != nil {
		unsub()
	}

	tctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	go func() {
		defer cancel()
		if err := s.deps.Relay.Teardown(tctx, s.call.SessionID); err != nil {
			s.log.Debug().Err(err).Msg("relay teardown")
		}
	}()
	s.log.Info().Msg("cleanup complete")
}

// commit publishes the loop's state to readers and observers.
func (s *Session) commit() {
	s.mu.Lock()
	s.state = s.sm.state
	s.reason = s.sm.reason
	s.mu.Unlock()
	s.emit()
}

// emit pushes an observation without ever blocking the loop; when the
// consumer lags, the oldest update is dropped in favor of the newest.
func (s *Session) emit() {
	o := Observation{
		State:       s.sm.state,
		Reason:      s.sm.reason,
		RemoteTrack: s.remote,
		Duration:    s.sm.Duration(time.Now()),
	}
	select {
	case s.obs <- o:
	default:
		select {
		case <-s.obs:
		default:
		}
		select {
		case s.obs <- o:
		default:
		}
	}
}

// setup runs the suspension-heavy part of the handshake off the loop:
// media acquisition, peer-connection construction, description creation
// and the relay send. Milestones come back to the loop as events, so
// candidates arriving meanwhile are still queued correctly.
func (s *Session) setup(ctx context.Context, offer *webrtc.SessionDescription) {
	ch, unsub, err := s.deps.Relay.Subscribe(ctx, s.call.SessionID, s.call.Local)
	if err != nil {
		s.post(event{kind: evFatal, err: err})
		return
	}
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()
	select {
	case <-s.done:
		// Cleanup already ran and missed the subscription.
		unsub()
		return
	default:
	}
	go s.pump(ch)

	handles, err := s.deps.Media.Acquire(ctx, s.call.Mode)
	if err != nil {
		s.post(event{kind: evFatal, err: fmt.Errorf("%w: %s", ErrMediaAcquisition, err)})
		return
	}
	// The user may have hung up while the permission prompt was open.
	select {
	case <-s.done:
		handles.Release()
		return
	default:
	}

	mc, err := s.deps.NewConn(s.call)
	if err != nil {
		handles.Release()
		s.post(event{kind: evFatal, err: err})
		return
	}

	peer := newPeerSession(s.log, mc, handles)
	mc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		s.post(event{kind: evLocalCandidate, cand: ci})
	})
	mc.OnTrack(func(t *webrtc.TrackRemote) {
		s.post(event{kind: evRemoteTrack, track: t})
	})
	mc.OnStateChange(func(st webrtc.PeerConnectionState) {
		s.post(event{kind: evTransportState, conn: st})
	})
	if err := mc.Start(ctx); err != nil {
		peer.Release()
		s.post(event{kind: evFatal, err: err})
		return
	}
	if err := peer.AttachLocalTracks(); err != nil {
		peer.Release()
		s.post(event{kind: evFatal, err: err})
		return
	}
	if !s.post(event{kind: evPeerReady, peer: peer}) {
		peer.Release()
		return
	}

	var desc *webrtc.SessionDescription
	kind := domain.SignalOffer
	if offer == nil {
		desc, err = peer.CreateAndSetOffer()
	} else {
		if err = peer.ApplyRemoteDescription(*offer); err != nil {
			s.post(event{kind: evFatal, err: err})
			return
		}
		s.post(event{kind: evMilestone, ev: EventRemoteDescriptionApplied})
		kind = domain.SignalAnswer
		desc, err = peer.CreateAndSetAnswer()
	}
	if err != nil {
		s.post(event{kind: evFatal, err: err})
		return
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		s.post(event{kind: evFatal, err: err})
		return
	}
	// An offer/answer that cannot be sent means no handshake is possible.
	if err := s.deps.Relay.Send(ctx, domain.NewSignal(s.call, kind, payload)); err != nil {
		s.post(event{kind: evFatal, err: err})
		return
	}
	s.log.Info().Str("kind", string(kind)).Msg("description sent")
	s.post(event{kind: evMilestone, ev: EventLocalDescriptionSent})
}

// pump forwards relay deliveries into the event queue.
func (s *Session) pump(ch <-chan domain.Signal) {
	for sig := range ch {
		s.post(event{kind: evSignal, sig: sig})
	}
}

func (s *Session) sendCandidate(ci webrtc.ICECandidateInit) {
	payload, err := json.Marshal(ci)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal candidate")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.deps.Relay.Send(ctx, domain.NewSignal(s.call, domain.SignalCandidate, payload)); err != nil {
		s.log.Warn().Err(err).Msg("candidate send failed")
	}
}

// sendEnd is fire-and-forget: local cleanup never waits on the remote
// peer acknowledging the end.
func (s *Session) sendEnd() {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.deps.Relay.Send(ctx, domain.NewSignal(s.call, domain.SignalEnd, nil)); err != nil {
		s.log.Warn().Err(err).Msg("end send failed")
	}
}
