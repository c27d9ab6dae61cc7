package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
	// settle is how long we wait to prove something did NOT happen.
	settle = 80 * time.Millisecond
)

func mustCall(t *testing.T, local, remote domain.ParticipantID, mode domain.CallMode, role domain.Role) *domain.Call {
	t.Helper()
	c, err := domain.NewCall("conv-1", local, remote, mode, role)
	require.NoError(t, err)
	return c
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		waitFor, tick, "want state %s, got %s", want, s.State())
}

func takeConn(t *testing.T, sd *side) *fakeConn {
	t.Helper()
	select {
	case fc := <-sd.conns:
		return fc
	case <-time.After(waitFor):
		t.Fatal("peer connection never built")
		return nil
	}
}

// remoteSig builds a signal as the remote participant of c would send it.
func remoteSig(t *testing.T, c *domain.Call, kind domain.SignalKind, v any) domain.Signal {
	t.Helper()
	var payload json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		payload = b
	}
	return domain.Signal{
		SessionID: c.SessionID,
		From:      c.Remote,
		To:        c.Local,
		Kind:      kind,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	}
}

func answerDesc() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
}

// stateRecorder drains Observations so no intermediate state is lost to
// the drop-oldest policy.
type stateRecorder struct {
	mu   sync.Mutex
	seen []State
}

func record(s *Session) *stateRecorder {
	r := &stateRecorder{}
	go func() {
		for o := range s.Observations() {
			r.mu.Lock()
			r.seen = append(r.seen, o.State)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *stateRecorder) saw(st State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.seen {
		if s == st {
			return true
		}
	}
	return false
}

func TestSessionRoundTripToActive(t *testing.T) {
	hub := newFakeHub()
	caller, callee := newSide(), newSide()

	alice, err := Start(context.Background(), mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller), caller.deps(hub))
	require.NoError(t, err)
	aliceConn := takeConn(t, caller)

	require.Eventually(t, func() bool { return len(hub.sentOf(domain.SignalOffer)) == 1 }, waitFor, tick)
	var offer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(hub.sentOf(domain.SignalOffer)[0].Payload, &offer))
	require.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	bob, err := Answer(context.Background(), mustCall(t, "bob", "alice", domain.ModeVoice, domain.RoleCallee), offer, callee.deps(hub))
	require.NoError(t, err)
	bobConn := takeConn(t, callee)

	// The answer travels back through the relay and lands on the caller.
	require.Eventually(t, func() bool { return len(hub.sentOf(domain.SignalAnswer)) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return aliceConn.remoteCount() == 1 }, waitFor, tick)

	// Trickled candidates cross over in both directions.
	aliceConn.fireICE(cand(1))
	bobConn.fireICE(cand(2))
	require.Eventually(t, func() bool {
		got := bobConn.appliedCands()
		return len(got) == 1 && got[0].Candidate == cand(1).Candidate
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		got := aliceConn.appliedCands()
		return len(got) == 1 && got[0].Candidate == cand(2).Candidate
	}, waitFor, tick)

	aliceConn.fireState(webrtc.PeerConnectionStateConnected)
	bobConn.fireState(webrtc.PeerConnectionStateConnected)
	waitState(t, alice, StateActive)
	waitState(t, bob, StateActive)

	// Exactly one description each way, duplicate replays notwithstanding.
	assert.Len(t, hub.sentOf(domain.SignalOffer), 1)
	assert.Len(t, hub.sentOf(domain.SignalAnswer), 1)

	require.NoError(t, alice.HangUp(context.Background()))
	waitState(t, alice, StateClosed)
	waitState(t, bob, StateClosed)

	require.Eventually(t, func() bool {
		return caller.source.handles()[0].released() == 1 && callee.source.handles()[0].released() == 1
	}, waitFor, tick)
	assert.Equal(t, 1, aliceConn.closes())
	assert.Equal(t, 1, bobConn.closes())
}

func TestSessionBuffersCandidatesUntilRemoteDescription(t *testing.T) {
	hub := newFakeHub()
	hub.held = true
	sd := newSide()

	c := mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller)
	s, err := Start(context.Background(), c, sd.deps(hub))
	require.NoError(t, err)
	defer s.HangUp(context.Background())
	conn := takeConn(t, sd)
	require.Eventually(t, func() bool { return len(hub.sentOf(domain.SignalOffer)) == 1 }, waitFor, tick)

	// Candidates race ahead of the answer; nothing may reach the
	// connection yet.
	for i := 0; i < 3; i++ {
		hub.Deliver(remoteSig(t, c, domain.SignalCandidate, cand(i)))
	}
	time.Sleep(settle)
	require.Empty(t, conn.appliedCands())

	hub.Deliver(remoteSig(t, c, domain.SignalAnswer, answerDesc()))
	require.Eventually(t, func() bool { return len(conn.appliedCands()) == 3 }, waitFor, tick)
	for i, got := range conn.appliedCands() {
		assert.Equal(t, cand(i).Candidate, got.Candidate)
	}

	// Once the description is in, later candidates skip the buffer.
	hub.Deliver(remoteSig(t, c, domain.SignalCandidate, cand(3)))
	require.Eventually(t, func() bool { return len(conn.appliedCands()) == 4 }, waitFor, tick)
}

func TestSessionHangUp(t *testing.T) {
	t.Run("during media acquisition", func(t *testing.T) {
		hub := newFakeHub()
		sd := newSide()
		sd.source.block = make(chan struct{})

		s, err := Start(context.Background(), mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller), sd.deps(hub))
		require.NoError(t, err)
		require.Equal(t, StateNegotiating, s.State())

		require.NoError(t, s.HangUp(context.Background()))
		waitState(t, s, StateClosed)

		// The permission prompt resolves after the user already hung up;
		// the late handles still get released and no offer goes out.
		close(sd.source.block)
		require.Eventually(t, func() bool {
			h := sd.source.handles()
			return len(h) == 1 && h[0].released() == 1
		}, waitFor, tick)
		assert.Empty(t, hub.sentOf(domain.SignalOffer))
	})

	t.Run("after offer sent", func(t *testing.T) {
		hub := newFakeHub()
		hub.held = true
		sd := newSide()

		s, err := Start(context.Background(), mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller), sd.deps(hub))
		require.NoError(t, err)
		conn := takeConn(t, sd)
		waitState(t, s, StateConnecting)

		require.NoError(t, s.HangUp(context.Background()))
		waitState(t, s, StateClosed)

		require.Eventually(t, func() bool { return len(hub.sentOf(domain.SignalEnd)) == 1 }, waitFor, tick)
		assert.Equal(t, 1, sd.source.handles()[0].released())
		assert.Equal(t, 1, conn.closes())
	})

	t.Run("while active", func(t *testing.T) {
		hub := newFakeHub()
		hub.held = true
		sd := newSide()

		c := mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller)
		s, err := Start(context.Background(), c, sd.deps(hub))
		require.NoError(t, err)
		conn := takeConn(t, sd)
		waitState(t, s, StateConnecting)
		hub.Deliver(remoteSig(t, c, domain.SignalAnswer, answerDesc()))
		conn.fireState(webrtc.PeerConnectionStateConnected)
		waitState(t, s, StateActive)

		require.NoError(t, s.HangUp(context.Background()))
		waitState(t, s, StateClosed)
		assert.Equal(t, 1, sd.source.handles()[0].released())
	})
}

func TestSessionCleanupIdempotent(t *testing.T) {
	hub := newFakeHub()
	hub.held = true
	sd := newSide()

	s, err := Start(context.Background(), mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller), sd.deps(hub))
	require.NoError(t, err)
	conn := takeConn(t, sd)
	waitState(t, s, StateConnecting)

	require.NoError(t, s.HangUp(context.Background()))
	waitState(t, s, StateClosed)
	require.NoError(t, s.HangUp(context.Background()))

	assert.Equal(t, 1, sd.source.handles()[0].released())
	assert.Equal(t, 1, conn.closes())
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return hub.teardowns == 1
	}, waitFor, tick)
}

func TestSessionRemoteEndBeforeSetupFinished(t *testing.T) {
	hub := newFakeHub()
	hub.held = true
	sd := newSide()
	sd.source.block = make(chan struct{})

	c := mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller)
	s, err := Start(context.Background(), c, sd.deps(hub))
	require.NoError(t, err)
	rec := record(s)

	// The subscription exists before media acquisition starts, so the
	// remote end lands even this early.
	require.Eventually(t, func() bool { return hub.subscribed(c.SessionID, c.Local) }, waitFor, tick)
	hub.Deliver(remoteSig(t, c, domain.SignalEnd, nil))
	waitState(t, s, StateClosed)

	close(sd.source.block)
	require.Eventually(t, func() bool {
		h := sd.source.handles()
		return len(h) == 1 && h[0].released() == 1
	}, waitFor, tick)
	assert.Empty(t, hub.sentOf(domain.SignalOffer))
	// Remote ended; we do not echo an end back.
	assert.Empty(t, hub.sentOf(domain.SignalEnd))
	assert.False(t, rec.saw(StateActive))
	assert.True(t, rec.saw(StateEnding))
}

func TestSessionMediaFailure(t *testing.T) {
	hub := newFakeHub()
	sd := newSide()
	sd.source.err = context.DeadlineExceeded

	s, err := Start(context.Background(), mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller), sd.deps(hub))
	require.NoError(t, err)
	rec := record(s)

	waitState(t, s, StateClosed)
	require.ErrorIs(t, s.Reason(), ErrMediaAcquisition)
	assert.True(t, rec.saw(StateFailed))
	assert.Empty(t, hub.sentOf(domain.SignalOffer))
}

func TestSessionDuplicateAnswerIgnored(t *testing.T) {
	hub := newFakeHub()
	hub.held = true
	sd := newSide()

	c := mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller)
	s, err := Start(context.Background(), c, sd.deps(hub))
	require.NoError(t, err)
	defer s.HangUp(context.Background())
	conn := takeConn(t, sd)
	waitState(t, s, StateConnecting)

	hub.Deliver(remoteSig(t, c, domain.SignalAnswer, answerDesc()))
	hub.Deliver(remoteSig(t, c, domain.SignalAnswer, answerDesc()))
	require.Eventually(t, func() bool { return conn.remoteCount() == 1 }, waitFor, tick)
	time.Sleep(settle)
	require.Equal(t, 1, conn.remoteCount())

	// The replay did not wedge anything.
	conn.fireState(webrtc.PeerConnectionStateConnected)
	waitState(t, s, StateActive)
}

func TestSessionOfferSendFailureIsFatal(t *testing.T) {
	hub := newFakeHub()
	hub.failKinds[domain.SignalOffer] = true
	sd := newSide()

	s, err := Start(context.Background(), mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller), sd.deps(hub))
	require.NoError(t, err)

	waitState(t, s, StateClosed)
	require.ErrorIs(t, s.Reason(), core.ErrRelayUnavailable)
	require.Eventually(t, func() bool {
		h := sd.source.handles()
		return len(h) == 1 && h[0].released() == 1
	}, waitFor, tick)
}

func TestSessionCandidateSendFailureIsNotFatal(t *testing.T) {
	hub := newFakeHub()
	hub.held = true
	hub.failKinds[domain.SignalCandidate] = true
	sd := newSide()

	c := mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller)
	s, err := Start(context.Background(), c, sd.deps(hub))
	require.NoError(t, err)
	defer s.HangUp(context.Background())
	conn := takeConn(t, sd)
	waitState(t, s, StateConnecting)

	conn.fireICE(cand(1))
	time.Sleep(settle)
	require.Equal(t, StateConnecting, s.State())

	hub.Deliver(remoteSig(t, c, domain.SignalAnswer, answerDesc()))
	conn.fireState(webrtc.PeerConnectionStateConnected)
	waitState(t, s, StateActive)
}

func TestSessionTransportFailure(t *testing.T) {
	hub := newFakeHub()
	hub.held = true
	sd := newSide()

	s, err := Start(context.Background(), mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller), sd.deps(hub))
	require.NoError(t, err)
	conn := takeConn(t, sd)
	waitState(t, s, StateConnecting)

	conn.fireState(webrtc.PeerConnectionStateFailed)
	waitState(t, s, StateClosed)
	require.ErrorIs(t, s.Reason(), ErrTransport)
	assert.Equal(t, 1, sd.source.handles()[0].released())
}

func TestSessionToggles(t *testing.T) {
	hub := newFakeHub()
	hub.held = true
	sd := newSide()

	s, err := Start(context.Background(), mustCall(t, "alice", "bob", domain.ModeVideo, domain.RoleCaller), sd.deps(hub))
	require.NoError(t, err)
	defer s.HangUp(context.Background())
	takeConn(t, sd)
	waitState(t, s, StateConnecting)

	assert.True(t, s.ToggleMute())
	assert.False(t, s.ToggleMute())
	assert.True(t, s.ToggleVideo())
	assert.False(t, s.ToggleVideo())
}

func TestSessionToggleBeforePeerReady(t *testing.T) {
	hub := newFakeHub()
	sd := newSide()
	sd.source.block = make(chan struct{})
	defer close(sd.source.block)

	s, err := Start(context.Background(), mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller), sd.deps(hub))
	require.NoError(t, err)
	defer s.HangUp(context.Background())

	// No peer connection yet; toggling is a harmless no-op.
	assert.False(t, s.ToggleMute())
	assert.False(t, s.ToggleVideo())
}

func TestSessionRemoteTrackObserved(t *testing.T) {
	hub := newFakeHub()
	hub.held = true
	sd := newSide()

	c := mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller)
	s, err := Start(context.Background(), c, sd.deps(hub))
	require.NoError(t, err)
	defer s.HangUp(context.Background())
	conn := takeConn(t, sd)
	waitState(t, s, StateConnecting)

	conn.fireTrack(&webrtc.TrackRemote{})

	deadline := time.After(waitFor)
	for {
		select {
		case o, ok := <-s.Observations():
			require.True(t, ok, "observations closed before the remote track showed up")
			if o.RemoteTrack != nil {
				return
			}
		case <-deadline:
			t.Fatal("remote track never observed")
		}
	}
}

func TestSessionContextCancelActsAsHangup(t *testing.T) {
	hub := newFakeHub()
	hub.held = true
	sd := newSide()

	ctx, cancel := context.WithCancel(context.Background())
	s, err := Start(ctx, mustCall(t, "alice", "bob", domain.ModeVoice, domain.RoleCaller), sd.deps(hub))
	require.NoError(t, err)
	waitState(t, s, StateConnecting)

	cancel()
	waitState(t, s, StateClosed)
	require.Eventually(t, func() bool { return sd.source.handles()[0].released() == 1 }, waitFor, tick)
}
