// Package orch composes the call engine's entry points: start a call,
// answer a call, hang up, toggle local tracks. Failures after launch are
// observable only via session state; nothing here panics past the boundary.
package orch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/call"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

type Orchestrator struct {
	Registry *app.Registry
	Relay    core.Relay
	Media    core.MediaSource
	NewConn  func(c *domain.Call) (core.MediaConnection, error)
	// QueueSize bounds each session's event queue; 0 uses the engine default.
	QueueSize int
}

func (o *Orchestrator) deps() call.Deps {
	return call.Deps{
		Relay:     o.Relay,
		Media:     o.Media,
		NewConn:   o.NewConn,
		QueueSize: o.QueueSize,
	}
}

// StartCall begins the caller side of a call on a conversation. At most
// one live call per conversation; a second start returns ErrCallInProgress.
func (o *Orchestrator) StartCall(ctx context.Context, sid domain.SessionID, local, remote domain.ParticipantID, mode domain.CallMode) (*call.Session, error) {
	c, err := domain.NewCall(sid, local, remote, mode, domain.RoleCaller)
	if err != nil {
		return nil, err
	}
	return o.Registry.Bind(sid, func() (*call.Session, error) {
		return call.Start(ctx, c, o.deps())
	})
}

// AnswerCall begins the callee side with the offer the application
// delivered out-of-band.
func (o *Orchestrator) AnswerCall(ctx context.Context, sid domain.SessionID, local, remote domain.ParticipantID, mode domain.CallMode, offer domain.Signal) (*call.Session, error) {
	if offer.Kind != domain.SignalOffer {
		return nil, fmt.Errorf("answer requires an offer signal, got %q", offer.Kind)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer.Payload, &desc); err != nil {
		return nil, fmt.Errorf("bad offer payload: %w", err)
	}
	c, err := domain.NewCall(sid, local, remote, mode, domain.RoleCallee)
	if err != nil {
		return nil, err
	}
	return o.Registry.Bind(sid, func() (*call.Session, error) {
		return call.Answer(ctx, c, desc, o.deps())
	})
}

// HangUp ends the live call on a conversation. A conversation without a
// live call is a no-op, matching the idempotent cleanup contract.
func (o *Orchestrator) HangUp(ctx context.Context, sid domain.SessionID) error {
	s, ok := o.Registry.Get(sid)
	if !ok {
		return nil
	}
	return s.HangUp(ctx)
}

// ToggleMute flips the outbound audio track of the live call.
func (o *Orchestrator) ToggleMute(sid domain.SessionID) (bool, error) {
	s, ok := o.Registry.Get(sid)
	if !ok {
		return false, app.ErrNoSession
	}
	return s.ToggleMute(), nil
}

// ToggleVideo flips the outbound video track of the live call.
func (o *Orchestrator) ToggleVideo(sid domain.SessionID) (bool, error) {
	s, ok := o.Registry.Get(sid)
	if !ok {
		return false, app.ErrNoSession
	}
	return s.ToggleVideo(), nil
}

// Shutdown hangs up every live session; used on daemon exit.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, s := range o.Registry.Active() {
		_ = s.HangUp(ctx)
	}
}
