package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/call"
	"github.com/dkeye/Call/internal/domain"
)

type startPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	To        string `json:"to"`
	Mode      string `json:"mode"`
}

type answerPayload struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	To        string          `json:"to"`
	Mode      string          `json:"mode"`
	Offer     json.RawMessage `json:"offer"`
}

type sessionPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func (ctl *CallWSController) handleStart(ctx context.Context, self domain.ParticipantID, c *wsCallConn, data []byte) {
	var p startPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad start payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if !ctl.Limiter.Allow(self) {
		ctl.sendError(c, "too_many_calls")
		return
	}

	s, err := ctl.Orch.StartCall(ctx, domain.SessionID(p.SessionID), self, domain.ParticipantID(p.To), domain.CallMode(p.Mode))
	if err != nil {
		ctl.replyStartErr(c, err)
		return
	}
	go ctl.watch(c, s)
}

func (ctl *CallWSController) handleAnswer(ctx context.Context, self domain.ParticipantID, c *wsCallConn, data []byte) {
	var p answerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad answer payload")
		ctl.sendError(c, "bad_payload")
		return
	}

	// The offer reached this client out-of-band (the marketplace's own
	// notification path); wrap it back into a signal for the engine.
	offer := domain.Signal{
		SessionID: domain.SessionID(p.SessionID),
		From:      domain.ParticipantID(p.To),
		To:        self,
		Kind:      domain.SignalOffer,
		Payload:   p.Offer,
	}
	s, err := ctl.Orch.AnswerCall(ctx, domain.SessionID(p.SessionID), self, domain.ParticipantID(p.To), domain.CallMode(p.Mode), offer)
	if err != nil {
		ctl.replyStartErr(c, err)
		return
	}
	go ctl.watch(c, s)
}

func (ctl *CallWSController) replyStartErr(c *wsCallConn, err error) {
	switch {
	case errors.Is(err, app.ErrCallInProgress):
		ctl.sendError(c, "call_in_progress")
	case errors.Is(err, domain.ErrBadMode):
		ctl.sendError(c, "bad_mode")
	default:
		ctl.sendError(c, "call_failed")
	}
}

func (ctl *CallWSController) handleHangup(ctx context.Context, c *wsCallConn, data []byte) {
	var p sessionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad_payload")
		return
	}
	if err := ctl.Orch.HangUp(ctx, domain.SessionID(p.SessionID)); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("hangup")
	}
}

func (ctl *CallWSController) handleMute(c *wsCallConn, data []byte) {
	var p sessionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad_payload")
		return
	}
	muted, err := ctl.Orch.ToggleMute(domain.SessionID(p.SessionID))
	if err != nil {
		ctl.sendError(c, "no_call")
		return
	}
	ctl.sendJSON(c, map[string]any{"type": "muted", "session_id": p.SessionID, "muted": muted})
}

func (ctl *CallWSController) handleVideo(c *wsCallConn, data []byte) {
	var p sessionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad_payload")
		return
	}
	disabled, err := ctl.Orch.ToggleVideo(domain.SessionID(p.SessionID))
	if err != nil {
		ctl.sendError(c, "no_call")
		return
	}
	ctl.sendJSON(c, map[string]any{"type": "video", "session_id": p.SessionID, "disabled": disabled})
}

// watch forwards engine observations to the client until the session
// closes. Backpressure drops intermediate updates, never the call itself.
func (ctl *CallWSController) watch(c *wsCallConn, s *call.Session) {
	sid := string(s.Call().SessionID)
	for o := range s.Observations() {
		msg := map[string]any{
			"type":             "call_state",
			"session_id":       sid,
			"state":            o.State.String(),
			"duration_seconds": int(o.Duration / time.Second),
			"remote_media":     o.RemoteTrack != nil,
		}
		if o.Reason != nil {
			msg["reason"] = o.Reason.Error()
		}
		ctl.sendJSON(c, msg)
	}
	log.Info().Str("module", "signal").Str("sid", sid).Msg("observation stream ended")
}
