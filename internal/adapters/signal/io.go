package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/domain"
)

func (ctl *CallWSController) writePump(ctx context.Context, c *wsCallConn) {
	ticker := time.NewTicker(ctl.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *CallWSController) readPump(ctx context.Context, self domain.ParticipantID, c *wsCallConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("participant", string(self)).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("participant", string(self)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("participant", string(self)).Msg("readPump read error")
				return
			}
			ctl.handleAction(ctx, self, c, data)
		}
	}
}

func (ctl *CallWSController) handleAction(ctx context.Context, self domain.ParticipantID, c *wsCallConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "ping":
		ctl.handlePing(c)
	case "start":
		ctl.handleStart(ctx, self, c, data)
	case "answer":
		ctl.handleAnswer(ctx, self, c, data)
	case "hangup":
		ctl.handleHangup(ctx, c, data)
	case "mute":
		ctl.handleMute(c, data)
	case "video":
		ctl.handleVideo(c, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown action")
	}
}

func (ctl *CallWSController) handlePing(c *wsCallConn) {
	ctl.sendJSON(c, map[string]string{"type": "pong"})
}

func (ctl *CallWSController) sendJSON(c *wsCallConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *CallWSController) sendError(c *wsCallConn, msg string) {
	ctl.sendJSON(c, map[string]string{"type": "error", "error": msg})
}
