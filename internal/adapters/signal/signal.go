// Package signal is the UI-boundary adapter: one websocket per browser
// tab, engine observations out, orchestrator actions in. It renders
// nothing and holds no call state of its own.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/app/orch"
	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type CallWSController struct {
	Orch    *orch.Orchestrator
	Limiter *CallRateLimiter

	pingPeriod time.Duration
}

func NewCallWSController(o *orch.Orchestrator, cfg *config.Config) *CallWSController {
	perMinute := cfg.CallsPerMinute
	if perMinute <= 0 {
		perMinute = 5
	}
	pingPeriod := cfg.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &CallWSController{
		Orch:       o,
		Limiter:    NewCallRateLimiter(perMinute, time.Minute),
		pingPeriod: pingPeriod,
	}
}

type wsCallConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsCallConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsCallConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleCall upgrades the connection and serves it until the client goes
// away. Navigating away cancels watchCtx, which tears down every call
// started over this socket.
func (ctl *CallWSController) HandleCall(ctx context.Context, c *gin.Context) {
	self := domain.ParticipantID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("participant", string(self)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &wsCallConn{
		conn: ws,
		send: make(chan []byte, 32),
	}

	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, self, conn)
	}()
}
