// Package relay implements the signaling relay client on Redis: each
// message is persisted to a per-recipient backlog list and announced on a
// pub/sub channel of the same name. A subscriber replays the backlog and
// then follows the live channel, which yields at-least-once, unordered
// delivery; the engine is built to tolerate the resulting duplicates.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// Persisted signals expire on their own in case Teardown never ran.
const backlogTTL = 24 * time.Hour

type Redis struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRelayUnavailable, err)
	}
	return &Redis{rdb: rdb}, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.rdb.Close() }

func key(sid domain.SessionID, to domain.ParticipantID) string {
	return fmt.Sprintf("call:signal:%s:%s", sid, to)
}

// Send persists the message for its recipient and announces it. The
// remote subscriber sees it soon; no bound is guaranteed.
func (r *Redis) Send(ctx context.Context, msg domain.Signal) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	k := key(msg.SessionID, msg.To)
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, k, data)
	pipe.Expire(ctx, k, backlogTTL)
	pipe.Publish(ctx, k, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %s", core.ErrRelayUnavailable, err)
	}
	return nil
}

// Subscribe follows the messages addressed to self for one session:
// pub/sub first, then backlog replay, then the live stream. A message
// landing during the switchover is delivered twice rather than never.
func (r *Redis) Subscribe(ctx context.Context, sid domain.SessionID, self domain.ParticipantID) (<-chan domain.Signal, func(), error) {
	k := key(sid, self)
	ps := r.rdb.Subscribe(ctx, k)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("%w: %s", core.ErrRelayUnavailable, err)
	}

	out := make(chan domain.Signal, 32)
	go func() {
		defer close(out)

		backlog, err := r.rdb.LRange(ctx, k, 0, -1).Result()
		if err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("sid", string(sid)).Msg("backlog replay failed")
		}
		for _, raw := range backlog {
			r.deliver(ctx, out, sid, self, []byte(raw))
		}
		for msg := range ps.Channel() {
			r.deliver(ctx, out, sid, self, []byte(msg.Payload))
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				log.Debug().Err(err).Str("module", "relay").Str("sid", string(sid)).Msg("pubsub close")
			}
		})
	}
	return out, cancel, nil
}

func (r *Redis) deliver(ctx context.Context, out chan<- domain.Signal, sid domain.SessionID, self domain.ParticipantID, raw []byte) {
	var msg domain.Signal
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Error().Err(err).Str("module", "relay").Str("sid", string(sid)).Msg("bad signal payload")
		return
	}
	// The key is already recipient-scoped; the From check keeps a
	// participant from ever observing its own outbound messages even if a
	// client misaddresses one.
	if msg.From == self || msg.SessionID != sid {
		return
	}
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

// Teardown deletes every persisted message for the session, both
// directions. Space reclamation only; delivery already happened or will
// never happen.
func (r *Redis) Teardown(ctx context.Context, sid domain.SessionID) error {
	pattern := fmt.Sprintf("call:signal:%s:*", sid)
	iter := r.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := r.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("%w: %s", core.ErrRelayUnavailable, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: %s", core.ErrRelayUnavailable, err)
	}
	return nil
}

var _ core.Relay = (*Redis)(nil)
