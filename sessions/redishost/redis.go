// Package redishost backs sessions with Redis streams so that multiple
// gateway instances can serve the same session population. Streams carry
// the per-session ordered messages; rendezvous uses a marker key plus a
// reply list.
package redishost

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/payrelay/payrelay-go/sessions"
)

// Config for the Redis-backed SessionHost.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=payrelay:sessions:"`
}

// Host implements sessions.SessionHost over Redis.
type Host struct {
	client    *redis.Client
	keyPrefix string
}

var _ sessions.SessionHost = (*Host)(nil)

// New connects and pings the Redis instance described by cfg.
func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "payrelay:sessions:"
	}
	return &Host{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) awaitKey(sessionID, corr string) string {
	return h.keyPrefix + "await:" + sessionID + ":" + corr
}
func (h *Host) replyKey(sessionID, corr string) string {
	return h.keyPrefix + "reply:" + sessionID + ":" + corr
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	return h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(sessionID),
		Values: map[string]interface{}{"d": data},
	}).Result()
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunc) error {
	key := h.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		start = "$" // only new messages
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, start},
			Count:   16,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return err
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			start = m.ID
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			if err := handler(ctx, m.ID, payload); err != nil {
				return err
			}
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	// Best-effort: the stream plus any dangling rendezvous keys.
	c := context.WithoutCancel(ctx)
	_, _ = h.client.Del(c, h.streamKey(sessionID)).Result()
	_ = h.deleteByPattern(c, h.keyPrefix+"await:"+sessionID+":*")
	_ = h.deleteByPattern(c, h.keyPrefix+"reply:"+sessionID+":*")
	return nil
}

func (h *Host) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, cur, err := h.client.Scan(ctx, cursor, pattern, 50).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			_, _ = h.client.Del(ctx, keys...).Result()
		}
		if cur == 0 {
			return nil
		}
		cursor = cur
	}
}

// --- Rendezvous ---

type redisAwaiter struct {
	h           *Host
	sessionID   string
	correlation string
}

func (a *redisAwaiter) Recv(ctx context.Context) ([]byte, error) {
	list := a.h.replyKey(a.sessionID, a.correlation)
	marker := a.h.awaitKey(a.sessionID, a.correlation)
	for {
		res, err := a.h.client.BLPop(ctx, 5*time.Second, list).Result()
		if err != nil {
			if err == redis.Nil {
				// Timed out waiting; if the marker is gone the await was
				// canceled or expired.
				n, exErr := a.h.client.Exists(ctx, marker).Result()
				if exErr == nil && n == 0 {
					return nil, sessions.ErrAwaitCanceled
				}
				continue
			}
			if ctx.Err() != nil {
				_ = a.Cancel(context.Background())
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(res) == 2 {
			return []byte(res[1]), nil
		}
	}
}

func (a *redisAwaiter) Cancel(ctx context.Context) error {
	_, err := a.h.client.Del(ctx,
		a.h.awaitKey(a.sessionID, a.correlation),
		a.h.replyKey(a.sessionID, a.correlation),
	).Result()
	return err
}

func (h *Host) BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (sessions.Awaiter, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := h.client.SetNX(ctx, h.awaitKey(sessionID, correlationID), "1", ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sessions.ErrAwaitExists
	}
	return &redisAwaiter{h: h, sessionID: sessionID, correlation: correlationID}, nil
}

func (h *Host) Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (bool, error) {
	// Deleting the marker claims the await; whoever deletes it delivers.
	// A missing marker means nobody is waiting and the result is dropped.
	n, err := h.client.Del(ctx, h.awaitKey(sessionID, correlationID)).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	list := h.replyKey(sessionID, correlationID)
	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, list, data)
	pipe.Expire(ctx, list, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}
