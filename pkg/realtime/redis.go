package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisRelay publishes to "<prefix>.<token>" channels and consumes them with
// a pattern subscription.
type RedisRelay struct {
	rdb    *redis.Client
	prefix string
	owned  bool
}

// NewRedisRelay connects to Redis.
func NewRedisRelay(ctx context.Context, url, prefix string) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisRelay{rdb: rdb, prefix: prefixOr(prefix), owned: true}, nil
}

// NewRedisRelayFromClient shares an existing connection. Close leaves it open.
func NewRedisRelayFromClient(rdb *redis.Client, prefix string) *RedisRelay {
	return &RedisRelay{rdb: rdb, prefix: prefixOr(prefix)}
}

func prefixOr(p string) string {
	p = strings.TrimSuffix(strings.TrimSpace(p), ".")
	if p == "" {
		return "attune.events"
	}
	return p
}

func (r *RedisRelay) Name() string { return "redis" }

func (r *RedisRelay) Publish(ctx context.Context, e Event) error {
	return r.rdb.Publish(ctx, r.prefix+"."+SubjectToken(e.UserID), e.Marshal()).Err()
}

func (r *RedisRelay) Run(ctx context.Context, deliver func(Event)) error {
	ps := r.rdb.PSubscribe(ctx, r.prefix+".*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s.*: %w", r.prefix, err)
	}
	slog.Info("realtime relay subscribed", "relay", "redis", "pattern", r.prefix+".*")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				slog.Warn("realtime relay dropped malformed event", "relay", "redis", "channel", msg.Channel, "error", err)
				continue
			}
			deliver(e)
		}
	}
}

func (r *RedisRelay) Close() error {
	if !r.owned {
		return nil
	}
	return r.rdb.Close()
}
