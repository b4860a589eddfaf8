// Package redisbuf is the Redis-backed short-term history buffer.
package redisbuf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nous-labs/attune/pkg/memory"
)

const keyPrefix = "attune:history:"

// Buffer stores each session's turns as a JSON list, trimmed to MaxItems
// and expiring after the TTL passed on append.
type Buffer struct {
	rdb      *redis.Client
	maxItems int
}

// New connects to Redis at addr. A failed ping is returned so callers can
// fall back to the in-process buffer.
func New(ctx context.Context, addr, password string, db, maxItems int) (*Buffer, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	if maxItems <= 0 {
		maxItems = 40
	}
	slog.Info("redis history buffer connected", "addr", addr, "max_items", maxItems)
	return &Buffer{rdb: rdb, maxItems: maxItems}, nil
}

// Client exposes the underlying connection for components that share it.
func (b *Buffer) Client() *redis.Client { return b.rdb }

// Close closes the Redis connection.
func (b *Buffer) Close() error { return b.rdb.Close() }

func historyKey(sessionID string) string { return keyPrefix + sessionID }

// GetHistory returns up to limit of the most recent turns, oldest first.
func (b *Buffer) GetHistory(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := b.rdb.LRange(ctx, historyKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", sessionID, err)
	}
	return decodeTurns(raw), nil
}

// AppendHistory pushes turns, trims the list and refreshes its expiry in
// one MULTI/EXEC.
func (b *Buffer) AppendHistory(ctx context.Context, sessionID string, turns []memory.Turn, ttl time.Duration) error {
	if len(turns) == 0 {
		return nil
	}
	values, err := encodeTurns(turns)
	if err != nil {
		return err
	}
	key := historyKey(sessionID)
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, -int64(b.maxItems), -1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history %s: %w", sessionID, err)
	}
	return nil
}

func encodeTurns(turns []memory.Turn) ([]any, error) {
	out := make([]any, 0, len(turns))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode turn: %w", err)
		}
		out = append(out, string(data))
	}
	return out, nil
}

// decodeTurns skips entries that fail to decode.
func decodeTurns(raw []string) []memory.Turn {
	turns := make([]memory.Turn, 0, len(raw))
	for _, r := range raw {
		var t memory.Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			slog.Debug("skipping undecodable history entry", "error", err)
			continue
		}
		turns = append(turns, t)
	}
	return turns
}
