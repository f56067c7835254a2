package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tallyhq/tally/internal/ledger"
)

// Cache keeps advisory balance snapshots in Redis. It only ever serves the
// pre-flight CheckCredits path and the balance display endpoint; the postgres
// ledger is the authoritative record, so every error here degrades silently
// to a store read.
type Cache struct {
	client   *redis.Client
	ttl      time.Duration
	onLookup []func(hit bool)
}

// New connects to Redis and verifies the connection. Snapshots expire after
// ttl even without invalidation, bounding how stale an advisory read can be.
// onLookup callbacks observe the hit/miss outcome of every GetBalance.
func New(addr, password string, db int, ttl time.Duration, onLookup ...func(hit bool)) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Cache{client: client, ttl: ttl, onLookup: onLookup}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

func balanceKey(userID string) string {
	return "tally:balance:" + userID
}

// GetBalance returns the cached snapshot when present.
func (c *Cache) GetBalance(ctx context.Context, userID string) (*ledger.Balance, bool) {
	data, err := c.client.Get(ctx, balanceKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("balance cache read failed", "user_id", userID, "error", err)
		}
		c.lookedUp(false)
		return nil, false
	}

	var b ledger.Balance
	if err := json.Unmarshal(data, &b); err != nil {
		slog.Warn("corrupt balance cache entry", "user_id", userID, "error", err)
		_ = c.client.Del(ctx, balanceKey(userID)).Err()
		c.lookedUp(false)
		return nil, false
	}
	c.lookedUp(true)
	return &b, true
}

func (c *Cache) lookedUp(hit bool) {
	for _, fn := range c.onLookup {
		fn(hit)
	}
}

// SetBalance stores a fresh snapshot.
func (c *Cache) SetBalance(ctx context.Context, userID string, b ledger.Balance) {
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, balanceKey(userID), data, c.ttl).Err(); err != nil {
		slog.Warn("balance cache write failed", "user_id", userID, "error", err)
	}
}

// Invalidate drops the snapshot, forcing the next read back to the store.
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, balanceKey(userID)).Err(); err != nil {
		slog.Warn("balance cache invalidation failed", "user_id", userID, "error", err)
	}
}

// Ping reports whether Redis is reachable, for health checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
