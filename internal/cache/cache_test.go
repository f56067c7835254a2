package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/internal/ledger"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "starting miniredis")

	c, err := New(mr.Addr(), "", 0, time.Minute)
	if err != nil {
		mr.Close()
		t.Fatalf("creating cache: %v", err)
	}

	t.Cleanup(func() {
		c.Close()
		mr.Close()
	})
	return c, mr
}

func TestBalanceRoundTrip(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	if _, ok := c.GetBalance(ctx, "u1"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.SetBalance(ctx, "u1", ledger.Balance{Available: 97, Reserved: 3, Used: 40})

	b, ok := c.GetBalance(ctx, "u1")
	require.True(t, ok, "expected hit after set")
	assert.Equal(t, int64(97), b.Available)
	assert.Equal(t, int64(3), b.Reserved)
	assert.Equal(t, int64(40), b.Used)
}

func TestLookupObserver(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err, "starting miniredis")
	defer mr.Close()

	var hits, misses int
	c, err := New(mr.Addr(), "", 0, time.Minute, func(hit bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.GetBalance(ctx, "u1")
	c.SetBalance(ctx, "u1", ledger.Balance{Available: 10})
	c.GetBalance(ctx, "u1")

	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
}

func TestInvalidate(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	c.SetBalance(ctx, "u1", ledger.Balance{Available: 50})
	c.Invalidate(ctx, "u1")

	_, ok := c.GetBalance(ctx, "u1")
	assert.False(t, ok, "invalidated entry must miss")
}

func TestSnapshotExpires(t *testing.T) {
	c, mr := setupTestCache(t)
	ctx := context.Background()

	c.SetBalance(ctx, "u1", ledger.Balance{Available: 50})
	mr.FastForward(2 * time.Minute)

	_, ok := c.GetBalance(ctx, "u1")
	assert.False(t, ok, "entry should expire after its TTL")
}

func TestCorruptEntryIsDroppedAsMiss(t *testing.T) {
	c, mr := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("tally:balance:u1", "not json"))

	_, ok := c.GetBalance(ctx, "u1")
	assert.False(t, ok, "corrupt entry must read as a miss")
	// The bad entry is evicted rather than left to fail every read.
	assert.False(t, mr.Exists("tally:balance:u1"))
}

func TestRedisDownDegradesToMiss(t *testing.T) {
	c, mr := setupTestCache(t)
	ctx := context.Background()

	c.SetBalance(ctx, "u1", ledger.Balance{Available: 50})
	mr.Close()

	_, ok := c.GetBalance(ctx, "u1")
	assert.False(t, ok, "unreachable redis must degrade to a miss")
	// Writes and invalidations must not panic either.
	c.SetBalance(ctx, "u1", ledger.Balance{Available: 1})
	c.Invalidate(ctx, "u1")
}
