package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes expired counters so the table does not grow
// without bound. Missing a sweep only costs storage, never correctness: an
// expired counter is reset lazily on its next check.
type Sweeper struct {
	limiter  *Limiter
	interval time.Duration
	onSwept  []func(removed int64)
	done     chan struct{}
}

// NewSweeper creates a Sweeper that runs every interval. onSwept callbacks
// receive the number of counters removed by each successful sweep.
func NewSweeper(limiter *Limiter, interval time.Duration, onSwept ...func(removed int64)) *Sweeper {
	return &Sweeper{
		limiter:  limiter,
		interval: interval,
		onSwept:  onSwept,
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop. It blocks until Stop is called or the context is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	removed, err := s.limiter.SweepExpired(sweepCtx)
	if err != nil {
		slog.Error("failed to sweep expired rate limit counters", "error", err)
		return
	}
	for _, fn := range s.onSwept {
		fn(removed)
	}
	if removed > 0 {
		slog.Debug("swept expired rate limit counters", "removed", removed)
	}
}

// Stop signals the sweep loop to exit.
func (s *Sweeper) Stop() {
	close(s.done)
}
