package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter persists a batch of events.
type BatchInserter interface {
	BatchInsert(ctx context.Context, events []Event) error
}

// Recorder buffers events in memory and flushes them to the store in
// batches, either when the buffer reaches batchSize or on a timer.
// Record never blocks on the database; a flush failure re-buffers the
// batch and retries on the next tick.
type Recorder struct {
	store         BatchInserter
	flushInterval time.Duration
	batchSize     int
	onFlush       []func(count int, err error)

	mu  sync.Mutex
	buf []Event

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRecorder creates a recorder with the given flush interval and batch
// size. onFlush callbacks are invoked after every flush attempt with the
// batch size and the insert error, if any.
func NewRecorder(store BatchInserter, flushInterval time.Duration, batchSize int, onFlush ...func(count int, err error)) *Recorder {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Recorder{
		store:         store,
		flushInterval: flushInterval,
		batchSize:     batchSize,
		onFlush:       onFlush,
		buf:           make([]Event, 0, batchSize),
		done:          make(chan struct{}),
	}
}

// Record buffers a single event. If the buffer has reached the batch size
// a flush is triggered in the background.
func (r *Recorder) Record(event Event) {
	r.mu.Lock()
	r.buf = append(r.buf, event)
	full := len(r.buf) >= r.batchSize
	r.mu.Unlock()

	if full {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.flush(context.Background())
		}()
	}
}

// Start runs the periodic flush loop until ctx is cancelled or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush(context.Background())
			return
		case <-r.done:
			r.flush(context.Background())
			return
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

// Stop signals the flush loop to drain and exit.
func (r *Recorder) Stop() {
	close(r.done)
	r.wg.Wait()
}

// Flush forces a synchronous flush of the current buffer.
func (r *Recorder) Flush(ctx context.Context) {
	r.flush(ctx)
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buf
	r.buf = make([]Event, 0, r.batchSize)
	r.mu.Unlock()

	flushCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	err := r.store.BatchInsert(flushCtx, batch)
	for _, fn := range r.onFlush {
		fn(len(batch), err)
	}
	if err != nil {
		slog.Error("usage flush failed, re-buffering batch", "count", len(batch), "error", err)
		r.mu.Lock()
		r.buf = append(batch, r.buf...)
		r.mu.Unlock()
	}
}
