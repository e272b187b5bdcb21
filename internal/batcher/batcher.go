package batcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/replay/internal/models"
	"github.com/wolfeidau/replay/internal/store"
	"github.com/wolfeidau/replay/internal/telemetry"
)

const (
	// flushTimeout bounds a single store transaction.
	flushTimeout = 10 * time.Second

	// unhealthyAfter is the number of consecutive failed flushes before
	// Healthy reports false and /health shows the store as degraded.
	unhealthyAfter = 3

	// shutdownAttempts is the retry budget for the final drain.
	shutdownAttempts = 3
)

// Batcher is the write-behind queue between the session registry and the
// store. Batches are coalesced in arrival order and flushed on a fixed
// interval, or immediately from the enqueuing path once the queue reaches
// twice the flush size. A failed flush re-queues the drained entries at the
// head, preserving their relative order, and the worker backs off before the
// next attempt.
type Batcher struct {
	store    store.SessionStore
	size     int
	interval time.Duration

	mu    sync.Mutex
	queue []*models.Batch

	// flushMu serializes whole flushes. The inline flush from the enqueue
	// path and the worker's flush would otherwise drain disjoint prefixes
	// and race to commit them, letting a later prefix reach the store first
	// and reordering a session's event rows.
	flushMu sync.Mutex

	kickCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	failures atomic.Int64
}

// New creates a batcher flushing up to size entries per transaction on the
// given interval. Call Start to launch the flush worker.
func New(s store.SessionStore, size int, interval time.Duration) *Batcher {
	if size <= 0 {
		size = 50
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Batcher{
		store:    s,
		size:     size,
		interval: interval,
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the single flush worker.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run()
	}()
}

// Enqueue adds a batch to the queue. It does not block on store I/O unless
// the queue has reached twice the flush size, at which point the caller pays
// for an immediate flush to bound memory. Batches are never dropped.
func (b *Batcher) Enqueue(batch *models.Batch) {
	b.mu.Lock()
	b.queue = append(b.queue, batch)
	depth := len(b.queue)
	b.mu.Unlock()

	if depth >= 2*b.size {
		if err := b.flush(); err != nil {
			// The entries are back at the head; wake the worker so the
			// backoff path takes over.
			log.Warn().Err(err).Int("depth", depth).Msg("Inline flush failed, deferring to worker")
			b.kick()
		}
		return
	}
}

// QueueLen reports the current queue depth.
func (b *Batcher) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Healthy reports whether recent flushes are reaching the store.
func (b *Batcher) Healthy() bool {
	return b.failures.Load() < unhealthyAfter
}

// Shutdown stops the worker and drains the queue synchronously. Entries still
// queued after the retry budget are reported as an error.
func (b *Batcher) Shutdown(ctx context.Context) error {
	close(b.stopCh)
	b.wg.Wait()

	for attempt := 0; attempt < shutdownAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		for b.QueueLen() > 0 {
			if err = b.flush(); err != nil {
				break
			}
		}
		if b.QueueLen() == 0 {
			log.Info().Msg("Batcher drained")
			return nil
		}
		log.Warn().Err(err).Int("remaining", b.QueueLen()).Msg("Shutdown flush failed, retrying")
	}

	return fmt.Errorf("batcher shutdown with %d batches unflushed", b.QueueLen())
}

func (b *Batcher) kick() {
	select {
	case b.kickCh <- struct{}{}:
	default:
	}
}

func (b *Batcher) run() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
		case <-b.kickCh:
		}

		for {
			if err := b.flush(); err == nil {
				bo.Reset()
				break
			}

			select {
			case <-b.stopCh:
				return
			case <-time.After(bo.NextBackOff()):
			}
		}
	}
}

// flush drains up to size entries and applies them in one store transaction.
// On error the drained entries go back to the head of the queue in order.
// Drain and apply happen under flushMu so concurrent flushes commit prefixes
// in queue order.
func (b *Batcher) flush() error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	n := min(b.size, len(b.queue))
	drained := b.queue[:n:n]
	b.queue = b.queue[n:]
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	started := time.Now()
	err := b.store.ApplyBatches(ctx, drained)
	if err != nil {
		b.mu.Lock()
		b.queue = append(drained, b.queue...)
		b.mu.Unlock()

		failures := b.failures.Add(1)
		telemetry.GetMetrics().FlushErrorsTotal.Add(ctx, 1)
		log.Error().Err(err).
			Int("batches", n).
			Int64("consecutive_failures", failures).
			Msg("Flush failed, batches re-queued")
		return err
	}

	b.failures.Store(0)
	m := telemetry.GetMetrics()
	m.FlushesTotal.Add(ctx, 1)
	m.FlushDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	m.BatchesFlushedTotal.Add(ctx, int64(n))

	log.Debug().Int("batches", n).Dur("duration", time.Since(started)).Msg("Flushed batches")
	return nil
}
