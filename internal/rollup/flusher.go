package rollup

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/vigil/internal/event"
	"github.com/mbd888/vigil/internal/metrics"
	"github.com/mbd888/vigil/internal/retry"
	"github.com/mbd888/vigil/internal/traces"
)

// Publisher is where the flusher announces a published rollup.
type Publisher interface {
	Publish(evt event.Event)
}

// Flusher closes the hourly window on a fixed interval, persists the batch,
// and announces it on the bus. A persistence failure is logged and skipped;
// the accumulator has already started the next window and the engine keeps
// running.
type Flusher struct {
	acc       *Accumulator
	store     Store
	publisher Publisher
	interval  time.Duration
	keep      int
	logger    *slog.Logger
	stop      chan struct{}
}

// NewFlusher creates a rollup flusher.
// interval is typically 1 hour in production, much shorter in tests.
func NewFlusher(acc *Accumulator, store Store, publisher Publisher, interval time.Duration, keep int, logger *slog.Logger) *Flusher {
	if keep <= 0 {
		keep = DefaultRetainBatches
	}
	return &Flusher{
		acc:       acc,
		store:     store,
		publisher: publisher,
		interval:  interval,
		keep:      keep,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Start begins the flush loop. Call in a goroutine.
func (f *Flusher) Start(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		case <-ticker.C:
			f.Flush(ctx)
		}
	}
}

// Stop signals the flusher to stop.
func (f *Flusher) Stop() {
	select {
	case f.stop <- struct{}{}:
	default:
	}
}

// Flush closes the current window and persists it. An hour with no events
// still produces a batch with empty buckets, so the retained log always
// reflects elapsed wall-clock hours.
func (f *Flusher) Flush(ctx context.Context) {
	ctx, span := traces.StartSpan(ctx, "rollup.flush")
	defer span.End()

	batch := f.acc.Flush()

	var retained []Batch
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var appendErr error
		retained, appendErr = f.store.Append(ctx, batch, f.keep)
		return appendErr
	})
	if err != nil {
		metrics.RollupFlushesTotal.WithLabelValues("error").Inc()
		f.logger.Warn("rollup flush failed to persist", "error", err,
			"domains", len(batch.Domains), "entities", len(batch.Entities))
		return
	}
	metrics.RollupFlushesTotal.WithLabelValues("ok").Inc()
	metrics.RollupBatchesRetained.Set(float64(len(retained)))

	if f.publisher != nil {
		f.publisher.Publish(event.RollupPublished{
			WindowStart: batch.WindowStart,
			WindowEnd:   batch.GeneratedAt,
			Domains:     batch.Domains,
			Entities:    batch.Entities,
		})
	}

	f.logger.Info("rollup flushed",
		"domains", len(batch.Domains),
		"entities", len(batch.Entities),
		"retained", len(retained))
}
