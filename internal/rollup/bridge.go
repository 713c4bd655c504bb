package rollup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/vigil/internal/event"
	"github.com/mbd888/vigil/internal/metrics"
)

// DefaultMinResponseInterval throttles the aggregate read bridge: requests
// arriving closer together than this are dropped without a response.
const DefaultMinResponseInterval = 5 * time.Second

// Bridge answers aggregate.requested events with a snapshot of the current
// hourly buckets, at most once per interval. Over-rate requests are dropped
// silently; the requester is expected to retry or wait for the next hourly
// publication.
type Bridge struct {
	acc       *Accumulator
	publisher Publisher
	interval  time.Duration
	logger    *slog.Logger

	mu              sync.Mutex
	lastRespondedAt time.Time
	now             func() time.Time
}

// NewBridge creates a throttled aggregate read bridge.
func NewBridge(acc *Accumulator, publisher Publisher, interval time.Duration, logger *slog.Logger) *Bridge {
	if interval <= 0 {
		interval = DefaultMinResponseInterval
	}
	return &Bridge{
		acc:       acc,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run drains ch until it closes or ctx is cancelled. Call in a goroutine.
func (b *Bridge) Run(ctx context.Context, ch <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if req, isReq := evt.(event.AggregateRequested); isReq {
				b.Handle(req)
			}
		}
	}
}

// Request builds one scope-filtered snapshot of the current hourly buckets,
// or reports a throttled drop if the last response was too recent.
func (b *Bridge) Request(scope event.Scope) (event.AggregateSnapshot, bool) {
	b.mu.Lock()
	now := b.now()
	if !b.lastRespondedAt.IsZero() && now.Sub(b.lastRespondedAt) < b.interval {
		b.mu.Unlock()
		metrics.AggregateRequestsTotal.WithLabelValues("throttled").Inc()
		return event.AggregateSnapshot{}, false
	}
	b.lastRespondedAt = now
	b.mu.Unlock()

	domains, entities, windowStart := b.acc.Snapshot()
	snap := event.AggregateSnapshot{
		WindowStart:    windowStart,
		RequestedScope: scope,
	}
	switch scope {
	case event.ScopeDomain:
		snap.DomainAggregate = domains
	case event.ScopeEntity:
		snap.EntityAggregate = entities
	default:
		snap.DomainAggregate = domains
		snap.EntityAggregate = entities
	}

	metrics.AggregateRequestsTotal.WithLabelValues("answered").Inc()
	return snap, true
}

// Handle answers one aggregate request on the bus, or drops it if the last
// response was too recent. Returns whether a response was published.
func (b *Bridge) Handle(req event.AggregateRequested) bool {
	snap, ok := b.Request(req.Scope)
	if !ok {
		return false
	}

	b.publisher.Publish(snap)
	b.logger.Debug("aggregate snapshot published",
		"scope", string(req.Scope),
		"domains", len(snap.DomainAggregate),
		"entities", len(snap.EntityAggregate))
	return true
}
