// Package bus provides the in-process publish/subscribe channel that the
// aggregation paths listen on.
//
// Every subscriber owns a bounded queue. Publishing never blocks the
// producer: when a subscriber's queue is full the event is dropped for that
// subscriber and counted, so a slow consumer cannot stall ingestion or
// silently lose events without signal.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mbd888/vigil/internal/event"
	"github.com/mbd888/vigil/internal/metrics"
)

// DefaultQueueSize is the per-subscriber buffer when none is given.
const DefaultQueueSize = 256

// Subscriber receives events from the bus on C until Close.
type Subscriber struct {
	name    string
	ch      chan event.Event
	dropped atomic.Int64

	closeOnce sync.Once
	bus       *Bus
}

// C returns the subscriber's receive channel.
func (s *Subscriber) C() <-chan event.Event { return s.ch }

// Name returns the subscriber's registered name.
func (s *Subscriber) Name() string { return s.name }

// Dropped returns how many events were dropped because the queue was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Close deregisters the subscriber and closes its channel. Safe to call
// more than once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
	})
}

// Bus fans events out to registered subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscriber
	logger *slog.Logger

	published atomic.Int64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a named subscriber with a bounded queue.
// queueSize <= 0 uses DefaultQueueSize.
func (b *Bus) Subscribe(name string, queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	sub := &Subscriber{
		name: name,
		ch:   make(chan event.Event, queueSize),
		bus:  b,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Info("bus subscriber registered", "name", name, "queue", queueSize)
	return sub
}

// Publish delivers evt to every subscriber. Per-subscriber delivery is
// non-blocking: full queues drop the newest event and log.
func (b *Bus) Publish(evt event.Event) {
	b.published.Add(1)

	// Sends are non-blocking, so holding the read lock across the fan-out is
	// cheap and keeps remove() from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			n := sub.dropped.Add(1)
			metrics.BusDroppedTotal.WithLabelValues(sub.name).Inc()
			b.logger.Warn("bus subscriber queue full, dropping event",
				"subscriber", sub.name,
				"kind", evt.Kind(),
				"dropped_total", n,
			)
		}
	}
}

// Published returns the total number of events published.
func (b *Bus) Published() int64 { return b.published.Load() }

// Close deregisters all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}

func (b *Bus) remove(sub *Subscriber) {
	b.mu.Lock()
	found := false
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			found = true
			break
		}
	}
	b.mu.Unlock()

	// Already deregistered (bus shut down first): channel is closed.
	if found {
		close(sub.ch)
	}
}
