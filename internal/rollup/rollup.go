// Package rollup implements the hourly accounting path: a slower accumulator
// keyed by entity and by domain, flushed on a fixed interval to a durable
// append-only log capped at a retention count.
//
// It subscribes to the same bus as the rolling-window tracker but shares no
// mutable state with it; the two paths interleave freely.
package rollup

import (
	"sync"
	"time"

	"github.com/mbd888/vigil/internal/event"
)

// DefaultRetainBatches is how many hourly batches the durable log keeps:
// roughly 24 hours of history at one batch per hour.
const DefaultRetainBatches = 24

// Batch is one flushed hour of accumulation.
type Batch struct {
	WindowStart time.Time                        `json:"windowStart"`
	GeneratedAt time.Time                        `json:"generatedAt"`
	Domains     map[string]event.HourlyAggregate `json:"domainAggregate"`
	Entities    map[string]event.HourlyAggregate `json:"entityAggregate"`
}

// Accumulator holds the current hour's buckets. All access goes through its
// mutex; the only contention is between event application and the flush swap.
type Accumulator struct {
	mu          sync.Mutex
	domains     map[string]event.HourlyAggregate
	entities    map[string]event.HourlyAggregate
	windowStart time.Time
	now         func() time.Time
}

// NewAccumulator creates an empty accumulator starting its window now.
func NewAccumulator() *Accumulator {
	a := &Accumulator{now: time.Now}
	a.reset()
	return a
}

func (a *Accumulator) reset() {
	a.domains = make(map[string]event.HourlyAggregate)
	a.entities = make(map[string]event.HourlyAggregate)
	a.windowStart = a.now()
}

// Handle applies one inbound bus event to the hourly buckets. Score and
// metric updates contribute their deltas; anomalies only bump the event
// count (they carry a drop fraction, not a score delta).
func (a *Accumulator) Handle(evt event.Event) {
	switch e := evt.(type) {
	case event.ScoreUpdated:
		a.mu.Lock()
		agg := a.entities[e.Key]
		agg.TotalDelta += e.Delta
		agg.EventCount++
		agg.LastSeverity = e.Severity
		agg.LastScore = e.NewScore
		a.entities[e.Key] = agg
		if e.Domain != "" {
			d := a.domains[e.Domain]
			d.TotalDelta += e.Delta
			d.EventCount++
			d.LastSeverity = e.Severity
			d.LastScore = e.NewScore
			a.domains[e.Domain] = d
		}
		a.mu.Unlock()
	case event.MetricUpdated:
		a.mu.Lock()
		agg := a.entities[e.Key]
		agg.TotalDelta += e.Delta()
		agg.EventCount++
		a.entities[e.Key] = agg
		a.mu.Unlock()
	case event.AnomalyDetected:
		a.mu.Lock()
		agg := a.entities[e.Key]
		agg.EventCount++
		a.entities[e.Key] = agg
		a.mu.Unlock()
	}
}

// Snapshot returns copies of the current buckets plus the window start.
func (a *Accumulator) Snapshot() (domains, entities map[string]event.HourlyAggregate, windowStart time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyBucket(a.domains), copyBucket(a.entities), a.windowStart
}

// Flush atomically swaps the buckets for empty ones and returns the closed
// hour as a Batch. The accumulator starts a fresh window immediately, so
// events arriving during persistence land in the next hour.
func (a *Accumulator) Flush() Batch {
	a.mu.Lock()
	batch := Batch{
		WindowStart: a.windowStart,
		GeneratedAt: a.now(),
		Domains:     a.domains,
		Entities:    a.entities,
	}
	a.reset()
	a.mu.Unlock()
	return batch
}

// KeyCounts returns the number of keys in each bucket, for the health probe.
func (a *Accumulator) KeyCounts() (domains, entities int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.domains), len(a.entities)
}

// WindowStart returns when the current hourly window opened.
func (a *Accumulator) WindowStart() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowStart
}

func copyBucket(in map[string]event.HourlyAggregate) map[string]event.HourlyAggregate {
	out := make(map[string]event.HourlyAggregate, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
