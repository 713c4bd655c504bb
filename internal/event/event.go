// Package event defines the closed set of typed events that flow over the
// internal bus: scored updates from upstream producers, on-demand aggregate
// requests, and the engine's outbound notifications.
//
// Payload shapes are the contract; the transport carrying them in and out of
// the process is not. Anything that fails validation at the boundary is
// dropped and logged, so downstream consumers only ever see valid events.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/vigil/internal/snapshot"
)

// Event kinds. Inbound kinds arrive from producers; outbound kinds are
// published by the engine.
const (
	KindScoreUpdated       = "score.updated"
	KindMetricUpdated      = "metric.updated"
	KindAnomalyDetected    = "anomaly.detected"
	KindAggregateRequested = "aggregate.requested"

	KindSnapshotUpdated   = "entity.snapshot.updated"
	KindRollupPublished   = "rollup.published"
	KindAggregateSnapshot = "aggregate.snapshot"
)

// Event is implemented by every payload that travels over the bus.
type Event interface {
	Kind() string
}

// Scope selects which rollup dimension an aggregate request wants.
type Scope string

const (
	ScopeDomain Scope = "domain"
	ScopeEntity Scope = "entity"
	ScopeBoth   Scope = "both"
)

// Valid reports whether s is a recognized scope.
func (s Scope) Valid() bool {
	return s == ScopeDomain || s == ScopeEntity || s == ScopeBoth
}

// ScoreUpdated reports that an entity's trust score changed. Domain is the
// entity's website domain when the producer knows it; it feeds the second
// rollup dimension and is otherwise optional.
type ScoreUpdated struct {
	Key           string  `json:"key"`
	Domain        string  `json:"domain,omitempty"`
	PreviousScore float64 `json:"previousScore"`
	NewScore      float64 `json:"newScore"`
	Delta         float64 `json:"delta"`
	Severity      int     `json:"severity,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	Source        string  `json:"source,omitempty"`
}

func (ScoreUpdated) Kind() string { return KindScoreUpdated }

// EntityKey returns the entity this event belongs to.
func (e ScoreUpdated) EntityKey() string { return e.Key }

// Validate checks required fields.
func (e ScoreUpdated) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("%s: missing key", KindScoreUpdated)
	}
	return nil
}

// MetricUpdated reports a raw metric change for an entity. The delta is
// derived as NewValue - OldValue.
type MetricUpdated struct {
	Key      string  `json:"key"`
	OldValue float64 `json:"oldValue"`
	NewValue float64 `json:"newValue"`
	Source   string  `json:"source,omitempty"`
}

func (MetricUpdated) Kind() string { return KindMetricUpdated }

// EntityKey returns the entity this event belongs to.
func (e MetricUpdated) EntityKey() string { return e.Key }

// Delta returns the derived metric change.
func (e MetricUpdated) Delta() float64 { return e.NewValue - e.OldValue }

// Validate checks required fields.
func (e MetricUpdated) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("%s: missing key", KindMetricUpdated)
	}
	return nil
}

// AnomalyDetected reports a sudden drop flagged by an upstream detector.
// PercentChange is a positive fraction: 0.25 means a 25% drop.
type AnomalyDetected struct {
	Key           string  `json:"key"`
	PercentChange float64 `json:"percentChange"`
	Source        string  `json:"source,omitempty"`
}

func (AnomalyDetected) Kind() string { return KindAnomalyDetected }

// EntityKey returns the entity this event belongs to.
func (e AnomalyDetected) EntityKey() string { return e.Key }

// Validate checks required fields.
func (e AnomalyDetected) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("%s: missing key", KindAnomalyDetected)
	}
	if e.PercentChange < 0 {
		return fmt.Errorf("%s: percentChange must be non-negative", KindAnomalyDetected)
	}
	return nil
}

// AggregateRequested asks the engine for the current hourly aggregate state.
type AggregateRequested struct {
	Scope Scope `json:"scope"`
}

func (AggregateRequested) Kind() string { return KindAggregateRequested }

// Validate checks the scope is one of the closed set.
func (e AggregateRequested) Validate() error {
	if !e.Scope.Valid() {
		return fmt.Errorf("%s: invalid scope %q", KindAggregateRequested, e.Scope)
	}
	return nil
}

// SnapshotUpdated is emitted once per aggregator recomputation carrying the
// freshly assembled entity snapshot.
type SnapshotUpdated struct {
	Snapshot snapshot.EntitySnapshot `json:"snapshot"`
}

func (SnapshotUpdated) Kind() string { return KindSnapshotUpdated }

// HourlyAggregate is one key's accumulation within the current hourly bucket.
type HourlyAggregate struct {
	TotalDelta   float64 `json:"totalDelta"`
	EventCount   int     `json:"eventCount"`
	LastSeverity int     `json:"lastSeverity,omitempty"`
	LastScore    float64 `json:"lastScore,omitempty"`
}

// RollupPublished is emitted on every hourly flush.
type RollupPublished struct {
	WindowStart time.Time                  `json:"windowStart"`
	WindowEnd   time.Time                  `json:"windowEnd"`
	Domains     map[string]HourlyAggregate `json:"domains"`
	Entities    map[string]HourlyAggregate `json:"entities"`
}

func (RollupPublished) Kind() string { return KindRollupPublished }

// AggregateSnapshot answers a throttled aggregate request. Only the maps for
// the requested scope are populated.
type AggregateSnapshot struct {
	WindowStart     time.Time                  `json:"windowStart"`
	DomainAggregate map[string]HourlyAggregate `json:"domainAggregate,omitempty"`
	EntityAggregate map[string]HourlyAggregate `json:"entityAggregate,omitempty"`
	RequestedScope  Scope                      `json:"scope"`
}

func (AggregateSnapshot) Kind() string { return KindAggregateSnapshot }

// Envelope is the boundary wire form of an inbound event: a kind tag plus
// the raw payload, decoded into exactly one of the closed union's members.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses the envelope payload into its typed event and validates it.
// Unknown kinds and malformed payloads are errors; callers drop and log.
func (env Envelope) Decode() (Event, error) {
	switch env.Kind {
	case KindScoreUpdated:
		var e ScoreUpdated
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return e, e.Validate()
	case KindMetricUpdated:
		var e MetricUpdated
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return e, e.Validate()
	case KindAnomalyDetected:
		var e AnomalyDetected
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return e, e.Validate()
	case KindAggregateRequested:
		var e AggregateRequested
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return e, e.Validate()
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
}
