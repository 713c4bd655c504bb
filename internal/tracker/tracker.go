// Package tracker implements the rolling-window aggregator at the heart of
// the engine.
//
// Every scored event lands in its entity's 24h window, entries older than
// the horizon are trimmed off the front, and the entity's full statistical
// picture (volatility, drift, variance shift, anomaly counts) is recomputed
// synchronously. Windows are partitioned per key the same way the snapshots
// are, so concurrent entities never contend and same-key updates serialize.
package tracker

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/vigil/internal/event"
	"github.com/mbd888/vigil/internal/metrics"
	"github.com/mbd888/vigil/internal/risk"
	"github.com/mbd888/vigil/internal/snapshot"
	"github.com/mbd888/vigil/internal/stats"
)

// WindowEventKind discriminates the three inbound event shapes inside a window.
type WindowEventKind int

const (
	KindScoreDelta WindowEventKind = iota
	KindMetricUpdate
	KindAnomaly
)

// WindowEvent is one recorded observation. Immutable once appended; owned
// exclusively by the per-entity window it was appended to.
type WindowEvent struct {
	ObservedAt    time.Time
	Kind          WindowEventKind
	Delta         float64 // score or metric delta
	PercentChange float64 // anomaly drop fraction
	Severity      int
}

// Config carries the tuning constants. The caps and the anomaly weight are
// empirically chosen saturation points preserved from operation, not derived.
type Config struct {
	WindowDuration   time.Duration
	MaxWindowSize    int
	VolatilityCap    float64
	DriftCap         float64
	VarianceShiftCap float64
	AnomalyWeight    float64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		WindowDuration:   24 * time.Hour,
		MaxWindowSize:    1000,
		VolatilityCap:    stats.DefaultVolatilityCap,
		DriftCap:         stats.DefaultDriftCap,
		VarianceShiftCap: stats.DefaultVarianceShiftCap,
		AnomalyWeight:    1.5,
	}
}

// Broadcaster receives the full sorted snapshot collection after every write.
type Broadcaster interface {
	BroadcastSnapshots(snaps []snapshot.EntitySnapshot)
}

// Publisher publishes outbound events (snapshot updates) back onto the bus.
type Publisher interface {
	Publish(evt event.Event)
}

// Tracker owns the per-entity windows and drives recomputation.
type Tracker struct {
	cfg         Config
	states      sync.Map // map[string]*entityState
	store       *snapshot.Store
	broadcaster Broadcaster
	publisher   Publisher
	logger      *slog.Logger
	now         func() time.Time // injectable for tests

	keyCount struct {
		mu sync.Mutex
		n  int
	}
}

type entityState struct {
	mu      sync.Mutex
	entries []WindowEvent
	snap    snapshot.EntitySnapshot
	sources map[string]struct{}
}

// New creates a tracker writing into store. broadcaster and publisher may be
// nil (tests, partial wiring).
func New(cfg Config, store *snapshot.Store, broadcaster Broadcaster, publisher Publisher, logger *slog.Logger) *Tracker {
	if cfg.WindowDuration <= 0 {
		cfg = DefaultConfig()
	}
	return &Tracker{
		cfg:         cfg,
		store:       store,
		broadcaster: broadcaster,
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
	}
}

// Run drains events from ch until it closes or ctx is done. Call in a
// goroutine.
func (t *Tracker) Run(ctx context.Context, ch <-chan event.Event) {
	t.logger.Info("tracker started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("tracker stopped")
			return
		case evt, ok := <-ch:
			if !ok {
				t.logger.Info("tracker stopped, bus closed")
				return
			}
			t.Handle(evt)
		}
	}
}

// Handle applies one inbound bus event. Unknown kinds are ignored: the
// tracker only reacts to the scored-update subset.
func (t *Tracker) Handle(evt event.Event) {
	switch e := evt.(type) {
	case event.ScoreUpdated:
		t.record(e.Key, WindowEvent{
			ObservedAt: t.now(),
			Kind:       KindScoreDelta,
			Delta:      e.Delta,
			Severity:   e.Severity,
		}, &e)
	case event.MetricUpdated:
		t.record(e.Key, WindowEvent{
			ObservedAt: t.now(),
			Kind:       KindMetricUpdate,
			Delta:      e.Delta(),
		}, nil)
	case event.AnomalyDetected:
		t.record(e.Key, WindowEvent{
			ObservedAt:    t.now(),
			Kind:          KindAnomaly,
			PercentChange: e.PercentChange,
		}, nil)
	}
}

// record appends we to key's window, prunes the expired prefix, and
// recomputes the snapshot. score is non-nil only for score-delta events.
func (t *Tracker) record(key string, we WindowEvent, score *event.ScoreUpdated) {
	st := t.getOrCreate(key)

	st.mu.Lock()
	st.entries = append(st.entries, we)
	t.prune(st)
	t.recompute(key, st, score)
	snap := st.snap
	st.mu.Unlock()

	metrics.EventsProcessed.WithLabelValues(kindLabel(we.Kind)).Inc()

	// Store write and broadcast happen outside the key lock: a slow
	// subscriber must never hold up the next event for this entity.
	t.store.Put(snap)
	if t.publisher != nil {
		t.publisher.Publish(event.SnapshotUpdated{Snapshot: snap})
	}
	if t.broadcaster != nil {
		t.broadcaster.BroadcastSnapshots(t.store.Sorted())
	}
}

// getOrCreate is the single creation point for entity state. First event
// creates the window implicitly; there is no registration step.
func (t *Tracker) getOrCreate(key string) *entityState {
	if v, ok := t.states.Load(key); ok {
		return v.(*entityState)
	}
	v, loaded := t.states.LoadOrStore(key, &entityState{
		snap:    snapshot.EntitySnapshot{Key: key},
		sources: make(map[string]struct{}),
	})
	if !loaded {
		t.keyCount.mu.Lock()
		t.keyCount.n++
		n := t.keyCount.n
		t.keyCount.mu.Unlock()
		metrics.TrackedEntities.Set(float64(n))
		t.logger.Info("tracking new entity", "key", key, "total", n)
	}
	return v.(*entityState)
}

// prune trims expired entries off the front. The window is time-ordered, so
// this is a prefix trim; it runs lazily on access, never on a timer.
// Caller holds st.mu.
func (t *Tracker) prune(st *entityState) {
	cutoff := t.now().Add(-t.cfg.WindowDuration)
	start := 0
	for start < len(st.entries) && st.entries[start].ObservedAt.Before(cutoff) {
		start++
	}
	if start > 0 {
		st.entries = st.entries[start:]
	}
	if t.cfg.MaxWindowSize > 0 && len(st.entries) > t.cfg.MaxWindowSize {
		st.entries = st.entries[len(st.entries)-t.cfg.MaxWindowSize:]
	}
}

// recompute rebuilds the snapshot from the live window. Caller holds st.mu.
func (t *Tracker) recompute(key string, st *entityState, score *event.ScoreUpdated) {
	var (
		volatilityInputs []float64
		scoreDeltas      []float64
		metricDeltas     []float64
		anomalies        int
		maxAnomalyPct    float64
		haveAnomalyPct   bool
	)

	for _, e := range st.entries {
		switch e.Kind {
		case KindScoreDelta:
			volatilityInputs = append(volatilityInputs, e.Delta)
			scoreDeltas = append(scoreDeltas, e.Delta)
		case KindMetricUpdate:
			volatilityInputs = append(volatilityInputs, e.Delta)
			metricDeltas = append(metricDeltas, e.Delta)
		case KindAnomaly:
			// Sudden drops matter more than gradual drift per unit size.
			volatilityInputs = append(volatilityInputs, e.PercentChange*t.cfg.AnomalyWeight)
			anomalies++
			if !haveAnomalyPct || e.PercentChange > maxAnomalyPct {
				maxAnomalyPct = e.PercentChange
				haveAnomalyPct = true
			}
		}
	}

	snap := &st.snap
	snap.Key = key
	snap.LastUpdated = t.now()
	snap.Events24h = len(st.entries)
	snap.Anomalies24h = anomalies
	snap.Volatility = round3(stats.Normalize(stats.StdDev(volatilityInputs), t.cfg.VolatilityCap))
	snap.PayoutDrift = round3(stats.DirectionalBias(scoreDeltas, t.cfg.DriftCap))

	if shift, ok := stats.VarianceShift(scoreDeltas, t.cfg.VarianceShiftCap); ok {
		shift = round3(shift)
		snap.VarianceShift = &shift
	} else {
		snap.VarianceShift = nil
	}

	if len(metricDeltas) > 0 {
		avg := stats.Mean(metricDeltas)
		snap.AvgMetricChange = &avg
	} else {
		snap.AvgMetricChange = nil
	}

	if haveAnomalyPct {
		snap.MaxAnomalyPercent = &maxAnomalyPct
	} else {
		snap.MaxAnomalyPercent = nil
	}

	if score != nil {
		snap.PreviousScore = score.PreviousScore
		snap.CurrentScore = score.NewScore
		snap.ScoreDelta = score.Delta
		if score.Reason != "" {
			snap.Reasons = appendReason(snap.Reasons, score.Reason)
		}
		if score.Source != "" {
			if _, seen := st.sources[score.Source]; !seen {
				st.sources[score.Source] = struct{}{}
				snap.Sources = sortedSources(st.sources)
			}
		}
	}

	snap.Risk = risk.Classify(snap.Volatility, snap.Anomalies24h)
	metrics.RiskLevel.WithLabelValues(key).Set(float64(risk.Rank(snap.Risk)))
}

// Snapshot returns the current snapshot for key, if tracked.
func (t *Tracker) Snapshot(key string) (snapshot.EntitySnapshot, bool) {
	return t.store.Get(key)
}

// KeyCount returns the number of tracked entities.
func (t *Tracker) KeyCount() int {
	t.keyCount.mu.Lock()
	defer t.keyCount.mu.Unlock()
	return t.keyCount.n
}

// WindowLen returns the live (post-prune) window length for key. Intended
// for the health probe and tests.
func (t *Tracker) WindowLen(key string) int {
	v, ok := t.states.Load(key)
	if !ok {
		return 0
	}
	st := v.(*entityState)
	st.mu.Lock()
	defer st.mu.Unlock()
	t.prune(st)
	return len(st.entries)
}

func appendReason(reasons []string, reason string) []string {
	reasons = append(reasons, reason)
	if len(reasons) > snapshot.MaxReasons {
		reasons = reasons[len(reasons)-snapshot.MaxReasons:]
	}
	return reasons
}

func sortedSources(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func kindLabel(k WindowEventKind) string {
	switch k {
	case KindScoreDelta:
		return "score_delta"
	case KindMetricUpdate:
		return "metric_update"
	case KindAnomaly:
		return "anomaly"
	default:
		return "unknown"
	}
}

// round3 keeps reported floats readable in JSON payloads.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
