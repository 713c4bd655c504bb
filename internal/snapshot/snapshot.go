// Package snapshot holds the latest computed risk view per tracked entity.
//
// Snapshots are written exclusively by the windowed aggregator and read by
// everything else: the streaming hub, the pull endpoints, and the health
// probe. The store keeps value copies, so readers never observe a snapshot
// mid-mutation.
package snapshot

import (
	"sort"
	"sync"
	"time"

	"github.com/mbd888/vigil/internal/risk"
)

// MaxReasons bounds the human-readable reason ring carried per entity.
const MaxReasons = 5

// EntitySnapshot is the latest computed view of one tracked entity.
//
// AvgMetricChange, MaxAnomalyPercent, and VarianceShift are nil when no
// qualifying events exist: "no data" and "zero change" are different answers
// and must stay distinguishable.
type EntitySnapshot struct {
	Key           string    `json:"key"`
	CurrentScore  float64   `json:"currentScore"`
	PreviousScore float64   `json:"previousScore"`
	ScoreDelta    float64   `json:"scoreDelta"`
	LastUpdated   time.Time `json:"lastUpdated"`

	Volatility   float64 `json:"volatility"` // 0-1 normalized
	Events24h    int     `json:"events24h"`
	Anomalies24h int     `json:"anomalies24h"`

	AvgMetricChange   *float64 `json:"avgMetricChange,omitempty"`
	MaxAnomalyPercent *float64 `json:"maxAnomalyPercent,omitempty"`
	PayoutDrift       float64  `json:"payoutDrift"`             // 0-1 directional bias
	VarianceShift     *float64 `json:"varianceShift,omitempty"` // nil until 20 score deltas

	Risk    risk.Level `json:"risk"`
	Reasons []string   `json:"reasons,omitempty"` // most recent last, ring of 5
	Sources []string   `json:"sources,omitempty"` // contributing data sources
}

// clone returns a deep copy safe to hand to readers.
func (s EntitySnapshot) clone() EntitySnapshot {
	out := s
	if s.AvgMetricChange != nil {
		v := *s.AvgMetricChange
		out.AvgMetricChange = &v
	}
	if s.MaxAnomalyPercent != nil {
		v := *s.MaxAnomalyPercent
		out.MaxAnomalyPercent = &v
	}
	if s.VarianceShift != nil {
		v := *s.VarianceShift
		out.VarianceShift = &v
	}
	out.Reasons = append([]string(nil), s.Reasons...)
	out.Sources = append([]string(nil), s.Sources...)
	return out
}

// Store keeps one snapshot per entity key.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]EntitySnapshot
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{snapshots: make(map[string]EntitySnapshot)}
}

// Put stores (or replaces) the snapshot for its key.
func (st *Store) Put(s EntitySnapshot) {
	c := s.clone()
	st.mu.Lock()
	st.snapshots[s.Key] = c
	st.mu.Unlock()
}

// Get returns the snapshot for key, if present.
func (st *Store) Get(key string) (EntitySnapshot, bool) {
	st.mu.RLock()
	s, ok := st.snapshots[key]
	st.mu.RUnlock()
	if !ok {
		return EntitySnapshot{}, false
	}
	return s.clone(), true
}

// Count returns the number of tracked entities.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.snapshots)
}

// Sorted returns every snapshot ordered by risk rank descending, then
// current score descending, then key for a stable tiebreak.
func (st *Store) Sorted() []EntitySnapshot {
	st.mu.RLock()
	out := make([]EntitySnapshot, 0, len(st.snapshots))
	for _, s := range st.snapshots {
		out = append(out, s.clone())
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ri, rj := risk.Rank(out[i].Risk), risk.Rank(out[j].Risk)
		if ri != rj {
			return ri > rj
		}
		if out[i].CurrentScore != out[j].CurrentScore {
			return out[i].CurrentScore > out[j].CurrentScore
		}
		return out[i].Key < out[j].Key
	})
	return out
}
