package tracker

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/vigil/internal/event"
	"github.com/mbd888/vigil/internal/risk"
	"github.com/mbd888/vigil/internal/snapshot"
)

func testTracker() (*Tracker, *snapshot.Store) {
	store := snapshot.NewStore()
	tr := New(DefaultConfig(), store, nil, nil, slog.Default())
	return tr, store
}

func TestRecord_FirstEventCreatesSnapshot(t *testing.T) {
	tr, store := testTracker()

	for i := 0; i < 5; i++ {
		tr.Handle(event.ScoreUpdated{
			Key:           "acme-casino",
			PreviousScore: 80,
			NewScore:      79,
			Delta:         -1,
		})
	}

	snap, ok := store.Get("acme-casino")
	if !ok {
		t.Fatal("snapshot should exist after first event")
	}
	if snap.Events24h != 5 {
		t.Errorf("Events24h = %d, want 5", snap.Events24h)
	}
	if tr.KeyCount() != 1 {
		t.Errorf("KeyCount = %d, want 1", tr.KeyCount())
	}
}

func TestRecord_ScoreFieldsTracked(t *testing.T) {
	tr, store := testTracker()

	tr.Handle(event.ScoreUpdated{
		Key:           "acme",
		PreviousScore: 80,
		NewScore:      72,
		Delta:         -8,
		Reason:        "withdrawal complaints spiked",
		Source:        "review-feed",
	})

	snap, _ := store.Get("acme")
	if snap.CurrentScore != 72 || snap.PreviousScore != 80 || snap.ScoreDelta != -8 {
		t.Errorf("score fields wrong: %+v", snap)
	}
	if len(snap.Reasons) != 1 || snap.Reasons[0] != "withdrawal complaints spiked" {
		t.Errorf("reasons wrong: %v", snap.Reasons)
	}
	if len(snap.Sources) != 1 || snap.Sources[0] != "review-feed" {
		t.Errorf("sources wrong: %v", snap.Sources)
	}
}

func TestRecord_ReasonRingBounded(t *testing.T) {
	tr, store := testTracker()

	for i := 0; i < 8; i++ {
		tr.Handle(event.ScoreUpdated{
			Key:    "acme",
			Delta:  -1,
			Reason: fmt.Sprintf("reason %d", i),
		})
	}

	snap, _ := store.Get("acme")
	if len(snap.Reasons) != snapshot.MaxReasons {
		t.Fatalf("got %d reasons, want %d", len(snap.Reasons), snapshot.MaxReasons)
	}
	// Most recent kept, oldest dropped.
	if snap.Reasons[0] != "reason 3" || snap.Reasons[4] != "reason 7" {
		t.Errorf("ring contents wrong: %v", snap.Reasons)
	}
}

func TestPrune_ExpiredPrefixTrimmed(t *testing.T) {
	tr, store := testTracker()

	// Rewind the clock 25h for the first event, then return to the present.
	base := time.Now()
	tr.now = func() time.Time { return base.Add(-25 * time.Hour) }
	tr.Handle(event.ScoreUpdated{Key: "acme", Delta: -5})

	tr.now = func() time.Time { return base }
	tr.Handle(event.ScoreUpdated{Key: "acme", Delta: -1})

	snap, _ := store.Get("acme")
	if snap.Events24h != 1 {
		t.Errorf("Events24h = %d, want 1 (expired entry pruned)", snap.Events24h)
	}
	if tr.WindowLen("acme") != 1 {
		t.Errorf("WindowLen = %d, want 1", tr.WindowLen("acme"))
	}
}

func TestPrune_LazyOnAccessOnly(t *testing.T) {
	tr, _ := testTracker()

	base := time.Now()
	tr.now = func() time.Time { return base.Add(-25 * time.Hour) }
	tr.Handle(event.ScoreUpdated{Key: "quiet", Delta: -5})

	// Nothing touches the entity; the stale entry stays until next access.
	tr.now = func() time.Time { return base }
	v, _ := tr.states.Load("quiet")
	st := v.(*entityState)
	st.mu.Lock()
	raw := len(st.entries)
	st.mu.Unlock()
	if raw != 1 {
		t.Fatalf("stale entry should remain before access, got %d", raw)
	}

	// WindowLen is an access: it prunes.
	if got := tr.WindowLen("quiet"); got != 0 {
		t.Errorf("WindowLen after horizon = %d, want 0", got)
	}
}

func TestRecompute_OptionalFieldsNilWithoutData(t *testing.T) {
	tr, store := testTracker()

	tr.Handle(event.ScoreUpdated{Key: "acme", Delta: -2})

	snap, _ := store.Get("acme")
	if snap.AvgMetricChange != nil {
		t.Error("AvgMetricChange should be nil with no metric events")
	}
	if snap.MaxAnomalyPercent != nil {
		t.Error("MaxAnomalyPercent should be nil with no anomalies")
	}
	if snap.VarianceShift != nil {
		t.Error("VarianceShift should be nil below 20 score deltas")
	}
}

func TestRecompute_MetricAndAnomalyAggregates(t *testing.T) {
	tr, store := testTracker()

	tr.Handle(event.MetricUpdated{Key: "acme", OldValue: 100, NewValue: 104}) // +4
	tr.Handle(event.MetricUpdated{Key: "acme", OldValue: 104, NewValue: 102}) // -2
	tr.Handle(event.AnomalyDetected{Key: "acme", PercentChange: 0.25})
	tr.Handle(event.AnomalyDetected{Key: "acme", PercentChange: 0.40})

	snap, _ := store.Get("acme")
	if snap.AvgMetricChange == nil || *snap.AvgMetricChange != 1 {
		t.Errorf("AvgMetricChange = %v, want 1", snap.AvgMetricChange)
	}
	if snap.MaxAnomalyPercent == nil || *snap.MaxAnomalyPercent != 0.40 {
		t.Errorf("MaxAnomalyPercent = %v, want 0.40", snap.MaxAnomalyPercent)
	}
	if snap.Anomalies24h != 2 {
		t.Errorf("Anomalies24h = %d, want 2", snap.Anomalies24h)
	}
	if snap.Events24h != 4 {
		t.Errorf("Events24h = %d, want 4", snap.Events24h)
	}
}

func TestRecompute_VarianceShiftAppearsAtThreshold(t *testing.T) {
	tr, store := testTracker()

	for i := 0; i < 19; i++ {
		tr.Handle(event.ScoreUpdated{Key: "acme", Delta: float64(i % 3)})
	}
	snap, _ := store.Get("acme")
	if snap.VarianceShift != nil {
		t.Error("VarianceShift should be nil at 19 score deltas")
	}

	tr.Handle(event.ScoreUpdated{Key: "acme", Delta: 1})
	snap, _ = store.Get("acme")
	if snap.VarianceShift == nil {
		t.Error("VarianceShift should be present at 20 score deltas")
	}
}

func TestRecompute_AnomalyWeightRaisesVolatility(t *testing.T) {
	cfg := DefaultConfig()
	storeA := snapshot.NewStore()
	trA := New(cfg, storeA, nil, nil, slog.Default())

	// Same magnitudes as metric deltas vs as anomalies: the anomaly path is
	// weighted 1.5x, so its volatility must come out higher.
	for i := 0; i < 10; i++ {
		val := float64(10 * (i % 2))
		trA.Handle(event.MetricUpdated{Key: "plain", OldValue: 0, NewValue: val})
		trA.Handle(event.AnomalyDetected{Key: "spiky", PercentChange: val})
	}

	plain, _ := storeA.Get("plain")
	spiky, _ := storeA.Get("spiky")
	if spiky.Volatility <= plain.Volatility {
		t.Errorf("anomaly-weighted volatility %f should exceed metric volatility %f",
			spiky.Volatility, plain.Volatility)
	}
}

func TestRecord_RiskClassified(t *testing.T) {
	tr, store := testTracker()

	// One low-noise event: low volatility, no anomalies.
	tr.Handle(event.ScoreUpdated{Key: "calm", Delta: -0.5})
	snap, _ := store.Get("calm")
	if snap.Risk != risk.LevelLow {
		t.Errorf("calm entity risk = %s, want low", snap.Risk)
	}

	// Anomaly storm escalates through the high rung's anomaly arm.
	for i := 0; i < 4; i++ {
		tr.Handle(event.AnomalyDetected{Key: "rough", PercentChange: 0.05})
	}
	snap, _ = store.Get("rough")
	if risk.Rank(snap.Risk) < risk.Rank(risk.LevelHigh) {
		t.Errorf("rough entity risk = %s, want at least high", snap.Risk)
	}
}

func TestRecord_ConcurrentKeysIndependent(t *testing.T) {
	tr, store := testTracker()

	var wg sync.WaitGroup
	const keys, perKey = 8, 50
	for k := 0; k < keys; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			key := fmt.Sprintf("entity-%d", k)
			for i := 0; i < perKey; i++ {
				tr.Handle(event.ScoreUpdated{Key: key, Delta: -1})
			}
		}(k)
	}
	wg.Wait()

	if tr.KeyCount() != keys {
		t.Fatalf("KeyCount = %d, want %d", tr.KeyCount(), keys)
	}
	for k := 0; k < keys; k++ {
		snap, ok := store.Get(fmt.Sprintf("entity-%d", k))
		if !ok || snap.Events24h != perKey {
			t.Errorf("entity-%d: Events24h = %d, want %d", k, snap.Events24h, perKey)
		}
	}
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	pushes [][]snapshot.EntitySnapshot
}

func (r *recordingBroadcaster) BroadcastSnapshots(snaps []snapshot.EntitySnapshot) {
	r.mu.Lock()
	r.pushes = append(r.pushes, snaps)
	r.mu.Unlock()
}

func TestRecord_BroadcastsFullSortedCollection(t *testing.T) {
	store := snapshot.NewStore()
	rb := &recordingBroadcaster{}
	tr := New(DefaultConfig(), store, rb, nil, slog.Default())

	tr.Handle(event.ScoreUpdated{Key: "a", Delta: -1})
	for i := 0; i < 5; i++ {
		tr.Handle(event.AnomalyDetected{Key: "b", PercentChange: 0.9})
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.pushes) != 6 {
		t.Fatalf("got %d pushes, want one per recomputation (6)", len(rb.pushes))
	}
	last := rb.pushes[len(rb.pushes)-1]
	if len(last) != 2 {
		t.Fatalf("last push has %d snapshots, want 2", len(last))
	}
	// b is riskier than a and must sort first.
	if last[0].Key != "b" {
		t.Errorf("riskiest entity should lead the push, got %s", last[0].Key)
	}
}
