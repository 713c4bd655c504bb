package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestEventsProcessed_Increments(t *testing.T) {
	EventsProcessed.Reset()

	EventsProcessed.WithLabelValues("score_delta").Inc()
	EventsProcessed.WithLabelValues("score_delta").Inc()
	EventsProcessed.WithLabelValues("anomaly").Inc()

	m := &dto.Metric{}
	counter, err := EventsProcessed.GetMetricWithLabelValues("score_delta")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 2.0 {
		t.Errorf("expected counter value 2, got %f", m.Counter.GetValue())
	}
}

func TestHTTPRequestDuration_Observes(t *testing.T) {
	HTTPRequestDuration.Reset()

	timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues("GET", "/v1/snapshots"))
	timer.ObserveDuration()

	ch := make(chan prometheus.Metric, 10)
	HTTPRequestDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}

func TestMetrics_Registered(t *testing.T) {
	// Touch a few metrics so they gather, then verify registration.
	TrackedEntities.Set(1)
	ActiveStreamClients.Set(0)
	RollupBatchesRetained.Set(0)

	gathered, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := make(map[string]bool)
	for _, mf := range gathered {
		found[mf.GetName()] = true
	}

	for _, name := range []string{
		"vigil_tracked_entities",
		"vigil_active_stream_clients",
		"vigil_rollup_batches_retained",
	} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}
