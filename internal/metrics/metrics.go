// Package metrics provides Prometheus instrumentation for the Vigil engine.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vigil",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsProcessed counts window events applied by the aggregator, by kind.
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "events_processed_total",
			Help:      "Total scored events applied to rolling windows, by kind.",
		},
		[]string{"kind"},
	)

	// EventsRejected counts inbound events dropped at the boundary.
	EventsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "events_rejected_total",
			Help:      "Total inbound events rejected as malformed, by reason.",
		},
		[]string{"reason"},
	)

	// TrackedEntities tracks how many entities currently have windows.
	TrackedEntities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "tracked_entities",
		Help:      "Number of entities with live rolling windows.",
	})

	// RiskLevel exposes each entity's current risk rank (1=low .. 5=critical).
	RiskLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Name:      "entity_risk_level",
			Help:      "Current risk rank per entity (1=low through 5=critical).",
		},
		[]string{"key"},
	)

	// ActiveStreamClients tracks connected WebSocket subscribers.
	ActiveStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "active_stream_clients",
		Help:      "Number of currently connected snapshot stream subscribers.",
	})

	// SnapshotPushesTotal counts full-collection pushes to stream subscribers.
	SnapshotPushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "snapshot_pushes_total",
		Help:      "Total full snapshot collection pushes broadcast to subscribers.",
	})

	// RollupFlushesTotal counts hourly flushes by result.
	RollupFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "rollup_flushes_total",
			Help:      "Total hourly rollup flushes by result.",
		},
		[]string{"result"},
	)

	// RollupBatchesRetained tracks the durable log depth after the last flush.
	RollupBatchesRetained = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "rollup_batches_retained",
		Help:      "Number of batches currently retained in the durable log.",
	})

	// AggregateRequestsTotal counts on-demand aggregate reads by outcome.
	AggregateRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "aggregate_requests_total",
			Help:      "Total on-demand aggregate requests by outcome (answered, throttled).",
		},
		[]string{"outcome"},
	)

	// BusDroppedTotal counts events dropped on full subscriber queues.
	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "bus_dropped_total",
			Help:      "Total bus events dropped per subscriber on backpressure.",
		},
		[]string{"subscriber"},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "goroutines",
		Help:      "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsProcessed,
		EventsRejected,
		TrackedEntities,
		RiskLevel,
		ActiveStreamClients,
		SnapshotPushesTotal,
		RollupFlushesTotal,
		RollupBatchesRetained,
		AggregateRequestsTotal,
		BusDroppedTotal,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples the goroutine count into its
// gauge. Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
