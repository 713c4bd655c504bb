package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/vigil/internal/event"
	"github.com/mbd888/vigil/internal/logging"
	"github.com/mbd888/vigil/internal/metrics"
	"github.com/mbd888/vigil/internal/traces"
	"github.com/mbd888/vigil/internal/validation"
)

// -----------------------------------------------------------------------------
// Ingestion
// -----------------------------------------------------------------------------

// ingestEventHandler handles POST /v1/events: the boundary where producer
// payloads become typed bus events. Anything that fails to decode or
// validate is rejected here; downstream consumers never see it.
func (s *Server) ingestEventHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var env event.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		metrics.EventsRejected.WithLabelValues("malformed_body").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON envelope with kind and payload",
		})
		return
	}

	evt, err := env.Decode()
	if err != nil {
		metrics.EventsRejected.WithLabelValues("invalid_payload").Inc()
		logging.L(ctx).Warn("rejected inbound event", "kind", env.Kind, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": err.Error(),
		})
		return
	}

	var entityKey string
	if keyed, ok := evt.(interface{ EntityKey() string }); ok {
		entityKey = keyed.EntityKey()
		if !validation.IsValidEntityKey(entityKey) {
			metrics.EventsRejected.WithLabelValues("invalid_key").Inc()
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_key",
				"message": "key must be a well-formed entity key",
			})
			return
		}
	}

	_, span := traces.StartSpan(ctx, "event.ingest",
		traces.EventKind(evt.Kind()), traces.EntityKey(entityKey))
	s.bus.Publish(evt)
	span.End()

	metrics.EventsProcessed.WithLabelValues(evt.Kind()).Inc()
	c.JSON(http.StatusAccepted, gin.H{
		"accepted": true,
		"kind":     evt.Kind(),
	})
}

// -----------------------------------------------------------------------------
// Snapshot reads
// -----------------------------------------------------------------------------

// listSnapshotsHandler handles GET /v1/snapshots: the full collection,
// riskiest first.
func (s *Server) listSnapshotsHandler(c *gin.Context) {
	snaps := s.store.Sorted()
	c.JSON(http.StatusOK, gin.H{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

// getSnapshotHandler handles GET /v1/snapshots/:key.
func (s *Server) getSnapshotHandler(c *gin.Context) {
	key := c.Param("key")

	_, span := traces.StartSpan(c.Request.Context(), "snapshot.read", traces.EntityKey(key))
	defer span.End()

	snap, ok := s.store.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No snapshot for this key",
		})
		return
	}
	span.SetAttributes(traces.RiskLevel(string(snap.Risk)))

	c.JSON(http.StatusOK, snap)
}

// -----------------------------------------------------------------------------
// Aggregate reads
// -----------------------------------------------------------------------------

// aggregateHandler handles GET /v1/aggregate?scope=domain|entity|both through
// the throttled bridge. Requests arriving faster than the bridge's minimum
// interval get 429 with a Retry-After hint.
func (s *Server) aggregateHandler(c *gin.Context) {
	scope := event.Scope(c.DefaultQuery("scope", string(event.ScopeBoth)))
	if !scope.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_scope",
			"message": "scope must be domain, entity, or both",
		})
		return
	}

	_, span := traces.StartSpan(c.Request.Context(), "aggregate.request", traces.Scope(string(scope)))
	defer span.End()

	snap, ok := s.bridge.Request(scope)
	if !ok {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "throttled",
			"message": "Aggregate requests are rate limited; retry shortly",
		})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// listRollupsHandler handles GET /v1/rollups: the retained hourly batches
// from the durable log, oldest first.
func (s *Server) listRollupsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	batches, err := s.rollupStore.Load(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to load rollup log", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load rollup history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"batches": batches,
		"count":   len(batches),
	})
}

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		v := "healthy"
		if !st.Healthy {
			v = "unhealthy"
		}
		if st.Detail != "" {
			v += " (" + st.Detail + ")"
		}
		checks[st.Name] = v
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Vigil",
		"description": "Real-time rollup and risk classification engine",
		"version":     "0.1.0",
	})
}
