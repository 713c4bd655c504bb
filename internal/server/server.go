// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/vigil/internal/bus"
	"github.com/mbd888/vigil/internal/config"
	"github.com/mbd888/vigil/internal/event"
	"github.com/mbd888/vigil/internal/health"
	"github.com/mbd888/vigil/internal/idgen"
	"github.com/mbd888/vigil/internal/logging"
	"github.com/mbd888/vigil/internal/metrics"
	"github.com/mbd888/vigil/internal/ratelimit"
	"github.com/mbd888/vigil/internal/realtime"
	"github.com/mbd888/vigil/internal/rollup"
	"github.com/mbd888/vigil/internal/security"
	"github.com/mbd888/vigil/internal/snapshot"
	"github.com/mbd888/vigil/internal/tracker"
	"github.com/mbd888/vigil/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the engine's components
type Server struct {
	cfg         *config.Config
	bus         *bus.Bus
	store       *snapshot.Store
	tracker     *tracker.Tracker
	accumulator *rollup.Accumulator
	rollupStore rollup.Store
	flusher     *rollup.Flusher
	bridge      *rollup.Bridge
	realtimeHub *realtime.Hub
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using the file-backed rollup log
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRollupStore sets a custom rollup store (for testing)
func WithRollupStore(store rollup.Store) Option {
	return func(s *Server) {
		s.rollupStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/stores)
	for _, opt := range opts {
		opt(s)
	}

	// Durable rollup log (Postgres if DATABASE_URL set, otherwise a capped
	// JSON file)
	if s.rollupStore == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			// Configure connection pool
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			// Test connection
			if err := db.Ping(); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			s.db = db
			s.rollupStore = rollup.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL rollup log", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.rollupStore = rollup.NewFileStore(cfg.RollupLogPath)
			s.logger.Info("using file-backed rollup log", "path", cfg.RollupLogPath)
		}
	}

	// Event bus and the two aggregation paths
	s.bus = bus.New(s.logger)
	s.store = snapshot.NewStore()
	s.realtimeHub = realtime.NewHub(s.logger)

	s.tracker = tracker.New(tracker.Config{
		WindowDuration:   cfg.WindowDuration,
		MaxWindowSize:    cfg.MaxWindowSize,
		VolatilityCap:    cfg.VolatilityCap,
		DriftCap:         cfg.DriftCap,
		VarianceShiftCap: cfg.VarianceShiftCap,
		AnomalyWeight:    cfg.AnomalyWeight,
	}, s.store, s.realtimeHub, s.bus, s.logger)

	s.accumulator = rollup.NewAccumulator()
	s.flusher = rollup.NewFlusher(s.accumulator, s.rollupStore, s.bus,
		cfg.RollupInterval, cfg.RollupRetain, s.logger)
	s.bridge = rollup.NewBridge(s.accumulator, s.bus, cfg.AggregateMinInterval, s.logger)

	// Health checks
	s.checks = health.NewRegistry()
	s.checks.Register("rolling_window", health.KeyCount("rolling_window", s.tracker.KeyCount))
	s.checks.Register("hourly_window", health.KeyCount("hourly_window", func() int {
		_, entities := s.accumulator.KeyCounts()
		return entities
	}))
	if s.db != nil {
		s.checks.Register("database", health.DB(s.db))
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time snapshot streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.KeyParamMiddleware())

	v1.POST("/events", s.ingestEventHandler)
	v1.GET("/snapshots", s.listSnapshotsHandler)
	v1.GET("/snapshots/:key", s.getSnapshotHandler)
	v1.GET("/aggregate", s.aggregateHandler)
	v1.GET("/rollups", s.listRollupsHandler)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Rolling-window path
	trackerSub := s.bus.Subscribe("tracker", 0)
	go s.tracker.Run(runCtx, trackerSub.C())

	// Hourly path: accumulator consumer and flush loop
	rollupSub := s.bus.Subscribe("rollup", 0)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-rollupSub.C():
				if !ok {
					return
				}
				s.accumulator.Handle(evt)
			}
		}
	}()
	go s.flusher.Start(runCtx)

	// Throttled aggregate read bridge
	bridgeSub := s.bus.Subscribe("aggregate_bridge", 0)
	go s.bridge.Run(runCtx, bridgeSub.C())

	// Rollup publications fan out to stream clients
	hubSub := s.bus.Subscribe("realtime_rollups", 0)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-hubSub.C():
				if !ok {
					return
				}
				if published, isRollup := evt.(event.RollupPublished); isRollup {
					s.realtimeHub.BroadcastRollup(published)
				}
			}
		}
	}()

	// Start runtime metrics collector
	go metrics.StartRuntimeCollector(runCtx, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Final flush so the in-progress hour is not lost
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.flusher.Flush(flushCtx)
	flushCancel()

	// Cancel the context for all background goroutines (hub, loops, flusher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop flusher loop
	s.flusher.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close the bus so subscriber loops drain out
	s.bus.Close()

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

