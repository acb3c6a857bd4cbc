// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/commwatch/commwatch/internal/classifier"
	"github.com/commwatch/commwatch/internal/config"
	"github.com/commwatch/commwatch/internal/health"
	"github.com/commwatch/commwatch/internal/logging"
	"github.com/commwatch/commwatch/internal/metrics"
	"github.com/commwatch/commwatch/internal/ratelimit"
	"github.com/commwatch/commwatch/internal/realtime"
	"github.com/commwatch/commwatch/internal/retry"
	"github.com/commwatch/commwatch/internal/risk"
	"github.com/commwatch/commwatch/internal/security"
	"github.com/commwatch/commwatch/internal/traces"
	"github.com/commwatch/commwatch/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        risk.Store
	pipeline     *risk.Pipeline
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	tracesStop   func(context.Context) error

	injectedClassifier risk.Classifier

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

// WithClassifier injects a classifier (for testing)
func WithClassifier(c risk.Classifier) Option {
	return func(s *Server) {
		s.injectedClassifier = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set classifier/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection, retrying while the database comes up
		if err := retry.Do(ctx, 5, time.Second, func() error {
			return db.PingContext(ctx)
		}); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = risk.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.store = risk.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// External classifier (unless disabled or injected for tests)
	var cls risk.Classifier
	if s.injectedClassifier != nil {
		cls = s.injectedClassifier
	} else if cfg.EnableMonitoring {
		clsOpts := []classifier.Option{
			classifier.WithTimeout(cfg.ClassifierTimeout),
			classifier.WithLogger(s.logger),
		}
		if cfg.OpenAIBaseURL != "" {
			clsOpts = append(clsOpts, classifier.WithBaseURL(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL))
		}
		cls = classifier.New(cfg.OpenAIAPIKey, cfg.OpenAIModel, clsOpts...)
		s.logger.Info("classifier enabled", "model", cfg.OpenAIModel)
	} else {
		s.logger.Info("classifier disabled, heuristic scoring only")
	}

	// Realtime hub for the live moderation feed
	s.realtimeHub = realtime.NewHub(s.logger)

	// Assessment pipeline
	s.pipeline = risk.NewPipeline(s.store, cls, risk.PipelineConfig{
		QueueSize:         cfg.QueueSize,
		MinInterval:       cfg.AnalysisInterval,
		ContextWindow:     cfg.ContextWindow,
		RollingWindow:     cfg.RollingWindow,
		GateMinLength:     cfg.GateMinLength,
		GateMinScore:      cfg.GateMinScore,
		MediumThreshold:   cfg.MediumThreshold,
		HighThreshold:     cfg.HighThreshold,
		CriticalThreshold: cfg.CriticalThreshold,
		ClassifyTimeout:   cfg.ClassifierTimeout,
		EnableClassifier:  cfg.EnableMonitoring && cls != nil,
	},
		risk.WithLogger(s.logger),
		risk.WithNotifier(s.realtimeHub),
	)

	s.healthReg.Register("pipeline", func(ctx context.Context) health.Status {
		if !s.pipeline.Running() {
			return health.Status{Name: "pipeline", Healthy: false, Detail: "worker not running"}
		}
		return health.Status{Name: "pipeline", Healthy: true}
	})

	// Tracing (no-op without OTLP endpoint)
	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesStop = stop
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
			requestID = generateRequestID()
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	riskHandler := risk.NewHandler(s.store, s.pipeline)
	riskHandler.RegisterRoutes(v1)

	// WebSocket for the live moderation feed, plus a built-in viewer page
	v1.GET("/feed", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/feed", feedPageHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

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
		"name":        "commwatch",
		"description": "Risk assessment pipeline for community chat platforms",
		"version":     "0.1.0",
	})
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

	// Start the assessment pipeline worker
	go s.pipeline.Run(runCtx)

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Periodic DB stats collection
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server. HTTP stops accepting first so no new
// events arrive, then the pipeline drains its accepted backlog.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
	}

	// Drain the pipeline: in-flight and accepted events finish processing.
	s.pipeline.Shutdown(true)
	s.logger.Info("pipeline drained")

	// Cancel the context for remaining background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

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

// Pipeline returns the assessment pipeline for testing.
func (s *Server) Pipeline() *risk.Pipeline {
	return s.pipeline
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
