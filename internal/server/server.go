// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/homelease/rentcore/internal/admin"
	"github.com/homelease/rentcore/internal/auth"
	"github.com/homelease/rentcore/internal/booking"
	"github.com/homelease/rentcore/internal/config"
	"github.com/homelease/rentcore/internal/escrow"
	"github.com/homelease/rentcore/internal/health"
	"github.com/homelease/rentcore/internal/idgen"
	"github.com/homelease/rentcore/internal/logging"
	"github.com/homelease/rentcore/internal/metrics"
	"github.com/homelease/rentcore/internal/payment"
	"github.com/homelease/rentcore/internal/ratelimit"
	"github.com/homelease/rentcore/internal/reconciliation"
	"github.com/homelease/rentcore/internal/security"
	"github.com/homelease/rentcore/internal/validation"
	"github.com/homelease/rentcore/internal/wallet"
)

// Version is reported by /health. Set from cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	core           *Components
	verifier       *auth.Verifier
	health         *health.Registry
	reconcileTimer *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

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

// WithComponents injects an already wired core (for testing)
func WithComponents(c *Components) Option {
	return func(s *Server) {
		s.core = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.core == nil {
		core, err := Build(context.Background(), cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.core = core
	}

	s.verifier = auth.NewVerifier(cfg.JWTSecret)
	s.logger.Info("API authentication enabled")

	s.health = health.NewRegistry()
	if s.core.DB != nil {
		s.health.Register("database", health.Database(s.core.DB))
	} else {
		s.health.Register("storage", health.Static("storage", "in-memory"))
	}
	s.health.Register("ledgers", s.ledgerCheck)

	if cfg.ReconcileEvery > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.core.Reconciler, cfg.ReconcileEvery, s.logger)
		s.logger.Info("reconciliation timer enabled", "interval", cfg.ReconcileEvery)
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

// ledgerCheck degrades health when the last reconciliation found drift.
func (s *Server) ledgerCheck(context.Context) health.Status {
	last := s.core.Reconciler.Last()
	switch {
	case last == nil:
		return health.Status{Name: "ledgers", Healthy: true, Detail: "not yet reconciled"}
	case last.Healthy:
		return health.Status{Name: "ledgers", Healthy: true}
	default:
		return health.Status{Name: "ledgers", Detail: fmt.Sprintf("%d balance mismatches", last.Mismatches)}
	}
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(s.cfg.MaxRequestBytes))

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
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// userLogMiddleware tags the request logger with the authenticated caller.
// Runs after auth.Middleware.
func userLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := auth.UserID(c); uid != "" {
			c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), uid))
		}
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

	// V1 API group. Everything below requires a bearer token.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier), userLogMiddleware())

	// Money-moving writes are rate limited per caller.
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	limited := v1.Group("")
	limited.Use(s.rateLimiter.Middleware())

	booking.NewHandler(s.core.Bookings).RegisterProtectedRoutes(v1)
	wallet.NewHandler(s.core.Wallets).RegisterProtectedRoutes(limited)
	payment.NewHandler(s.core.Payments).RegisterProtectedRoutes(limited)

	escrowHandler := escrow.NewHandler(s.core.Escrows)
	escrowHandler.RegisterProtectedRoutes(v1)

	adminGroup := v1.Group("")
	adminGroup.Use(auth.RequireAdmin())
	escrowHandler.RegisterAdminRoutes(adminGroup)
	admin.NewHandler().
		WithSweeper(s.core.Sweeper).
		WithReconciler(s.core.Reconciler).
		WithOverdueLister(s.core.Bookings).
		RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   s.core.StorageLabel,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown. The overdue sweep is
// not started here; cmd/sweep or POST /v1/admin/sweep drives it.
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

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"storage", s.core.StorageLabel,
			"currency", s.cfg.Currency,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.core.DB != nil {
		go metrics.StartDBStatsCollector(runCtx, s.core.DB, 15*time.Second)
	}

	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if err := s.core.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else if s.core.DB != nil {
		s.logger.Info("database connection closed")
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
