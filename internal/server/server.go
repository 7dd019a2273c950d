// Package server assembles the escrowd HTTP API.
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

	"github.com/digivault/escrowd/internal/auth"
	"github.com/digivault/escrowd/internal/config"
	"github.com/digivault/escrowd/internal/escrow"
	"github.com/digivault/escrowd/internal/gateway"
	"github.com/digivault/escrowd/internal/idgen"
	"github.com/digivault/escrowd/internal/logging"
	"github.com/digivault/escrowd/internal/metrics"
	"github.com/digivault/escrowd/internal/ratelimit"
	"github.com/digivault/escrowd/internal/security"
	"github.com/digivault/escrowd/internal/settlement"
	"github.com/digivault/escrowd/internal/traces"
	"github.com/digivault/escrowd/internal/validation"
)

// Version is reported by the health endpoint. Set at build time.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	backend       *Backend
	gateway       gateway.Gateway
	authMgr       *auth.Manager
	escrowService *escrow.Service
	engine        *settlement.Engine
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger

	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc

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

// WithGateway replaces the configured payment gateway (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithBackend uses an already opened backend instead of connecting.
func WithBackend(b *Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, "escrowd", s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	if s.backend == nil {
		b, err := OpenBackend(ctx, cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.backend = b
	}

	if s.gateway == nil {
		gw, err := gateway.New(cfg.Gateway(), s.logger)
		if err != nil {
			return nil, err
		}
		s.gateway = gw
	}

	secret := cfg.JWTSecret
	if secret == "" {
		// Validate refuses this in production.
		secret = idgen.Hex(32)
		s.logger.Warn("JWT_SECRET not set, using an ephemeral signing key")
	}
	s.authMgr = auth.NewManager(secret, cfg.JWTTTL)

	s.escrowService = escrow.NewService(s.backend.Store, s.gateway, s.backend.Settings, s.logger).
		WithNotifier(s.backend.Notifier).
		WithRedirectURLs(cfg.PaymentSuccessURL, cfg.PaymentFailureURL)
	s.engine = s.backend.Engine(cfg, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// callerKey charges authenticated callers by user id and everyone else by IP.
func callerKey(c *gin.Context) string {
	if id := auth.GetUserID(c); id != "" {
		return "user:" + id
	}
	return "ip:" + c.ClientIP()
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	escrowHandler := escrow.NewHandler(s.escrowService, s.gateway)
	settlementHandler := settlement.NewHandler(s.engine)

	v1 := s.router.Group("/v1", auth.Middleware(s.authMgr))

	// Payment provider callbacks authenticate by signature.
	escrowHandler.RegisterRoutes(v1)

	if !s.cfg.IsProduction() {
		auth.NewHandler(s.authMgr).RegisterDevRoutes(v1)
	}

	internal := v1.Group("/internal", auth.RequireSchedulerSecret(s.cfg.CronSecret, s.cfg.IsProduction()))
	settlementHandler.RegisterInternalRoutes(internal)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		BurstSize:         max(s.cfg.RateLimitPerMinute/6, 1),
	})
	protected := v1.Group("", auth.RequireAuth(), s.rateLimiter.Middleware(callerKey))
	escrowHandler.RegisterProtectedRoutes(protected)
	settlementHandler.RegisterProtectedRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Storage   string `json:"storage"`
	Checks    any    `json:"checks,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	rep := s.backend.Health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	switch {
	case !rep.Ready:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case rep.Degraded:
		status = "degraded"
	}
	storage := "postgres"
	if s.backend.DB == nil {
		storage = "memory"
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   storage,
		Checks:    rep.Checks,
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
	if rep := s.backend.Health.CheckAll(c.Request.Context()); !rep.Ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": rep.Checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until ctx is done, a signal
// arrives or the listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.backend.DB != nil {
		go metrics.StartDBStatsCollector(runCtx, s.backend.DB, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown drains in-flight requests and closes every backend connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.backend.Close(s.logger)

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
