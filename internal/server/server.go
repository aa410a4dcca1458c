// Package server wires the escrow engine's dependencies together and
// exposes them over HTTP.
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
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/creatorpay/escrow-engine/internal/audit"
	"github.com/creatorpay/escrow-engine/internal/config"
	"github.com/creatorpay/escrow-engine/internal/escrow"
	"github.com/creatorpay/escrow-engine/internal/health"
	"github.com/creatorpay/escrow-engine/internal/logging"
	"github.com/creatorpay/escrow-engine/internal/metrics"
	"github.com/creatorpay/escrow-engine/internal/notify"
	"github.com/creatorpay/escrow-engine/internal/payout"
	"github.com/creatorpay/escrow-engine/internal/platformclient"
	"github.com/creatorpay/escrow-engine/internal/providerstripe"
	"github.com/creatorpay/escrow-engine/internal/ratelimit"
	"github.com/creatorpay/escrow-engine/internal/security"
	"github.com/creatorpay/escrow-engine/internal/traces"
	"github.com/creatorpay/escrow-engine/internal/validation"
	"github.com/creatorpay/escrow-engine/internal/webhookingest"
)

// Server wires the engine's services to gin and owns the process lifecycle.
type Server struct {
	cfg *config.Config

	db *sql.DB // nil if using in-memory stores

	escrowSvc      *escrow.Service
	escrowHandler  *escrow.Handler
	scheduler      *escrow.Scheduler
	payoutMgr      *payout.Manager
	payoutHandler  *payout.Handler
	webhookHandler *webhookingest.Handler
	healthRegistry *health.Registry
	rateLimiter    *ratelimit.Limiter

	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	cancelRunCtx   context.CancelFunc
	tracerShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New constructs a Server from cfg, wiring Postgres-backed stores when
// cfg.DatabaseURL is set and in-memory stores otherwise.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, logger: logging.New(cfg.LogLevel, "json")}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)

	ctx := context.Background()

	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	var (
		escrowStore  escrow.Store
		auditLog     audit.Logger
		notifyStore  notify.Store
		payoutStore  payout.Store
		webhookStore webhookingest.Store
	)

	if cfg.DatabaseURL != "" {
		dsn := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		escrowStore = escrow.NewPostgresStore(db)
		auditLog = audit.NewPostgresLogger(db)
		notifyStore = notify.NewPostgresStore(db)
		payoutStore = payout.NewPostgresStore(db)
		webhookStore = webhookingest.NewPostgresStore(db)
	} else {
		s.logger.Warn("DATABASE_URL not set — using in-memory stores")
		escrowStore = escrow.NewMemoryStore()
		auditLog = audit.NewMemoryLogger()
		notifyStore = notify.NewMemoryStore()
		payoutStore = payout.NewMemoryStore()
		webhookStore = webhookingest.NewMemoryStore()
	}

	providerAdapter := providerstripe.New(cfg.ProviderSecretKey, cfg.FrontendURL)
	platform := platformclient.New(cfg.PlatformServiceURL)
	notifier := notify.New(notifyStore, s.logger)

	s.payoutMgr = payout.New(payoutStore, providerAdapter, platform, s.logger)
	s.payoutHandler = payout.NewHandler(s.payoutMgr, providerAdapter)

	s.escrowSvc = escrow.NewService(escrowStore, auditLog, notifier, providerAdapter, s.payoutMgr, platform, platform, s.logger, escrow.Config{
		FeeRate:               cfg.FeeRate,
		DefaultCurrency:       cfg.Currency,
		DefaultInspectionDays: cfg.AutoReleaseDays,
	})
	s.escrowHandler = escrow.NewHandler(s.escrowSvc)
	s.scheduler = escrow.NewScheduler(s.escrowSvc, cfg.SchedulerInterval, s.logger)
	s.webhookHandler = webhookingest.NewHandler(cfg.ProviderSecretKey, webhookStore, s.escrowSvc, s.logger)

	s.healthRegistry = health.NewRegistry()
	if s.db != nil {
		s.healthRegistry.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"ok":    false,
			"error": gin.H{"kind": "internal", "message": "an unexpected error occurred"},
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("")
	s.escrowHandler.RegisterRoutes(api)
	s.payoutHandler.RegisterRoutes(api)
	s.webhookHandler.RegisterRoutes(api)
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.healthRegistry.CheckAll(c.Request.Context())
	status := http.StatusOK
	statusText := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusText = "degraded"
	}
	c.JSON(status, gin.H{"status": statusText, "checks": checks, "timestamp": time.Now().UTC().Format(time.RFC3339)})
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
	healthy, checks := s.healthRegistry.CheckAll(c.Request.Context())
	status := http.StatusOK
	statusText := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusText = "degraded"
	}
	c.JSON(status, gin.H{"status": statusText, "checks": checks})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP server and background jobs, blocking until a
// shutdown signal or context cancellation, then gracefully shuts down.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.scheduler.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the HTTP server and background jobs.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		} else {
			s.logger.Info("tracer shutdown complete")
		}
	}

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

// appendDSNParams adds connect_timeout and statement_timeout to a
// PostgreSQL DSN.
func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
