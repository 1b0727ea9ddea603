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

	"github.com/taskup/backend/internal/auth"
	"github.com/taskup/backend/internal/config"
	"github.com/taskup/backend/internal/escrow"
	"github.com/taskup/backend/internal/gdpr"
	"github.com/taskup/backend/internal/health"
	"github.com/taskup/backend/internal/logging"
	"github.com/taskup/backend/internal/metrics"
	"github.com/taskup/backend/internal/payments"
	"github.com/taskup/backend/internal/ratelimit"
	"github.com/taskup/backend/internal/reconcile"
	"github.com/taskup/backend/internal/security"
	"github.com/taskup/backend/internal/tasks"
	"github.com/taskup/backend/internal/traces"
	"github.com/taskup/backend/internal/validation"
	"github.com/taskup/backend/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg              *config.Config
	authMgr          *auth.Manager
	ledger           *wallet.Ledger
	taskService      *tasks.Service
	escrowService    *escrow.Service
	paymentService   *payments.Service
	reconcileService *reconcile.Service
	gdprService      *gdpr.Service
	gateway          payments.Gateway
	rateLimiter      *ratelimit.Limiter
	healthReg        *health.Registry
	db               *sql.DB // nil if using in-memory
	router           *gin.Engine
	httpSrv          *http.Server
	logger           *slog.Logger
	tracerShutdown   func(context.Context) error
	cancelRunCtx     context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		userStore   auth.Store
		walletStore wallet.Store
		taskStore   tasks.Store
		paymentRefs payments.Store
		eventStore  reconcile.EventStore
		gdprStore   gdpr.Store
	)
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
		userStore = auth.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		taskStore = tasks.NewPostgresStore(db)
		paymentRefs = payments.NewPostgresStore(db)
		eventStore = reconcile.NewPostgresEventStore(db)
		gdprStore = gdpr.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		userStore = auth.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		taskStore = tasks.NewMemoryStore()
		paymentRefs = payments.NewMemoryStore()
		eventStore = reconcile.NewMemoryEventStore()
		gdprStore = gdpr.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Core services
	s.authMgr = auth.NewManager(userStore, []byte(cfg.JWTSecret), cfg.JWTIssuer, 24*time.Hour)
	s.ledger = wallet.New(walletStore, s.logger)
	s.taskService = tasks.NewService(taskStore, s.logger)
	s.escrowService = escrow.NewService(
		&escrowTasksAdapter{s.taskService},
		s.ledger,
		cfg.FeeRateBPS,
		cfg.CashbackRateBPS,
		cfg.Currency,
		s.logger,
	)
	s.logger.Info("escrow enabled", "fee_bps", cfg.FeeRateBPS, "cashback_bps", cfg.CashbackRateBPS)

	// Payment gateway (Stripe unless injected). Without a key the deposit,
	// payout and onboarding endpoints are disabled; the internal ledger
	// still works for demos.
	if s.gateway == nil && cfg.StripeSecretKey != "" {
		s.gateway = payments.NewStripeGateway(cfg.StripeSecretKey, cfg.Currency)
	}
	if s.gateway != nil {
		s.paymentService = payments.NewService(
			s.gateway,
			paymentRefs,
			s.ledger,
			&userDirectoryAdapter{s.authMgr},
			cfg.Currency,
			s.logger,
		)
		s.reconcileService = reconcile.NewService(s.ledger, eventStore, paymentRefs, s.logger)
		s.logger.Info("payment gateway enabled")
	} else {
		s.logger.Warn("no payment gateway configured, deposit and payout endpoints disabled")
	}

	// Privacy flows with data export sections from each owning service
	s.gdprService = gdpr.NewService(gdprStore, &gdprUsersAdapter{s.authMgr}, s.logger)
	s.registerExportSections()

	// Admin refunds and gateway reversals land on the privacy audit trail.
	s.escrowService.SetAuditLog(s.gdprService)
	if s.paymentService != nil {
		s.paymentService.SetAuditLog(s.gdprService)
	}

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.healthReg.Register("storage", func(ctx context.Context) health.Status {
			return health.Status{Name: "storage", Healthy: true, Detail: "in-memory"}
		})
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

// registerExportSections wires each data-owning service into the GDPR
// data export document.
func (s *Server) registerExportSections() {
	s.gdprService.AddExportSection("profile", func(ctx context.Context, userID string) (any, error) {
		return s.authMgr.GetUser(ctx, userID)
	})
	s.gdprService.AddExportSection("wallet", func(ctx context.Context, userID string) (any, error) {
		return s.ledger.GetOrCreate(ctx, userID, s.cfg.Currency)
	})
	s.gdprService.AddExportSection("transactions", func(ctx context.Context, userID string) (any, error) {
		acc, err := s.ledger.GetOrCreate(ctx, userID, s.cfg.Currency)
		if err != nil {
			return nil, err
		}
		return s.ledger.History(ctx, acc.ID, 200, 0)
	})
	s.gdprService.AddExportSection("tasks", func(ctx context.Context, userID string) (any, error) {
		return s.taskService.ListByUser(ctx, userID, 100)
	})
	s.gdprService.AddExportSection("cookieConsent", func(ctx context.Context, userID string) (any, error) {
		return s.gdprService.LatestConsent(ctx, userID)
	})
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
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
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

	// Payment gateway webhooks. Authenticated by signature, not by token,
	// so they live outside the v1 group.
	if s.reconcileService != nil && s.cfg.StripeWebhookSecret != "" {
		reconcile.NewHandler(s.reconcileService, s.cfg.StripeWebhookSecret, s.logger).RegisterRoutes(s.router)
		s.logger.Info("payment webhooks enabled")
	}

	// V1 API group. The auth middleware parses bearer tokens when present;
	// RequireAuth gates the protected subtree.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(validation.TaskIDParamMiddleware())

	authHandler := auth.NewHandler(s.authMgr, s.logger)
	authHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		authHandler.RegisterProtectedRoutes(protected)
		wallet.NewHandler(s.ledger, s.cfg.Currency, s.logger).RegisterRoutes(protected)
		tasks.NewHandler(s.taskService, s.cfg.Currency).RegisterRoutes(protected)
		escrow.NewHandler(s.escrowService).RegisterRoutes(protected)
		gdpr.NewHandler(s.gdprService, s.logger).RegisterRoutes(protected)

		if s.paymentService != nil {
			payments.NewHandler(s.paymentService, s.cfg.Currency).RegisterRoutes(protected)
		}
	}

	// Operator surface, shared-secret guarded. Disabled unless configured.
	if s.cfg.AdminAPISecret != "" {
		admin := v1.Group("/admin")
		admin.Use(auth.AdminAuth(s.cfg.AdminAPISecret))
		escrow.NewHandler(s.escrowService).RegisterAdminRoutes(admin)
		if s.paymentService != nil {
			payments.NewHandler(s.paymentService, s.cfg.Currency).RegisterAdminRoutes(admin)
		}
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "TaskUp",
		"description": "Task marketplace with escrow wallet payments",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
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

	// Tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	shutdown, err := traces.Init(runCtx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracerShutdown = shutdown
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Sample DB pool stats into Prometheus gauges
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush traces
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
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
