// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/subtle"
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

	"github.com/launchbay/launchbay/internal/circuitbreaker"
	"github.com/launchbay/launchbay/internal/conditions"
	"github.com/launchbay/launchbay/internal/config"
	"github.com/launchbay/launchbay/internal/dispute"
	"github.com/launchbay/launchbay/internal/escrow"
	"github.com/launchbay/launchbay/internal/gateway"
	"github.com/launchbay/launchbay/internal/health"
	"github.com/launchbay/launchbay/internal/idgen"
	"github.com/launchbay/launchbay/internal/ingest"
	"github.com/launchbay/launchbay/internal/ledger"
	"github.com/launchbay/launchbay/internal/logging"
	"github.com/launchbay/launchbay/internal/metrics"
	"github.com/launchbay/launchbay/internal/notify"
	"github.com/launchbay/launchbay/internal/platform"
	"github.com/launchbay/launchbay/internal/ratelimit"
	"github.com/launchbay/launchbay/internal/security"
	"github.com/launchbay/launchbay/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	gateway       gateway.Gateway
	events        *ledger.Ledger
	platforms     *platform.Service
	disputes      *dispute.Manager
	notifier      notify.Notifier
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	ingestor      *ingest.Ingestor
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway injects a payment gateway (used in tests)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithNotifier injects a notifier (used in tests)
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// New creates a server with all dependencies wired.
// Storage is PostgreSQL when DATABASE_URL is set, in-memory otherwise.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	var (
		escrowStore    escrow.Store
		platformStore  platform.Store
		disputeStore   dispute.Store
		ledgerStore    ledger.Store
		processedStore ingest.ProcessedStore
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
		escrowStore = escrow.NewPostgresStore(db)
		platformStore = platform.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		processedStore = ingest.NewPostgresProcessedStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		escrowStore = escrow.NewMemoryStore()
		platformStore = platform.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		processedStore = ingest.NewMemoryProcessedStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.events = ledger.New(ledgerStore)
	s.platforms = platform.NewService(platformStore)
	s.disputes = dispute.NewManager(disputeStore, s.events)
	checker := conditions.NewEvaluator(s.platforms, s.disputes)

	// Payment gateway: Stripe when configured, deterministic mock otherwise.
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = gateway.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
			s.logger.Info("stripe gateway enabled")
		} else {
			secret := cfg.StripeWebhookSecret
			if secret == "" {
				secret = "whsec_mock"
			}
			s.gateway = gateway.NewMock(secret)
			s.logger.Warn("STRIPE_SECRET_KEY not set, using mock gateway")
		}
	}

	// Wrap gateway calls with a circuit breaker so a processor outage fails
	// fast instead of tying up request handlers.
	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("gateway circuit state changed", "op", key, "from", from.String(), "to", to.String())
	})
	guarded := gateway.NewGuard(s.gateway, breaker)

	s.checks.Register("gateway", func(ctx context.Context) health.Status {
		for _, op := range []string{"create_hold", "capture", "transfer", "refund"} {
			if breaker.State(op) == circuitbreaker.StateOpen {
				return health.Status{Name: "gateway", Healthy: false, Detail: op + " circuit open"}
			}
		}
		return health.Status{Name: "gateway", Healthy: true}
	})

	// Outbound notifications
	if s.notifier == nil {
		if cfg.NotifyWebhookURL != "" {
			s.notifier = notify.NewHTTPNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, s.logger)
			s.logger.Info("webhook notifications enabled", "url", cfg.NotifyWebhookURL)
		} else {
			s.notifier = notify.NewSlogNotifier(s.logger)
		}
	}

	policy := escrow.Policy{
		FeeBps:            cfg.FeeBps,
		MinAmountMinor:    cfg.MinAmountMinor,
		HoldPeriod:        cfg.HoldPeriod,
		GracePeriod:       cfg.GracePeriod,
		MaxHoldExtensions: cfg.MaxHoldExtensions,
		SupportRecipient:  cfg.SupportRecipient,
	}
	s.escrowService = escrow.NewService(escrowStore, guarded, s.platforms, s.disputes,
		checker, s.events, s.notifier, policy, s.logger)
	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, s.logger)
	s.ingestor = ingest.NewIngestor(guarded, s.escrowService, processedStore, s.logger)

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

// Router exposes the configured gin engine (used in tests)
func (s *Server) Router() *gin.Engine {
	return s.router
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
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
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
			requestID = idgen.Hex(8)
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

// adminOnly gates admin operations on the shared admin secret. In development
// with no secret configured the gate is open so local testing works.
func (s *Server) adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Admin operations are not configured",
				})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required",
			})
			return
		}
		c.Next()
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
	s.router.GET("/", s.infoHandler)

	// Inbound payment processor webhooks
	ingest.NewHandler(s.ingestor).RegisterRoutes(s.router)

	// V1 API group
	v1 := s.router.Group("/v1")
	escrow.NewHandler(s.escrowService).RegisterRoutes(v1, s.adminOnly())
	dispute.NewHandler(s.disputes).RegisterRoutes(v1)
	platform.NewHandler(s.platforms).RegisterRoutes(v1)
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

	ok, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
		"name":        "LaunchBay",
		"description": "Escrow settlement for marketplace platform purchases",
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start automatic-release timer
	go s.escrowTimer.Start(runCtx)

	// Export database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for background goroutines (timer, stats collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.logger.Info("release timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("failed to close database", "error", err)
		}
	}

	s.healthy.Store(false)
	s.logger.Info("shutdown complete")
	return nil
}
