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
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	ops "github.com/mbd888/rideshare/internal/admin"
	"github.com/mbd888/rideshare/internal/auth"
	"github.com/mbd888/rideshare/internal/booking"
	"github.com/mbd888/rideshare/internal/cache"
	"github.com/mbd888/rideshare/internal/circuitbreaker"
	"github.com/mbd888/rideshare/internal/config"
	"github.com/mbd888/rideshare/internal/earnings"
	"github.com/mbd888/rideshare/internal/health"
	"github.com/mbd888/rideshare/internal/idempotency"
	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/logging"
	"github.com/mbd888/rideshare/internal/metrics"
	"github.com/mbd888/rideshare/internal/notify"
	"github.com/mbd888/rideshare/internal/otp"
	"github.com/mbd888/rideshare/internal/outbox"
	"github.com/mbd888/rideshare/internal/payments"
	"github.com/mbd888/rideshare/internal/ratelimit"
	"github.com/mbd888/rideshare/internal/realtime"
	"github.com/mbd888/rideshare/internal/receipts"
	"github.com/mbd888/rideshare/internal/reconciliation"
	"github.com/mbd888/rideshare/internal/rides"
	"github.com/mbd888/rideshare/internal/security"
	"github.com/mbd888/rideshare/internal/syncutil"
	"github.com/mbd888/rideshare/internal/traces"
	"github.com/mbd888/rideshare/internal/validation"
	"github.com/mbd888/rideshare/internal/webhooks"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	authMgr        *auth.Manager
	rides          *rides.Service
	ledger         *ledger.Ledger
	payments       *payments.Service
	bookings       *booking.Service
	earnings       *earnings.Service
	otp            *otp.Service
	receipts       *receipts.Service
	webhookStore   webhooks.Store
	webhooks       *webhooks.Dispatcher
	realtimeHub    *realtime.Hub
	queue          *outbox.Queue
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	idempotency    *idempotency.Middleware
	gateway        payments.Gateway
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry

	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil without REDIS_URL
	cache         cache.Cache
	locker        syncutil.Locker
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
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

// WithGateway replaces the configured payment gateway (for testing)
func WithGateway(gw payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// stores groups the persistence layer so memory and Postgres modes share
// one wiring path.
type stores struct {
	rides    rides.Store
	ledger   ledger.Store
	bookings booking.Store
	earnings earnings.Store
	outbox   outbox.Store
	webhooks webhooks.Store
	receipts receipts.Store
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st stores
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
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.checks.RegisterPing("database", db.PingContext)
		st = stores{
			rides:    rides.NewPostgresStore(db),
			ledger:   ledger.NewPostgresStore(db),
			bookings: booking.NewPostgresStore(db),
			earnings: earnings.NewPostgresStore(db),
			outbox:   outbox.NewPostgresStore(db),
			webhooks: webhooks.NewPostgresStore(db),
			receipts: receipts.NewPostgresStore(db),
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		rideStore := rides.NewMemoryStore()
		st = stores{
			rides:    rideStore,
			ledger:   ledger.NewMemoryStore(),
			bookings: booking.NewMemoryStore(rideStore),
			earnings: earnings.NewMemoryStore(),
			outbox:   outbox.NewMemoryStore(),
			webhooks: webhooks.NewMemoryStore(),
			receipts: receipts.NewMemoryStore(),
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Cache and locks (Redis when configured, otherwise in-process)
	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		rc := cache.NewRedisCache(client)
		s.cache = rc
		s.checks.RegisterPing("redis", rc.Ping)
		s.logger.Info("using Redis cache", "url", maskDSN(cfg.RedisURL))
	} else {
		s.cache = cache.NewMemoryCache(time.Minute)
	}
	if cfg.LockBackend == "redis" {
		s.locker = syncutil.NewRedisLocker(s.redis, cfg.LockTTL)
		s.logger.Info("using Redis locks", "ttl", cfg.LockTTL)
	} else {
		s.locker = syncutil.NewKeyedMutex()
	}

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.wire(st); err != nil {
		return nil, err
	}

	// Setup router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	validation.Register()
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// wire builds the services on top of the stores. Every service notifies
// through the outbox so a notification is never lost to a crash between
// commit and delivery.
func (s *Server) wire(st stores) error {
	cfg := s.cfg
	loc := cfg.Location()

	s.queue = outbox.NewQueue(st.outbox, outbox.Options{Interval: cfg.OutboxInterval}, s.logger)
	s.checks.Register("outbox", func(context.Context) health.Status {
		return health.Status{Name: "outbox", Healthy: s.queue.Running() || !s.ready.Load()}
	})
	notifier := outbox.Notifier{Queue: s.queue}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhookStore = st.webhooks
	s.webhooks = webhooks.NewDispatcher(st.webhooks).WithPublisher(s.queue)

	gateway, err := s.buildGateway()
	if err != nil {
		return err
	}

	s.authMgr = auth.NewManager(cfg.JWTSecret, 0)

	s.rides = rides.NewService(st.rides, s.locker).
		WithNotifier(notifier).
		WithLockTimeout(cfg.LockTimeout).
		WithLocation(loc)

	s.ledger = ledger.New(st.ledger, s.locker).
		WithNotifier(notifier).
		WithLockTimeout(cfg.LockTimeout).
		WithCheckout(payments.TopUpCheckout(gateway))

	s.payments = payments.NewService(st.ledger, s.rides, gateway, payments.NewSigner(cfg.PaymentSigningSecret)).
		WithNotifier(notifier)

	s.bookings = booking.NewService(st.bookings, st.rides, s.ledger, s.payments, s.locker).
		WithEvents(s.queue).
		WithNotifier(notifier).
		WithLockTimeout(cfg.LockTimeout)

	pct, err := decimal.NewFromString(cfg.CommissionPercent)
	if err != nil {
		return fmt.Errorf("invalid COMMISSION_PERCENT %q: %w", cfg.CommissionPercent, err)
	}
	s.earnings = earnings.NewService(st.earnings, pct).
		WithMinPayout(cfg.MinPayoutPaise).
		WithNotifier(notifier)

	s.otp = otp.NewService(s.cache).
		WithTTL(cfg.OTPTTL).
		WithLocker(s.locker).
		WithNotifier(notifier).
		WithEcho(cfg.IsDevelopment())

	s.receipts = receipts.NewService(st.receipts, receipts.NewSigner(cfg.ReceiptSecret)).WithLocation(loc)
	s.idempotency = idempotency.New(s.cache, 24*time.Hour)

	s.reconciler = reconciliation.NewRunner(st.ledger, st.rides, st.bookings, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	// Outbox topics
	s.queue.Handle(outbox.TopicNotification, outbox.DeliverNotifications(notify.Fanout{
		notify.LogSink{Logger: s.logger},
		s.realtimeHub,
		s.webhooks,
	}))
	s.queue.Handle(outbox.TopicEarningsAccrue, s.earnings.AccrueHandler())
	s.queue.Handle(outbox.TopicEarningsReverse, s.earnings.ReverseHandler())
	s.queue.Handle(outbox.TopicWalletRefund, s.bookings.RefundHandler())
	s.queue.Handle(outbox.TopicWebhookDelivery, s.webhooks.DeliveryHandler())

	return nil
}

func (s *Server) buildGateway() (payments.Gateway, error) {
	if s.gateway != nil {
		return s.gateway, nil
	}
	switch s.cfg.PaymentProvider {
	case "STRIPE":
		s.logger.Info("using Stripe payment gateway")
		return payments.NewResilientGateway(
			payments.NewStripeGateway(s.cfg.StripeSecretKey),
			circuitbreaker.New(5, 30*time.Second),
		), nil
	case "SIM":
		s.logger.Warn("using simulated payment gateway")
		return payments.SimulatedGateway{}, nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", s.cfg.PaymentProvider)
	}
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

	// CORS
	s.router.Use(security.CORS(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(s.cfg.RateLimitRPS),
		BurstSize:         s.cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Tracing
	s.router.Use(traces.Middleware())

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
	// Health and metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Live notifications
	s.router.GET("/ws", auth.Middleware(s.authMgr), s.realtimeHub.Handle)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	// Public: ride search, gateway callbacks, receipt verification
	authHandler := auth.NewHandler(s.authMgr, s.cfg.IsDevelopment())
	authHandler.RegisterRoutes(v1)

	rideHandler := rides.NewHandler(s.rides)
	rideHandler.RegisterRoutes(v1)

	walletHandler := ledger.NewHandler(s.ledger, s.logger)
	if s.cfg.GatewayWebhookSecret != "" {
		walletHandler = walletHandler.WithCallbackVerifier(payments.NewSigner(s.cfg.GatewayWebhookSecret).VerifyBody)
	}
	walletHandler.RegisterRoutes(v1)

	paymentHandler := payments.NewHandler(s.payments, s.logger).
		WithStripeWebhook(s.cfg.StripeWebhookKey, s.ledger).
		WithSimulation(s.cfg.PaymentProvider == "SIM" && !s.cfg.IsProduction())
	paymentHandler.RegisterRoutes(v1)

	receiptHandler := receipts.NewHandler(s.receipts)
	receiptHandler.RegisterRoutes(v1)

	// Signed-in user
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())

	authHandler.RegisterProtectedRoutes(protected)
	rideHandler.RegisterProtectedRoutes(protected)
	walletHandler.RegisterProtectedRoutes(protected)
	paymentHandler.RegisterProtectedRoutes(protected)

	booking.NewHandler(s.bookings, s.logger).
		WithReceipts(s.receipts.Render).
		WithIdempotency(s.idempotency.Handler()).
		RegisterProtectedRoutes(protected)

	earnings.NewHandler(s.earnings).RegisterProtectedRoutes(protected)
	otp.NewHandler(s.otp).RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.webhookStore, s.cfg.IsProduction()).RegisterProtectedRoutes(protected)

	// Operators
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
	ops.NewHandler().
		WithPayments(s.ledger).
		WithOutbox(s.queue).
		WithRealtime(s.realtimeHub).
		RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the response for health checks
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
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"payments", s.cfg.PaymentProvider,
			"locks", s.cfg.LockBackend,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start outbox worker
	go s.queue.Start(runCtx)

	// Start reconciliation timer
	go s.reconcileTimer.Start(runCtx)

	// Pool and runtime gauges
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

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

	// Cancel the context for all background goroutines (hub, outbox, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop the outbox worker before closing the pool it reads from
	s.queue.Stop()
	s.logger.Info("outbox worker stopped")

	s.reconcileTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Closes the Redis client too when the cache is Redis-backed
	if err := s.cache.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		s.logger.Error("cache close error", "error", err)
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace flush error", "error", err)
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
