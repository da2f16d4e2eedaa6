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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/rentescrow/internal/auth"
	"github.com/mbd888/rentescrow/internal/booking"
	"github.com/mbd888/rentescrow/internal/chain"
	"github.com/mbd888/rentescrow/internal/config"
	"github.com/mbd888/rentescrow/internal/escrow"
	"github.com/mbd888/rentescrow/internal/fees"
	"github.com/mbd888/rentescrow/internal/health"
	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/metrics"
	"github.com/mbd888/rentescrow/internal/ratelimit"
	"github.com/mbd888/rentescrow/internal/realtime"
	"github.com/mbd888/rentescrow/internal/reconciliation"
	"github.com/mbd888/rentescrow/internal/retry"
	"github.com/mbd888/rentescrow/internal/security"
	"github.com/mbd888/rentescrow/internal/syncutil"
	"github.com/mbd888/rentescrow/internal/traces"
	"github.com/mbd888/rentescrow/internal/validation"
	"github.com/mbd888/rentescrow/internal/verifier"
	"github.com/mbd888/rentescrow/internal/webhooks"
	"github.com/mbd888/rentescrow/migrations"
)

// Version is reported by /health and /api.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	chain       *chain.Client
	sim         *chain.SimulatedBackend // nil in rpc mode
	gateway     *reconciliation.Gateway
	bookings    *booking.Service
	engine      *reconciliation.Engine
	sweeper     *reconciliation.Sweeper
	tokens      *auth.Verifier
	realtimeHub *realtime.Hub
	webhooks    *webhooks.Dispatcher
	hookStore   webhooks.Store
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error
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

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic. Tests set it to zero.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewWithFile(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	schedule, err := fees.NewSchedule(cfg.FeePercent)
	if err != nil {
		return nil, err
	}
	policy, err := escrow.ParseReleasePolicy(cfg.ReleasePolicy)
	if err != nil {
		return nil, err
	}

	if err := s.setupChain(schedule, policy); err != nil {
		return nil, err
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		bookingStore booking.Store
		attemptStore reconciliation.AttemptStore
	)
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = s.chain.Close()
			return nil, err
		}
		s.db = db
		bookingStore = booking.NewPostgresStore(db)
		attemptStore = reconciliation.NewPostgresAttemptStore(db)
		s.hookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		bookingStore = booking.NewMemoryStore()
		attemptStore = reconciliation.NewMemoryAttemptStore()
		s.hookStore = webhooks.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, bookings are kept in memory")
	}

	// Booking service and reconciliation engine share one lock table so a
	// cancel and a validate on the same booking never interleave.
	locks := syncutil.NewKeyedMutex()
	operator := strings.ToLower(s.chain.Operator().Hex())
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.hookStore, s.logger)

	s.gateway = reconciliation.NewGateway(s.chain, cfg.ConfirmationTimeout)
	s.bookings = booking.NewService(bookingStore, s.gateway, booking.Config{
		Fees:        schedule,
		BillingUnit: cfg.BillingUnit,
		Operator:    operator,
	}, s.logger).WithLocker(locks).WithNotifier(booking.Notifiers{s.realtimeHub, s.webhooks})

	s.engine = reconciliation.NewEngine(s.bookings, attemptStore, verifier.New(s.chain, s.logger), s.gateway, reconciliation.Config{
		ContractAddress: common.HexToAddress(cfg.ContractAddress),
		Retry: retry.Policy{
			MaxAttempts: cfg.VerifyMaxAttempts,
			BaseDelay:   cfg.VerifyBaseDelay,
			Multiplier:  cfg.VerifyMultiplier,
			MaxDelay:    retry.DefaultPolicy().MaxDelay,
		},
		ReleasePolicy: policy,
		Operator:      operator,
	}, s.logger).WithLocker(locks)

	s.sweeper, err = reconciliation.NewSweeper(s.engine, cfg.ReconcileSchedule, s.logger)
	if err != nil {
		s.closeResources()
		return nil, err
	}

	s.tokens, err = s.tokenVerifier()
	if err != nil {
		s.closeResources()
		return nil, err
	}

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register(health.Database(s.db))
	}
	s.health.Register(health.Chain(s.chain.Head))

	// Setup Gin
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	s.logger.Info("server initialized",
		"chain_mode", cfg.ChainMode,
		"contract", cfg.ContractAddress,
		"operator", operator,
		"fee_percent", cfg.FeePercent,
		"release_policy", policy,
	)
	return s, nil
}

func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// tokenVerifier builds the JWT verifier. Development servers without a
// secret get a random one; tokens then come only from the dev endpoint.
func (s *Server) tokenVerifier() (*auth.Verifier, error) {
	secret := s.cfg.JWTSecret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate jwt secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		s.logger.Warn("JWT_SECRET not set, using an ephemeral secret")
	}
	return auth.NewVerifier(secret, "rentescrow")
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

	// Request ID and request-scoped logger
	s.router.Use(s.requestIDMiddleware())

	// Security headers
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Token parsing runs before rate limiting so callers are keyed by address
	s.router.Use(auth.Middleware(s.tokens))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(1, s.cfg.RateLimitRPM/6),
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	// WebSocket for booking transitions
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	bookingHandler := booking.NewHandler(s.bookings)
	reconHandler := reconciliation.NewHandler(s.engine, s.gateway)

	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES: lookups, quotes and payment evidence, which is
	// verified on-chain rather than trusted
	bookingHandler.RegisterRoutes(v1)
	reconHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require a bearer token)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	bookingHandler.RegisterProtectedRoutes(protected)
	reconHandler.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.hookStore, s.webhooks).RegisterRoutes(protected)

	// Local tooling for the in-process chain
	if s.sim != nil && !s.cfg.IsProduction() {
		s.registerDevRoutes(v1.Group("/dev"))
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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
	report := s.health.CheckAll(c.Request.Context())
	if !report.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": report.Checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "health": report.Status})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":             "rentescrow",
		"description":      "Rental booking escrow with on-chain payment reconciliation",
		"version":          Version,
		"chainMode":        s.cfg.ChainMode,
		"chainId":          s.cfg.ChainID,
		"contractAddress":  s.chain.ContractAddress().Hex(),
		"operator":         s.chain.Operator().Hex(),
		"feePercent":       s.cfg.FeePercent,
		"releasePolicy":    s.cfg.ReleasePolicy,
		"minConfirmations": s.chain.MinConfirmations(),
		"billingUnit":      s.cfg.BillingUnit.String(),
		"currency":         booking.DefaultCurrency,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers: realtime hub, reconciliation
// sweeper, chain head and database collectors, and block production on a
// simulated chain. They stop when ctx is cancelled or on Shutdown.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	go metrics.StartChainHeadCollector(runCtx, s.chain.Head, 15*time.Second)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	if s.sim != nil {
		go s.sim.MineEvery(runCtx, simBlockInterval)
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Validate may wait out the verification backoff
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop the sweeper before cancelling so an in-flight sweep finishes
	s.sweeper.Stop()
	s.logger.Info("reconciliation sweeper stopped")

	// Cancel the context for all background goroutines (hub, collectors, miner)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Let in-flight webhook deliveries finish
	s.webhooks.Close()

	if s.shutdownTraces != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
		cancel()
	}

	s.closeResources()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeResources() {
	if s.chain != nil {
		if err := s.chain.Close(); err != nil {
			s.logger.Error("chain client close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Tokens returns the caller token verifier, for local tooling and tests.
func (s *Server) Tokens() *auth.Verifier {
	return s.tokens
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
