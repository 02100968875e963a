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
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/homeserv/internal/admin"
	"github.com/mbd888/homeserv/internal/config"
	"github.com/mbd888/homeserv/internal/health"
	"github.com/mbd888/homeserv/internal/jobs"
	"github.com/mbd888/homeserv/internal/ledger"
	"github.com/mbd888/homeserv/internal/logging"
	"github.com/mbd888/homeserv/internal/matching"
	"github.com/mbd888/homeserv/internal/metrics"
	"github.com/mbd888/homeserv/internal/outbox"
	"github.com/mbd888/homeserv/internal/payment"
	"github.com/mbd888/homeserv/internal/pricing"
	"github.com/mbd888/homeserv/internal/processor"
	"github.com/mbd888/homeserv/internal/realtime"
	"github.com/mbd888/homeserv/internal/scheduler"
	"github.com/mbd888/homeserv/internal/security"
	"github.com/mbd888/homeserv/internal/traces"
	"github.com/mbd888/homeserv/internal/wallet"
	"github.com/mbd888/homeserv/internal/webhooks"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	ledger       *ledger.Ledger
	wallets      *wallet.Manager
	payments     *payment.Orchestrator
	gate         *webhooks.Gate
	sandbox      *processor.Sandbox // nil unless PAYMENT_GATEWAY=sandbox
	pricingRules pricing.RuleStore
	estimator    pricing.Estimator
	directory    matching.Directory
	matcher      *matching.Matcher
	jobs         *jobs.Service

	relay       *outbox.Relay
	realtimeHub *realtime.Hub
	loops       []*scheduler.Loop
	health      *health.Registry

	db       *sql.DB // nil if using in-memory
	redis    *redis.Client
	amqpConn *amqp.Connection

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

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
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st *stores
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		st = s.postgresStores(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		st = s.memoryStores()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if n, err := seedPricingRules(ctx, st.pricing); err != nil {
		s.logger.Warn("failed to seed pricing rules", "error", err)
	} else if n > 0 {
		s.logger.Info("seeded default pricing rules", "count", n)
	}

	s.buildDomain(st)
	s.logger.Info("payment gateway configured", "gateway", cfg.Gateway, "currency", cfg.Currency)

	if err := s.buildEvents(st); err != nil {
		s.closeConnections()
		return nil, err
	}
	if err := s.buildScheduler(); err != nil {
		s.closeConnections()
		return nil, err
	}
	s.registerHealthChecks()

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
	// Request ID first so every later log line carries it
	s.router.Use(logging.RequestMiddleware(s.logger))
	s.router.Use(logging.Recovery())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.AccessLog())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	health.NewHandler(s.health, Version, &s.healthy, &s.ready).RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time job and payment events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	jobsHandler := jobs.NewHandler(s.jobs)
	jobsHandler.RegisterRoutes(v1)

	matching.NewHandler(s.directory, s.matcher).RegisterRoutes(v1)
	pricingHandler := pricing.NewHandler(s.pricingRules, s.estimator)
	pricingHandler.RegisterRoutes(v1)
	payment.NewHandler(s.payments).RegisterRoutes(v1)
	wallet.NewHandler(s.wallets).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)

	// Gateway notifications (and the sandbox checkout in development)
	webhookHandler := webhooks.NewHandler(s.gate).WithStripeSecret(s.cfg.StripeWebhookSecret)
	if s.sandbox != nil {
		webhookHandler.WithSandbox(s.sandbox)
	}
	webhookHandler.RegisterRoutes(v1)

	// Operator routes
	adm := v1.Group("/admin")
	adm.Use(security.RequireAdminToken(s.cfg.AdminToken))
	jobsHandler.RegisterAdminRoutes(adm)
	pricingHandler.RegisterAdminRoutes(adm)
	webhookHandler.RegisterAdminRoutes(adm)

	sweeps := make([]admin.SweepRunner, 0, len(s.loops))
	for _, l := range s.loops {
		sweeps = append(sweeps, l)
	}
	admin.NewHandler().
		WithSweeps(sweeps...).
		WithOutbox(s.relay).
		WithRealtime(s.realtimeHub).
		RegisterRoutes(adm)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until a
// shutdown signal, ctx cancellation or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, "homeserv", s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTracing = shutdownTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

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

func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.relay.Start(ctx)
	for _, l := range s.loops {
		go l.Start(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	for _, l := range s.loops {
		l.Stop()
	}
	s.relay.Stop()

	// Cancel the context for the hub, relay, sweeps and collectors
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
	}

	s.closeConnections()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeConnections() {
	if s.amqpConn != nil {
		if err := s.amqpConn.Close(); err != nil {
			s.logger.Error("RabbitMQ close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
