// Package server wires the escrow subsystems together and serves the HTTP API.
package server

import (
	"context"
	"database/sql"
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
	_ "github.com/lib/pq"

	"github.com/deedflow/deedflow/internal/audit"
	"github.com/deedflow/deedflow/internal/config"
	"github.com/deedflow/deedflow/internal/escrow"
	"github.com/deedflow/deedflow/internal/idgen"
	"github.com/deedflow/deedflow/internal/logging"
	"github.com/deedflow/deedflow/internal/metrics"
	"github.com/deedflow/deedflow/internal/notify"
	"github.com/deedflow/deedflow/internal/payment"
	"github.com/deedflow/deedflow/internal/resilience"
	"github.com/deedflow/deedflow/internal/settlement"
	"github.com/deedflow/deedflow/internal/transaction"
	"github.com/deedflow/deedflow/internal/verification"
)

// Server is the composition root: it owns the stores, the subsystems,
// the deadline timer, and the HTTP listener.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db           *sql.DB // nil when running on in-memory stores
	orchestrator *escrow.Orchestrator
	machine      *transaction.Machine
	timer        *verification.DeadlineTimer

	router  *gin.Engine
	httpSrv *http.Server

	gateway  payment.Gateway
	provider verification.Provider
	auditLog audit.Logger
	notify   notify.Sink

	cancelRun context.CancelFunc
	ready     atomic.Bool
	healthy   atomic.Bool
}

// Option configures the server before wiring.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGateway overrides the escrow gateway (a live integration replaces
// the simulator).
func WithGateway(g payment.Gateway) Option {
	return func(s *Server) { s.gateway = g }
}

// WithProvider overrides the verification provider.
func WithProvider(p verification.Provider) Option {
	return func(s *Server) { s.provider = p }
}

// WithAuditLogger overrides the audit-log sink.
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Server) { s.auditLog = l }
}

// WithNotifySink overrides the notification channel.
func WithNotifySink(n notify.Sink) Option {
	return func(s *Server) { s.notify = n }
}

// New creates a fully wired server. With a DATABASE_URL the stores run on
// Postgres; without one everything runs in memory, which is the demo and
// test configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var (
		txnStore  transaction.Store
		taskStore verification.Store
		payStore  payment.Store
		stlStore  settlement.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("pinging database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to postgres", "dsn", maskDSN(cfg.DatabaseURL))

		txnStore = transaction.NewPostgresStore(db)
		taskStore = verification.NewPostgresStore(db)
		payStore = payment.NewPostgresStore(db)
		stlStore = settlement.NewPostgresStore(db)
		if s.auditLog == nil {
			s.auditLog = audit.NewPostgresLogger(db)
		}
	} else {
		s.logger.Info("no DATABASE_URL set, using in-memory stores")
		txnStore = transaction.NewMemoryStore()
		taskStore = verification.NewMemoryStore()
		payStore = payment.NewMemoryStore()
		stlStore = settlement.NewMemoryStore()
		if s.auditLog == nil {
			s.auditLog = audit.NewMemoryLogger()
		}
	}

	if s.gateway == nil {
		s.gateway = payment.NewSimGateway()
	}
	if s.provider == nil {
		s.provider = verification.NewSimProvider(s.logger)
	}
	if s.notify == nil {
		s.notify = &notify.LogSink{Logger: s.logger}
	}

	guard := buildGuard(cfg, s.logger)
	recorder := audit.NewRecorder(s.auditLog, guard, s.logger)
	emitter := notify.NewEmitter(s.notify, s.logger)

	machine := transaction.NewMachine(txnStore, s.logger).
		WithTaskProgress(taskStore).
		WithAuditRecorder(recorder)
	coordinator := payment.NewCoordinator(payStore, s.gateway, guard, s.logger).
		WithAuditRecorder(recorder)
	engine := verification.NewEngine(taskStore, s.provider, machine, guard, s.logger).
		WithMilestoneReleaser(escrow.MilestoneBridge{Coordinator: coordinator}).
		WithAuditRecorder(recorder).
		WithNotifier(emitter)

	s.machine = machine
	s.orchestrator = escrow.New(machine, engine, coordinator, stlStore, s.logger).
		WithAuditRecorder(recorder).
		WithNotifier(emitter)
	s.timer = verification.NewDeadlineTimer(engine, cfg.DeadlinePollInterval, s.logger)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// buildGuard applies the configured thresholds over the per-class defaults.
func buildGuard(cfg *config.Config, logger *slog.Logger) *resilience.Guard {
	g := resilience.New(logger)
	defaults := resilience.DefaultPolicies()

	gw := defaults[resilience.ClassPaymentGateway]
	gw.FailureThreshold = cfg.GatewayFailureThreshold
	gw.RecoveryTimeout = cfg.GatewayRecoveryTimeout
	gw.CallTimeout = cfg.GatewayCallTimeout
	gw.MaxAttempts = cfg.RetryMaxAttempts
	gw.BaseDelay = cfg.RetryBaseDelay
	g.WithPolicy(resilience.ClassPaymentGateway, gw)

	pv := defaults[resilience.ClassVerificationProvider]
	pv.FailureThreshold = cfg.ProviderFailureThreshold
	pv.RecoveryTimeout = cfg.ProviderRecoveryTimeout
	pv.MaxAttempts = cfg.RetryMaxAttempts
	pv.BaseDelay = cfg.RetryBaseDelay
	g.WithPolicy(resilience.ClassVerificationProvider, pv)

	return g
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", fmt.Sprintf("%v", recovered), "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "internal server error",
		})
	}))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = idgen.WithPrefix("req_")
		}
		ctx := logging.WithRequestID(c.Request.Context(), reqID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		log := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			log.Error("request", attrs...)
		case status >= 400:
			log.Warn("request", attrs...)
		default:
			log.Info("request", attrs...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		if !s.healthy.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	s.router.GET("/health/ready", func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	escrow.NewHandler(s.orchestrator, s.machine).RegisterRoutes(v1)
}

// Run starts the deadline timer and the HTTP listener, then blocks until
// ctx is cancelled, a termination signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.timer.Start()
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.httpSrv.Addr, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Give the listener a beat before accepting readiness probes.
	time.Sleep(100 * time.Millisecond)
	s.ready.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		s.healthy.Store(false)
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-runCtx.Done():
		s.logger.Info("run context cancelled")
	}
	return s.Shutdown()
}

// Shutdown drains in-flight requests, stops the deadline timer, and closes
// the database pool.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Let load balancers observe the readiness flip before the drain.
	time.Sleep(500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	s.timer.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	s.logger.Info("server stopped")
	return firstErr
}

// Router exposes the gin engine for httptest-based tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable dsn)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
