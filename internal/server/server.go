package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/raakeshmj/keygate/internal/audit"
	"github.com/raakeshmj/keygate/internal/auth"
	"github.com/raakeshmj/keygate/internal/cache"
	"github.com/raakeshmj/keygate/internal/circuitbreaker"
	"github.com/raakeshmj/keygate/internal/config"
	"github.com/raakeshmj/keygate/internal/limiter"
	"github.com/raakeshmj/keygate/internal/metrics"
	"github.com/raakeshmj/keygate/internal/middleware"
	"github.com/raakeshmj/keygate/internal/policy"
	"github.com/raakeshmj/keygate/internal/reliability"
	"github.com/raakeshmj/keygate/internal/repository"
	"github.com/raakeshmj/keygate/internal/repository/memory"
	"github.com/raakeshmj/keygate/internal/repository/sqlite"
	"github.com/raakeshmj/keygate/internal/service"
)

// Store is everything the server needs from persistence.
type Store interface {
	repository.KeyStore
	repository.RoleStore
	repository.UsageSink
	repository.UsageReader
}

// OpenStore builds the configured key store.
func OpenStore(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := sqlite.NewStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// Server owns the router and every service behind it.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	logger     *zap.Logger
	metrics    *metrics.Collectors
	store      Store
	keys       *service.KeyService
	roles      *service.RoleService
	authSvc    *service.AuthService
	validation *service.ValidationService
	engine     *policy.Engine
	trusted    []netip.Prefix
	audit      audit.Logger
	checks     map[string]func(context.Context) error
	closers    []io.Closer
}

// New wires the services described by cfg. Close releases what it opened.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		checks: make(map[string]func(context.Context) error),
	}
	if err := s.wire(); err != nil {
		s.Close()
		return nil, err
	}
	s.setupRouter()
	return s, nil
}

func (s *Server) wire() error {
	cfg := s.cfg

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(reg)

	store, err := OpenStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = store
	if c, ok := store.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.checks["storage"] = p.Ping
	}

	windows, err := s.openWindowStore()
	if err != nil {
		return err
	}

	strategy, err := reliability.ParseStrategy(cfg.RateLimit.FailureStrategy)
	if err != nil {
		return err
	}

	var usage repository.UsageSink = store
	s.audit = audit.Nop{}
	if out := s.openAuditOutput(); out != nil {
		jl := audit.NewJSONLogger(out)
		s.audit = jl
		usage = audit.Fanout{store, jl}
	}

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	s.authSvc = service.NewAuthService(store, store, jwtManager, cache.NewTTLCache[string](cfg.Auth.CacheTTL))

	keyOpts := []service.KeyServiceOption{
		service.WithInvalidator(s.authSvc),
		service.WithUsageReader(store),
		service.WithAuditLogger(s.audit),
		service.WithKeyMetrics(s.metrics),
		service.WithKeyLogger(s.logger.Named("keys")),
	}
	if cfg.Auth.VaultPassphrase != "" {
		vault, err := auth.NewVault(cfg.Auth.VaultPassphrase, []byte(cfg.Auth.VaultSalt))
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
		keyOpts = append(keyOpts, service.WithVault(vault))
	}
	s.keys = service.NewKeyService(store, store, keyOpts...)
	s.roles = service.NewRoleService(store, s.audit, s.logger.Named("roles"))

	s.validation = service.NewValidationService(store, store, usage, windows,
		service.WithLogger(s.logger.Named("validation")),
		service.WithMetrics(s.metrics),
		service.WithFailureStrategy(strategy),
		service.WithLookupTimeout(cfg.Validation.LookupTimeout),
	)

	s.engine = policy.NewEngine(cfg.Gateway.Policies...)

	s.trusted, err = cfg.Server.TrustedPrefixes()
	if err != nil {
		return err
	}
	return nil
}

// openWindowStore returns the rate limit window store. A Redis store sits
// behind a circuit breaker so an outage resolves through the failure
// strategy without waiting on each call.
func (s *Server) openWindowStore() (limiter.Store, error) {
	rl := s.cfg.RateLimit
	if rl.Backend != "redis" {
		return limiter.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rl.RedisAddr,
		Password: rl.RedisPassword,
		DB:       rl.RedisDB,
	})
	s.closers = append(s.closers, client)
	s.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

	breaker := circuitbreaker.New(5, 2, 10*time.Second,
		circuitbreaker.OnStateChange(func(from, to circuitbreaker.State) {
			s.logger.Warn("rate limit store breaker changed state",
				zap.Stringer("from", from), zap.Stringer("to", to))
		}))
	return circuitbreaker.Guard(limiter.NewRedisStore(client), breaker), nil
}

func (s *Server) openAuditOutput() io.Writer {
	switch out := s.cfg.Audit.Output; out {
	case "":
		return nil
	case "stdout":
		return os.Stdout
	default:
		lj := &lumberjack.Logger{
			Filename:   out,
			MaxSize:    s.cfg.Logging.MaxSize,
			MaxBackups: s.cfg.Logging.MaxBackups,
			MaxAge:     s.cfg.Logging.MaxAge,
			Compress:   s.cfg.Logging.Compress,
		}
		s.closers = append(s.closers, lj)
		return lj
	}
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	jwtManager := s.authSvc.JWTManager()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.TrustedRealIP(s.trusted))
	r.Use(middleware.RequestLogger(s.logger.Named("http")))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics(s.metrics))
	r.Use(middleware.SecureHeaders(middleware.SecurityConfig{}))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID", "X-Session-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if n := s.cfg.Server.IPRateLimit; n > 0 {
		r.Use(middleware.IPRateLimit(n))
	}

	// --- Probes (no auth required) ---
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// --- Management API (session token required) ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(jwtManager))
		r.Use(middleware.Audit(s.audit))

		r.Route("/keys", func(r chi.Router) {
			r.Post("/", s.handleIssueKey)
			r.Get("/", s.handleListKeys)
			r.Post("/validate", s.handleValidateKey)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetKey)
				r.Patch("/", s.handleUpdateKey)
				r.Delete("/", s.handleRevokeKey)
				r.Post("/rotate", s.handleRotateKey)
				r.Put("/status", s.handleSetStatus)
				r.Get("/permissions", s.handlePermissions)
				r.Post("/scopes/check", s.handleCheckScopes)
				r.Get("/usage", s.handleUsage)
				r.Post("/rate-limit/check", s.handleRateLimitCheck)
				r.Get("/role-access", s.handleRoleAccess)
			})
		})

		r.Post("/scopes/validate", s.handleValidateScopes)
		r.Get("/scopes/hierarchy", s.handleScopeHierarchy)
		r.Get("/rate-limits/reset", s.handleRateLimitReset)

		r.Route("/tenants/{tenant}/users/{user}/roles", func(r chi.Router) {
			r.Get("/", s.handleListRoles)
			r.Post("/", s.handleGrantRoles)
			r.Delete("/{role}", s.handleRevokeRole)
		})
	})

	// --- Key-protected gateway surface ---
	gateway := middleware.Chain(http.HandlerFunc(s.handleGateway),
		middleware.OptionalAuthenticate(jwtManager),
		middleware.WithPolicy(s.engine),
		middleware.RequireAPIKey(s.authSvc, s.validation, s.logger.Named("gateway")),
	)
	r.Handle(s.cfg.Gateway.Prefix, gateway)
	r.Handle(s.cfg.Gateway.Prefix+"/*", gateway)

	s.router = r
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// pending usage writes.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.validation.Wait()
	s.logger.Info("server stopped")
	return nil
}

// Close releases stores and clients. Pending usage writes are flushed first.
func (s *Server) Close() error {
	if s.validation != nil {
		s.validation.Wait()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
