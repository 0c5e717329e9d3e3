package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vireolabs/janus/internal/auth"
	"github.com/vireolabs/janus/internal/circuitbreaker"
	"github.com/vireolabs/janus/internal/config"
	"github.com/vireolabs/janus/internal/health"
	"github.com/vireolabs/janus/internal/logging"
	"github.com/vireolabs/janus/internal/middleware"
	"github.com/vireolabs/janus/internal/observe"
	"github.com/vireolabs/janus/internal/proxy"
	"github.com/vireolabs/janus/internal/ratelimit"
	"github.com/vireolabs/janus/internal/router"
	"github.com/vireolabs/janus/internal/store"
	"github.com/vireolabs/janus/internal/transform"
)

// Gateway owns every component and wires them into the request path.
// All state is carried here explicitly; nothing is process-global
// except the logger.
type Gateway struct {
	cfg  atomic.Pointer[config.Config]
	snap atomic.Pointer[proxy.Snapshot]

	store    store.Store
	limiter  *ratelimit.Limiter
	health   *health.Checker
	breakers *circuitbreaker.Registry
	pool     *proxy.TransportPool
	emitter  *observe.Emitter
	executor *proxy.Executor
	registry *prometheus.Registry

	handler http.Handler
	server  *http.Server
	admin   *http.Server

	startedAt time.Time
}

// Options carries collaborators the gateway does not construct itself.
type Options struct {
	// Authenticator resolves principals; nil means all traffic is
	// anonymous.
	Authenticator auth.Authenticator
	// Store overrides the Redis store (tests inject miniredis).
	Store store.Store
}

// New builds a gateway from a validated config. Health probe loops
// start immediately; the listeners start in Run.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		breakers:  circuitbreaker.NewRegistry(),
		pool:      proxy.NewTransportPool(cfg.Proxy),
		registry:  prometheus.NewRegistry(),
		startedAt: time.Now(),
	}
	g.cfg.Store(cfg)

	g.store = opts.Store
	if g.store == nil {
		g.store = store.NewRedisStore(store.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			PoolSize:     cfg.Redis.PoolSize,
		})
	}
	g.limiter = ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Store:     g.store,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})

	g.health = health.NewChecker(health.CheckerConfig{})
	for _, b := range cfg.Backends {
		g.health.Add(health.TargetFromConfig(b))
		g.breakers.Set(b.Name, cfg.BreakerFor(&b))
	}

	g.emitter = observe.NewEmitter(0,
		observe.AccessLogSink{},
		observe.NewPrometheusSink(g.registry))

	snap, err := buildSnapshot(cfg)
	if err != nil {
		g.health.Stop()
		g.emitter.Close()
		return nil, err
	}
	g.snap.Store(snap)

	g.executor = proxy.NewExecutor(proxy.ExecutorConfig{
		Snapshot: func() *proxy.Snapshot { return g.snap.Load() },
		Limiter:  g.limiter,
		Health:   g.health,
		Breakers: g.breakers,
		Emitter:  g.emitter,
		Pool:     g.pool,
		Proxy:    cfg.Proxy,
	})

	trust, err := middleware.NewTrustedProxies(cfg.Trust)
	if err != nil {
		g.health.Stop()
		g.emitter.Close()
		return nil, err
	}
	// No body limit here: proxied uploads stream through untouched.
	g.handler = middleware.Chain(g.executor,
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.RealIP(trust),
		middleware.Authenticate(opts.Authenticator),
	)

	g.server = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           g.handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}
	if cfg.Admin.Enabled {
		g.admin = &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           middleware.BodyLimit(cfg.Server.MaxBodyBytes)(g.adminHandler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return g, nil
}

// buildSnapshot compiles the routing state one request runs against.
func buildSnapshot(cfg *config.Config) (*proxy.Snapshot, error) {
	table, err := router.Build(cfg.Backends)
	if err != nil {
		return nil, err
	}
	rules, err := ratelimit.CompileRuleSet(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	return &proxy.Snapshot{
		Routes:           table,
		Rules:            rules,
		Bypass:           ratelimit.CompileBypass(cfg.RateLimit.Bypass),
		Transforms:       transform.New(cfg.Transform),
		RateLimitEnabled: cfg.RateLimit.Enabled,
		RateLimitHeaders: cfg.RateLimit.Headers,
	}, nil
}

// Handler exposes the full middleware-wrapped request path.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Reload swaps in a new configuration. In-flight requests keep the
// snapshot they started with; surviving backends keep their breaker
// state, health state and connection pools. A probe loop restarts
// only when its target config actually changed.
func (g *Gateway) Reload(cfg *config.Config) error {
	snap, err := buildSnapshot(cfg)
	if err != nil {
		return err
	}

	old := g.cfg.Load()
	keep := make(map[string]bool, len(cfg.Backends))
	for _, b := range cfg.Backends {
		keep[b.Name] = true
	}
	for _, b := range old.Backends {
		if !keep[b.Name] {
			g.health.Remove(b.Name)
		}
	}
	for _, b := range cfg.Backends {
		t := health.TargetFromConfig(b)
		if cur, ok := g.health.Target(b.Name); !ok || cur != t {
			g.health.Add(t)
		}
		if g.breakers.Get(b.Name) == nil {
			g.breakers.Set(b.Name, cfg.BreakerFor(&b))
		}
	}
	g.breakers.Prune(keep)
	g.pool.Prune(keep)

	g.cfg.Store(cfg)
	g.snap.Store(snap)
	logging.Info("configuration reloaded",
		zap.Int("backends", len(cfg.Backends)),
		zap.Int("rules", snap.Rules.Len()))
	return nil
}

// Run starts the listeners and blocks until ctx is cancelled, then
// drains. A listener failure cancels the whole gateway.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		logging.Info("gateway listening", zap.String("addr", g.server.Addr))
		if err := g.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if g.admin != nil {
		go func() {
			logging.Info("admin listening", zap.String("addr", g.admin.Addr))
			if err := g.admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		g.Shutdown(context.Background())
		return err
	case <-ctx.Done():
		return g.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests up to the configured deadline,
// then releases every resource.
func (g *Gateway) Shutdown(ctx context.Context) error {
	cfg := g.cfg.Load()
	drain := cfg.Shutdown.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(ctx, drain)
	defer cancel()

	var err error
	if g.server != nil {
		err = g.server.Shutdown(drainCtx)
	}
	if g.admin != nil {
		if aerr := g.admin.Shutdown(drainCtx); err == nil {
			err = aerr
		}
	}

	g.health.Stop()
	g.emitter.Close()
	g.pool.Close()
	if cerr := g.store.Close(); err == nil {
		err = cerr
	}
	logging.Info("gateway stopped")
	return err
}
