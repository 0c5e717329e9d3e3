package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vireolabs/janus/internal/auth"
	"github.com/vireolabs/janus/internal/config"
	"github.com/vireolabs/janus/internal/health"
	"github.com/vireolabs/janus/internal/store"
)

func testConfig(upstreamURL string) *config.Config {
	cfg := config.Default()
	cfg.Backends = []config.BackendConfig{{
		Name:   "b1",
		URL:    upstreamURL,
		Routes: []string{"/api/*"},
		HealthCheck: &config.HealthCheckConfig{
			Path:     "/",
			Interval: 50 * time.Millisecond,
		},
	}}
	cfg.RateLimit.Default = config.LimitConfig{
		Algorithm: "token_bucket",
		Requests:  1000,
		Window:    time.Minute,
	}
	return cfg
}

func newGateway(t *testing.T, cfg *config.Config, opts Options) (*Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	if opts.Store == nil {
		opts.Store = store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	}
	g, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { g.Shutdown(context.Background()) })
	return g, mr
}

func TestEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello")
	}))
	defer upstream.Close()

	g, _ := newGateway(t, testConfig(upstream.URL), Options{})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("no request id echoed")
	}
}

func TestHotReload(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	g, _ := newGateway(t, cfg, Options{})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("before reload: status = %d", rec.Code)
	}

	// Trip b1's breaker so we can verify survivors keep their state.
	g.breakers.Get("b1").RecordFailure()
	before := g.breakers.Get("b1").Snapshot().ConsecutiveFailures

	next := testConfig(upstream.URL)
	next.Backends = append(next.Backends, config.BackendConfig{
		Name:   "b2",
		URL:    upstream.URL,
		Routes: []string{"/v2/*"},
	})
	if err := g.Reload(next); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/x", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("new route after reload: status = %d", rec.Code)
	}
	if got := g.breakers.Get("b1").Snapshot().ConsecutiveFailures; got != before {
		t.Errorf("surviving breaker lost state: %d != %d", got, before)
	}

	// Drop every backend: routes disappear, breakers pruned.
	empty := testConfig(upstream.URL)
	empty.Backends = nil
	if err := g.Reload(empty); err != nil {
		t.Fatalf("Reload to empty: %v", err)
	}
	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("after removing backend: status = %d, want 404", rec.Code)
	}
	if g.breakers.Get("b1") != nil {
		t.Error("breaker for removed backend survived")
	}
}

func TestLargeProxiedBodyPassesThrough(t *testing.T) {
	var received atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		received.Store(n)
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	if cfg.Server.MaxBodyBytes <= 0 {
		t.Fatalf("default max_body_bytes = %d", cfg.Server.MaxBodyBytes)
	}
	g, _ := newGateway(t, cfg, Options{})

	// Uploads bigger than max_body_bytes stream to the upstream
	// untouched; the limit only guards gateway-local endpoints.
	size := cfg.Server.MaxBodyBytes + 1<<20
	req := httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewReader(make([]byte, size)))
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := received.Load(); got != size {
		t.Errorf("upstream received %d bytes, want %d", got, size)
	}
}

func TestReloadKeepsHealthStateForSurvivors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	// A long interval keeps probes from re-converging mid-test.
	cfg := testConfig(upstream.URL)
	cfg.Backends[0].HealthCheck.Interval = time.Hour
	g, _ := newGateway(t, cfg, Options{})

	if !g.health.ForceStatus("b1", health.StatusUnhealthy) {
		t.Fatal("b1 not registered")
	}

	same := testConfig(upstream.URL)
	same.Backends[0].HealthCheck.Interval = time.Hour
	if err := g.Reload(same); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if got := g.health.Status("b1"); got != health.StatusUnhealthy {
		t.Fatalf("status after no-op reload = %s, want unhealthy", got)
	}
	if g.health.Routable("b1") {
		t.Error("unhealthy backend back in rotation after reload")
	}

	// Changing the probe config does restart the loop with fresh state.
	changed := testConfig(upstream.URL)
	changed.Backends[0].HealthCheck.Interval = time.Hour
	changed.Backends[0].HealthCheck.Path = "/other"
	if err := g.Reload(changed); err != nil {
		t.Fatalf("Reload changed: %v", err)
	}
	if got := g.health.Status("b1"); got == health.StatusUnhealthy {
		t.Errorf("status after probe config change = %s, want reset", got)
	}
}

func TestReloadRejectsInvalidSnapshot(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	g, _ := newGateway(t, testConfig(upstream.URL), Options{})

	bad := testConfig(upstream.URL)
	bad.Backends[0].URL = "://broken"
	if err := g.Reload(bad); err == nil {
		t.Fatal("expected reload error")
	}

	// The old snapshot still serves.
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status after failed reload = %d", rec.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	g, mr := newGateway(t, testConfig(upstream.URL), Options{})
	admin := g.adminHandler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/livez"); rec.Code != http.StatusOK {
		t.Errorf("/livez = %d", rec.Code)
	}
	if rec := get("/readyz"); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d", rec.Code)
	}
	if rec := get("/metrics"); rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}

	rec := get("/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("/status = %d", rec.Code)
	}
	var report statusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("/status body: %v", err)
	}
	if _, ok := report.Backends["b1"]; !ok {
		t.Errorf("status missing backend: %+v", report.Backends)
	}
	if _, ok := report.Breakers["b1"]; !ok {
		t.Errorf("status missing breaker: %+v", report.Breakers)
	}

	// Store down: not ready, but still alive.
	mr.Close()
	if rec := get("/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz with store down = %d", rec.Code)
	}
	if rec := get("/livez"); rec.Code != http.StatusOK {
		t.Errorf("/livez with store down = %d", rec.Code)
	}
}

func TestAuthRunsBeforeRateLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.RateLimit.Rules = []config.RuleConfig{{
		ID:          "per-user",
		Priority:    10,
		KeyStrategy: "user",
		Limit: config.LimitConfig{
			Algorithm: "sliding_log",
			Requests:  1,
			Window:    time.Minute,
		},
	}}

	authn := auth.AuthenticatorFunc(func(r *http.Request) (*auth.Principal, error) {
		user := r.Header.Get("X-Test-User")
		if user == "" {
			return nil, nil
		}
		return &auth.Principal{ID: user, Tier: auth.TierPro, AuthType: "api-key"}, nil
	})
	g, _ := newGateway(t, cfg, Options{Authenticator: authn})

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		rec := httptest.NewRecorder()
		g.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	// Each user gets an independent budget, so the principal must be
	// resolved before the limit key is derived.
	if got := send("alice"); got != http.StatusOK {
		t.Fatalf("alice #1 = %d", got)
	}
	if got := send("bob"); got != http.StatusOK {
		t.Fatalf("bob #1 = %d", got)
	}
	if got := send("alice"); got != http.StatusTooManyRequests {
		t.Fatalf("alice #2 = %d, want 429", got)
	}
}
