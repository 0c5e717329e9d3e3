package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vireolabs/janus/internal/circuitbreaker"
	"github.com/vireolabs/janus/internal/health"
	"github.com/vireolabs/janus/internal/ratelimit"
)

// statusReport is the /status payload.
type statusReport struct {
	Uptime        string                                    `json:"uptime"`
	Backends      map[string]health.Snapshot                `json:"backends"`
	Breakers      map[string]circuitbreaker.BreakerSnapshot `json:"breakers"`
	RateLimit     []ratelimit.CounterSnapshot               `json:"rate_limit"`
	DroppedEvents int64                                     `json:"dropped_events"`
}

func (g *Gateway) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/readyz", g.handleReady)
	mux.HandleFunc("/status", g.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	return mux
}

// handleReady reports readiness: at least one backend configured and
// the coordination store reachable. The store being down is not fatal
// to traffic (rate limiting fails open) but new instances should not
// be put in rotation without it.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if len(g.cfg.Load().Backends) == 0 {
		http.Error(w, "no backends configured", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		http.Error(w, "coordination store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready\n"))
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := statusReport{
		Uptime:        time.Since(g.startedAt).Round(time.Second).String(),
		Backends:      g.health.Snapshots(),
		Breakers:      g.breakers.Snapshots(),
		RateLimit:     g.limiter.Metrics().Snapshot(),
		DroppedEvents: g.emitter.Dropped(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
