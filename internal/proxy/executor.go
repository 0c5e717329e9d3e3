package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/vireolabs/janus/internal/auth"
	"github.com/vireolabs/janus/internal/circuitbreaker"
	"github.com/vireolabs/janus/internal/config"
	gwerrors "github.com/vireolabs/janus/internal/errors"
	"github.com/vireolabs/janus/internal/logging"
	"github.com/vireolabs/janus/internal/middleware"
	"github.com/vireolabs/janus/internal/observe"
	"github.com/vireolabs/janus/internal/ratelimit"
	"github.com/vireolabs/janus/internal/router"
	"github.com/vireolabs/janus/internal/transform"
)

// maxReplayBodyBytes bounds the request body buffer kept for retries.
// Larger bodies are streamed and get a single attempt.
const maxReplayBodyBytes = 1 << 20

// Snapshot is the compiled routing state one request runs against. A
// reload swaps the whole snapshot; in-flight requests keep the one
// they started with.
type Snapshot struct {
	Routes     *router.Table
	Rules      *ratelimit.RuleSet
	Bypass     *ratelimit.Bypass
	Transforms *transform.Pipeline

	RateLimitEnabled bool
	RateLimitHeaders bool
}

// HealthView answers whether a backend may receive traffic.
type HealthView interface {
	Routable(name string) bool
}

// Executor drives the full request sequence: transform, bypass, rate
// limit, route resolution, health and breaker filtering, dispatch
// with retry and failover, response transform, observation.
type Executor struct {
	snapshot func() *Snapshot
	limiter  *ratelimit.Limiter
	health   HealthView
	breakers *circuitbreaker.Registry
	emitter  *observe.Emitter
	pool     *TransportPool
	cfg      config.ProxyConfig
}

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Snapshot func() *Snapshot
	Limiter  *ratelimit.Limiter
	Health   HealthView
	Breakers *circuitbreaker.Registry
	Emitter  *observe.Emitter
	Pool     *TransportPool
	Proxy    config.ProxyConfig
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		snapshot: cfg.Snapshot,
		limiter:  cfg.Limiter,
		health:   cfg.Health,
		breakers: cfg.Breakers,
		emitter:  cfg.Emitter,
		pool:     cfg.Pool,
		cfg:      cfg.Proxy,
	}
	if e.cfg.DefaultTimeout <= 0 {
		e.cfg.DefaultTimeout = 30 * time.Second
	}
	if e.cfg.RetryDelay <= 0 {
		e.cfg.RetryDelay = 100 * time.Millisecond
	}
	return e
}

func (e *Executor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap := e.snapshot()
	requestID := middleware.GetRequestID(r.Context())
	clientIP := middleware.GetClientIP(r)
	principal := auth.FromContext(r.Context())

	rc := ratelimit.Context{
		IP:        clientIP,
		Tier:      auth.TierOf(principal),
		Path:      r.URL.Path,
		Method:    r.Method,
		Headers:   r.Header,
		RequestID: requestID,
	}
	if principal != nil {
		rc.UserID = principal.ID
	}
	rc.APIKey = apiKeyFrom(r)

	ev := observe.Event{
		RequestID: requestID,
		Path:      r.URL.Path,
		Method:    r.Method,
		IP:        clientIP,
		Tier:      string(rc.Tier),
		BytesIn:   max(r.ContentLength, 0),
	}
	if principal != nil {
		ev.Principal = principal.ID
	}

	snap.Transforms.ApplyRequest(r, &transform.RequestContext{
		ClientIP:  clientIP,
		RequestID: requestID,
		Principal: principal,
	})

	if snap.RateLimitEnabled {
		if d := snap.Bypass.Check(&rc); d.Bypass {
			e.limiter.Metrics().ObserveBypass(string(rc.Tier))
			ev.RateLimit = observe.RateLimitInfo{
				Outcome:      observe.OutcomeBypassed,
				BypassReason: d.Reason,
			}
			logging.Debug("rate limit bypassed",
				zap.String("reason", d.Reason),
				zap.String("request_id", requestID))
		} else {
			matched := snap.Rules.Match(&rc)
			res := e.limiter.Check(r.Context(), matched.Key, matched.Limit, 1, string(rc.Tier))
			ev.RateLimit = observe.RateLimitInfo{
				Outcome:    observe.OutcomeAllowed,
				RuleID:     matched.RuleID,
				Limit:      int64(res.Limit),
				Remaining:  int64(res.Remaining),
				Algorithm:  res.Algorithm,
				FailedOpen: res.FailedOpen,
			}
			if snap.RateLimitHeaders {
				writeRateLimitHeaders(w, res)
			}
			if !res.Allowed {
				ev.RateLimit.Outcome = observe.OutcomeDenied
				retryAfter := int(res.RetryAfter.Round(time.Second).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				gwerrors.ErrRateLimited.
					WithRequestID(requestID).
					WithRetryAfter(retryAfter).
					WithRateLimit(res.Limit, 0).
					WriteJSON(w)
				e.finish(&ev, http.StatusTooManyRequests, start)
				return
			}
		}
	}

	candidates := snap.Routes.Resolve(r.URL.Path)
	if len(candidates) == 0 {
		gwerrors.ErrNotFound.WithRequestID(requestID).WriteJSON(w)
		e.finish(&ev, http.StatusNotFound, start)
		return
	}

	if isWebSocket(r) {
		e.serveWebSocket(w, r, candidates, &ev, start)
		return
	}

	body, replayable, err := bufferBody(r)
	if err != nil {
		gwerrors.ErrProxy.WithRequestID(requestID).WriteJSON(w)
		ev.Error = err.Error()
		e.finish(&ev, http.StatusBadGateway, start)
		return
	}

	var lastErr error
	for _, cand := range candidates {
		b := cand.Backend
		if !e.health.Routable(b.Name) {
			continue
		}
		br := e.breakers.Get(b.Name)
		if br != nil && !br.CanRequest() {
			continue
		}

		resp, err := e.attempt(r, b, br, body, replayable)
		if err != nil {
			lastErr = err
			logging.Warn("backend attempt failed",
				zap.String("backend", b.Name),
				zap.String("request_id", requestID),
				zap.Error(err))
			if !replayable {
				// The streamed body may be partially consumed; no
				// other backend can receive a faithful copy.
				break
			}
			continue
		}

		ev.Backend = b.Name
		written := e.writeResponse(w, resp, snap)
		ev.BytesOut = written
		e.finish(&ev, resp.StatusCode, start)
		return
	}

	if lastErr != nil {
		ev.Error = lastErr.Error()
	}
	gwerrors.ErrProxy.WithRequestID(requestID).WriteJSON(w)
	e.finish(&ev, http.StatusBadGateway, start)
}

// attempt runs the retry loop against one backend. Every outcome is
// fed to the breaker; a response (of any status) that is not retried
// is returned to the caller.
func (e *Executor) attempt(r *http.Request, b *router.Backend, br *circuitbreaker.Breaker, body []byte, replayable bool) (*http.Response, error) {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	attempts := 1
	if replayable {
		attempts = b.Retries + 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryDelay
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	transport := e.pool.Get(b.Name)
	var lastErr error

	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-r.Context().Done():
				return nil, r.Context().Err()
			case <-time.After(bo.NextBackOff()):
			}
			if br != nil && !br.CanRequest() {
				break
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		out := outboundRequest(ctx, r, b, body)
		resp, err := transport.RoundTrip(out)
		if err != nil {
			cancel()
			lastErr = err
			if br != nil {
				br.RecordFailure()
			}
			continue
		}

		if resp.StatusCode >= 500 {
			if br != nil {
				br.RecordFailure()
			}
			if e.cfg.RetryOn5xx && i < attempts-1 {
				resp.Body.Close()
				cancel()
				continue
			}
		} else if br != nil {
			br.RecordSuccess()
		}

		// The body outlives this call; tie the timeout to its close.
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return nil, lastErr
}

// outboundRequest clones the inbound request onto the backend URL.
func outboundRequest(ctx context.Context, r *http.Request, b *router.Backend, body []byte) *http.Request {
	out := r.Clone(ctx)
	out.URL.Scheme = b.URL.Scheme
	out.URL.Host = b.URL.Host
	out.Host = b.URL.Host
	out.RequestURI = ""
	out.Close = false
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
	}
	// Hop-by-hop headers never cross the proxy.
	for _, h := range hopByHopHeaders {
		out.Header.Del(h)
	}
	return out
}

var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// bufferBody reads small bodies into memory so attempts can be
// replayed. Streaming bodies are left alone and marked single-shot.
func bufferBody(r *http.Request) ([]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil, true, nil
	}
	if r.ContentLength < 0 || r.ContentLength > maxReplayBodyBytes {
		return nil, false, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReplayBodyBytes+1))
	if err != nil {
		return nil, false, err
	}
	r.Body.Close()
	return body, true, nil
}

// writeResponse streams the upstream response through the response
// transform and out to the client, flushing as it goes.
func (e *Executor) writeResponse(w http.ResponseWriter, resp *http.Response, snap *Snapshot) int64 {
	defer resp.Body.Close()

	h := w.Header()
	for name, values := range resp.Header {
		h[name] = values
	}
	for _, hop := range hopByHopHeaders {
		h.Del(hop)
	}
	snap.Transforms.ApplyResponse(h)
	w.WriteHeader(resp.StatusCode)

	var dst io.Writer = w
	if f, ok := w.(http.Flusher); ok {
		dst = &flushWriter{w: w, f: f}
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		logging.Debug("response copy interrupted", zap.Error(err))
	}
	return n
}

type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if n > 0 {
		fw.f.Flush()
	}
	return n, err
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (e *Executor) finish(ev *observe.Event, status int, start time.Time) {
	ev.StatusCode = status
	ev.Duration = time.Since(start)
	e.emitter.Emit(*ev)
}

func writeRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func apiKeyFrom(r *http.Request) string {
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return k
	}
	const prefix = "Bearer "
	if a := r.Header.Get("Authorization"); len(a) > len(prefix) && a[:len(prefix)] == prefix {
		return a[len(prefix):]
	}
	return ""
}
