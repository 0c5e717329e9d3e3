package transform

import (
	"net/http"
	"strings"

	"github.com/vireolabs/janus/internal/auth"
	"github.com/vireolabs/janus/internal/config"
)

// sensitiveResponseHeaders are always stripped from upstream responses:
// server-technology leakage, internal routing leakage, and auth tokens
// that have no business reaching the client.
var sensitiveResponseHeaders = []string{
	"Server",
	"X-Powered-By",
	"X-AspNet-Version",
	"X-AspNetMvc-Version",
	"X-Runtime",
	"X-Generator",
	"X-Backend",
	"X-Backend-Server",
	"X-Served-By",
	"X-Upstream",
	"X-Internal-Route",
	"X-Auth-Token",
	"X-Api-Key",
}

// securityHeaders are added to every response unless the upstream (or
// an operator add) already set them.
var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"X-XSS-Protection":       "1; mode=block",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
}

// principalHeaders are owned by the gateway: inbound values are always
// dropped and re-derived from the authenticated principal.
var principalHeaders = []string{
	"X-User-Id",
	"X-User-Email",
	"X-User-Roles",
	"X-User-Tier",
	"X-Auth-Type",
}

// RequestContext carries the per-request inputs the request phase
// injects into headers.
type RequestContext struct {
	ClientIP  string
	RequestID string
	Principal *auth.Principal
}

// Pipeline applies the configured header edits. Both phases are
// idempotent: running one twice on the same exchange yields the same
// headers as running it once.
type Pipeline struct {
	reqAdd    map[string]string
	reqRename map[string]string
	reqRemove []string

	respAdd    map[string]string
	respRename map[string]string
	respRemove []string
}

// New compiles a pipeline from config. The response removal list is
// the fixed sensitive set unioned with operator removals.
func New(cfg config.TransformConfig) *Pipeline {
	p := &Pipeline{
		reqAdd:     cfg.Request.Add,
		reqRename:  cfg.Request.Rename,
		reqRemove:  cfg.Request.Remove,
		respAdd:    cfg.Response.Add,
		respRename: cfg.Response.Rename,
	}
	seen := make(map[string]bool)
	for _, h := range sensitiveResponseHeaders {
		p.respRemove = append(p.respRemove, h)
		seen[http.CanonicalHeaderKey(h)] = true
	}
	for _, h := range cfg.Response.Remove {
		if !seen[http.CanonicalHeaderKey(h)] {
			p.respRemove = append(p.respRemove, h)
		}
	}
	return p
}

// ApplyRequest rewrites the request headers in place: configured adds,
// renames and removals first, then the gateway-owned principal,
// request-id and forwarding headers.
func (p *Pipeline) ApplyRequest(r *http.Request, rc *RequestContext) {
	for name, value := range p.reqAdd {
		r.Header.Set(name, p.expand(value, r, rc))
	}
	renameHeaders(r.Header, p.reqRename)
	for _, name := range p.reqRemove {
		r.Header.Del(name)
	}

	for _, name := range principalHeaders {
		r.Header.Del(name)
	}
	if pr := rc.Principal; pr != nil {
		r.Header.Set("X-User-Id", pr.ID)
		if pr.Email != "" {
			r.Header.Set("X-User-Email", pr.Email)
		}
		if len(pr.Roles) > 0 {
			r.Header.Set("X-User-Roles", strings.Join(pr.Roles, ","))
		}
		r.Header.Set("X-User-Tier", string(pr.Tier))
		r.Header.Set("X-Auth-Type", pr.AuthType)
	}

	if rc.RequestID != "" {
		r.Header.Set("X-Request-Id", rc.RequestID)
	}

	p.applyForwarding(r, rc)
}

func (p *Pipeline) applyForwarding(r *http.Request, rc *RequestContext) {
	if rc.ClientIP == "" {
		return
	}
	// Append the client IP to the chain unless it is already the last
	// hop; this keeps the phase idempotent.
	if prior := r.Header.Get("X-Forwarded-For"); prior == "" {
		r.Header.Set("X-Forwarded-For", rc.ClientIP)
	} else if lastHop(prior) != rc.ClientIP {
		r.Header.Set("X-Forwarded-For", prior+", "+rc.ClientIP)
	}

	if r.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		r.Header.Set("X-Forwarded-Proto", proto)
	}
	if r.Header.Get("X-Forwarded-Host") == "" && r.Host != "" {
		r.Header.Set("X-Forwarded-Host", r.Host)
	}
	r.Header.Set("X-Real-Ip", rc.ClientIP)
}

// ApplyResponse rewrites upstream response headers in place before
// they reach the client.
func (p *Pipeline) ApplyResponse(h http.Header) {
	for _, name := range p.respRemove {
		h.Del(name)
	}
	renameHeaders(h, p.respRename)
	for name, value := range p.respAdd {
		h.Set(name, value)
	}
	for name, value := range securityHeaders {
		if h.Get(name) == "" {
			h.Set(name, value)
		}
	}
}

// expand substitutes request variables in a configured header value.
func (p *Pipeline) expand(value string, r *http.Request, rc *RequestContext) string {
	if !strings.Contains(value, "$") {
		return value
	}
	repl := strings.NewReplacer(
		"$client_ip", rc.ClientIP,
		"$request_id", rc.RequestID,
		"$host", r.Host,
		"$path", r.URL.Path,
		"$method", r.Method,
	)
	return repl.Replace(value)
}

// renameHeaders moves each from-header's values to its to-header. A
// rename with no source present is a no-op, which keeps repeated
// application stable.
func renameHeaders(h http.Header, renames map[string]string) {
	for from, to := range renames {
		values := h.Values(from)
		if len(values) == 0 {
			continue
		}
		h.Del(from)
		h.Del(to)
		for _, v := range values {
			h.Add(to, v)
		}
	}
}

func lastHop(chain string) string {
	if i := strings.LastIndex(chain, ","); i >= 0 {
		return strings.TrimSpace(chain[i+1:])
	}
	return strings.TrimSpace(chain)
}
