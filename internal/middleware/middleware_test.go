package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vireolabs/janus/internal/config"
)

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), tag("outer"), tag("inner"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, ",") != "outer,inner,handler" {
		t.Fatalf("order = %v", order)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}), RequestID())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("no request ID in context")
	}
	if got := rec.Header().Get(HeaderRequestID); got != seen {
		t.Errorf("response header = %q, context = %q", got, seen)
	}
}

func TestRequestIDAdopted(t *testing.T) {
	var seen string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}), RequestID())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "inbound-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "inbound-1" {
		t.Fatalf("request ID = %q, want adopted inbound", seen)
	}
}

func TestRecoveryWritesEnvelope(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), RequestID(), Recovery())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Code      string `json:"code"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" || body.RequestID == "" {
		t.Errorf("body = %+v", body)
	}
}

func newTrust(t *testing.T, cidrs ...string) *TrustedProxies {
	t.Helper()
	tp, err := NewTrustedProxies(config.TrustConfig{CIDRs: cidrs})
	if err != nil {
		t.Fatalf("NewTrustedProxies: %v", err)
	}
	return tp
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		cidrs  []string
		remote string
		xff    string
		want   string
	}{
		{"no proxies", nil, "203.0.113.7:1234", "1.2.3.4", "203.0.113.7"},
		{"trusted peer uses xff", []string{"10.0.0.0/8"}, "10.0.0.1:1234", "1.2.3.4", "1.2.3.4"},
		{"walks past trusted hops", []string{"10.0.0.0/8"}, "10.0.0.1:1234", "1.2.3.4, 10.0.0.2", "1.2.3.4"},
		{"untrusted peer ignores xff", []string{"10.0.0.0/8"}, "198.51.100.9:1234", "1.2.3.4", "198.51.100.9"},
		{"all hops trusted", []string{"10.0.0.0/8"}, "10.0.0.1:1234", "10.0.0.9, 10.0.0.2", "10.0.0.9"},
		{"bare ip cidr", []string{"10.0.0.1"}, "10.0.0.1:1234", "1.2.3.4", "1.2.3.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := newTrust(t, tt.cidrs...)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := tp.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRealIPStoresInContext(t *testing.T) {
	tp := newTrust(t, "10.0.0.0/8")
	var got string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetClientIP(r)
	}), RealIP(tp))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "1.2.3.4" {
		t.Fatalf("context IP = %q", got)
	}
}

func TestBodyLimit(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), BodyLimit(8))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("exceeds the limit"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("tiny"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d for small body", rec.Code)
	}
}
