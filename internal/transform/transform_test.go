package transform

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/vireolabs/janus/internal/auth"
	"github.com/vireolabs/janus/internal/config"
)

func newRequest() *http.Request {
	return httptest.NewRequest(http.MethodGet, "http://gw.example.com/api/users/42", nil)
}

func TestRequestPhaseOrder(t *testing.T) {
	p := New(config.TransformConfig{
		Request: config.HeaderPhaseConfig{
			Add:    map[string]string{"X-Gateway": "janus", "X-Doomed": "yes"},
			Rename: map[string]string{"X-Legacy-Token": "X-Token"},
			Remove: []string{"X-Doomed", "Cookie"},
		},
	})

	r := newRequest()
	r.Header.Set("X-Legacy-Token", "abc")
	r.Header.Set("Cookie", "session=1")
	p.ApplyRequest(r, &RequestContext{ClientIP: "1.2.3.4", RequestID: "rid-1"})

	if got := r.Header.Get("X-Gateway"); got != "janus" {
		t.Errorf("add: %q", got)
	}
	if got := r.Header.Get("X-Token"); got != "abc" {
		t.Errorf("rename target: %q", got)
	}
	if r.Header.Get("X-Legacy-Token") != "" {
		t.Error("rename source survived")
	}
	// Remove runs after add, so a configured add can still be removed.
	if r.Header.Get("X-Doomed") != "" || r.Header.Get("Cookie") != "" {
		t.Error("removal did not apply")
	}
}

func TestPrincipalHeaders(t *testing.T) {
	p := New(config.TransformConfig{})
	r := newRequest()
	// Spoofed inbound identity must not survive.
	r.Header.Set("X-User-Id", "attacker")
	r.Header.Set("X-User-Tier", "unlimited")

	p.ApplyRequest(r, &RequestContext{
		ClientIP:  "1.2.3.4",
		RequestID: "rid-1",
		Principal: &auth.Principal{
			ID:       "u-77",
			Email:    "dev@example.com",
			Roles:    []string{"admin", "ops"},
			Tier:     auth.TierPro,
			AuthType: "api-key",
		},
	})

	want := map[string]string{
		"X-User-Id":    "u-77",
		"X-User-Email": "dev@example.com",
		"X-User-Roles": "admin,ops",
		"X-User-Tier":  "pro",
		"X-Auth-Type":  "api-key",
	}
	for name, v := range want {
		if got := r.Header.Get(name); got != v {
			t.Errorf("%s = %q, want %q", name, got, v)
		}
	}
}

func TestAnonymousStripsIdentityHeaders(t *testing.T) {
	p := New(config.TransformConfig{})
	r := newRequest()
	r.Header.Set("X-User-Id", "attacker")
	r.Header.Set("X-Auth-Type", "jwt")

	p.ApplyRequest(r, &RequestContext{ClientIP: "1.2.3.4"})

	if r.Header.Get("X-User-Id") != "" || r.Header.Get("X-Auth-Type") != "" {
		t.Error("inbound identity headers survived without a principal")
	}
}

func TestRequestIDInjection(t *testing.T) {
	p := New(config.TransformConfig{})

	r := newRequest()
	p.ApplyRequest(r, &RequestContext{ClientIP: "1.2.3.4", RequestID: "rid-9"})
	if got := r.Header.Get("X-Request-Id"); got != "rid-9" {
		t.Errorf("X-Request-Id = %q", got)
	}
}

func TestForwardingHeaders(t *testing.T) {
	p := New(config.TransformConfig{})

	r := newRequest()
	r.Header.Set("X-Forwarded-For", "9.9.9.9")
	p.ApplyRequest(r, &RequestContext{ClientIP: "1.2.3.4"})

	if got := r.Header.Get("X-Forwarded-For"); got != "9.9.9.9, 1.2.3.4" {
		t.Errorf("X-Forwarded-For = %q", got)
	}
	if got := r.Header.Get("X-Forwarded-Proto"); got != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got)
	}
	if got := r.Header.Get("X-Forwarded-Host"); got != "gw.example.com" {
		t.Errorf("X-Forwarded-Host = %q", got)
	}
	if got := r.Header.Get("X-Real-Ip"); got != "1.2.3.4" {
		t.Errorf("X-Real-Ip = %q", got)
	}
}

func TestRequestPhaseIdempotent(t *testing.T) {
	p := New(config.TransformConfig{
		Request: config.HeaderPhaseConfig{
			Add:    map[string]string{"X-Gateway": "janus"},
			Rename: map[string]string{"X-Old": "X-New"},
			Remove: []string{"X-Drop"},
		},
	})

	r := newRequest()
	r.Header.Set("X-Old", "v")
	r.Header.Set("X-Drop", "v")
	r.Header.Set("X-Forwarded-For", "9.9.9.9")
	rc := &RequestContext{
		ClientIP:  "1.2.3.4",
		RequestID: "rid-1",
		Principal: &auth.Principal{ID: "u1", Tier: auth.TierFree, AuthType: "jwt"},
	}

	p.ApplyRequest(r, rc)
	once := r.Header.Clone()
	p.ApplyRequest(r, rc)

	if !reflect.DeepEqual(once, r.Header) {
		t.Fatalf("second application changed headers:\nonce:  %v\ntwice: %v", once, r.Header)
	}
}

func TestResponseStripsSensitiveHeaders(t *testing.T) {
	p := New(config.TransformConfig{
		Response: config.HeaderPhaseConfig{Remove: []string{"X-Custom-Internal"}},
	})

	h := http.Header{}
	h.Set("Server", "nginx/1.25")
	h.Set("X-Powered-By", "Express")
	h.Set("X-Backend-Server", "app-03")
	h.Set("X-Auth-Token", "secret")
	h.Set("X-Custom-Internal", "route-7")
	h.Set("Content-Type", "application/json")
	p.ApplyResponse(h)

	for _, name := range []string{"Server", "X-Powered-By", "X-Backend-Server", "X-Auth-Token", "X-Custom-Internal"} {
		if h.Get(name) != "" {
			t.Errorf("%s leaked", name)
		}
	}
	if h.Get("Content-Type") != "application/json" {
		t.Error("benign header touched")
	}
}

func TestResponseSecurityHeaders(t *testing.T) {
	p := New(config.TransformConfig{})

	h := http.Header{}
	h.Set("X-Frame-Options", "SAMEORIGIN") // upstream's choice wins
	p.ApplyResponse(h)

	if got := h.Get("X-Frame-Options"); got != "SAMEORIGIN" {
		t.Errorf("X-Frame-Options = %q, want upstream value kept", got)
	}
	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-XSS-Protection":       "1; mode=block",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for name, v := range want {
		if got := h.Get(name); got != v {
			t.Errorf("%s = %q, want %q", name, got, v)
		}
	}
}

func TestResponseRenameAndAdd(t *testing.T) {
	p := New(config.TransformConfig{
		Response: config.HeaderPhaseConfig{
			Rename: map[string]string{"X-Upstream-Version": "X-Service-Version"},
			Add:    map[string]string{"X-Gateway": "janus"},
		},
	})

	h := http.Header{}
	h.Set("X-Upstream-Version", "4.2")
	p.ApplyResponse(h)

	if got := h.Get("X-Service-Version"); got != "4.2" {
		t.Errorf("rename: %q", got)
	}
	if got := h.Get("X-Gateway"); got != "janus" {
		t.Errorf("add: %q", got)
	}
}

func TestComputedAddValues(t *testing.T) {
	p := New(config.TransformConfig{
		Request: config.HeaderPhaseConfig{
			Add: map[string]string{"X-Origin": "$method $path via $client_ip"},
		},
	})

	r := newRequest()
	p.ApplyRequest(r, &RequestContext{ClientIP: "1.2.3.4", RequestID: "rid-1"})

	if got := r.Header.Get("X-Origin"); got != "GET /api/users/42 via 1.2.3.4" {
		t.Errorf("expanded value = %q", got)
	}
}
