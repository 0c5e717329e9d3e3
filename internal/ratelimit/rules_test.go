package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/vireolabs/janus/internal/auth"
	"github.com/vireolabs/janus/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func testRuleSet(t *testing.T, rules ...config.RuleConfig) *RuleSet {
	t.Helper()
	rs, err := CompileRuleSet(config.RateLimitConfig{
		Rules: rules,
		TierDefaults: map[string]config.LimitConfig{
			"pro": {Algorithm: AlgoTokenBucket, Requests: 600, Window: time.Minute},
		},
		Default: config.LimitConfig{Algorithm: AlgoTokenBucket, Requests: 60, Window: time.Minute},
	})
	if err != nil {
		t.Fatal(err)
	}
	return rs
}

func TestRulePriorityOrder(t *testing.T) {
	rs := testRuleSet(t,
		config.RuleConfig{
			ID:       "low",
			Priority: 1,
			Match:    config.MatchConfig{Endpoint: "/api/**", EndpointMatchType: "glob"},
			Limit:    config.LimitConfig{Requests: 100, Window: time.Minute},
		},
		config.RuleConfig{
			ID:       "high",
			Priority: 10,
			Match:    config.MatchConfig{Endpoint: "/api/**", EndpointMatchType: "glob"},
			Limit:    config.LimitConfig{Requests: 5, Window: time.Minute},
		},
	)

	m := rs.Match(&Context{Path: "/api/users", Method: "GET"})
	if m.RuleID != "high" {
		t.Errorf("matched %q, want high", m.RuleID)
	}
	if m.Synthetic {
		t.Error("configured rule marked synthetic")
	}
}

func TestRuleTieBreakByID(t *testing.T) {
	rs := testRuleSet(t,
		config.RuleConfig{
			ID: "bbb", Priority: 5,
			Match: config.MatchConfig{Endpoint: "/x"},
			Limit: config.LimitConfig{Requests: 1, Window: time.Minute},
		},
		config.RuleConfig{
			ID: "aaa", Priority: 5,
			Match: config.MatchConfig{Endpoint: "/x"},
			Limit: config.LimitConfig{Requests: 1, Window: time.Minute},
		},
	)
	if m := rs.Match(&Context{Path: "/x"}); m.RuleID != "aaa" {
		t.Errorf("matched %q, want aaa (id order within a priority)", m.RuleID)
	}
}

func TestRulePredicates(t *testing.T) {
	rule := config.RuleConfig{
		ID: "strict", Priority: 1,
		Match: config.MatchConfig{
			Endpoint:          "/api/search/*",
			EndpointMatchType: "glob",
			Methods:           []string{"get"},
			Tiers:             []string{"free"},
			Headers:           map[string]string{"X-Client": "mobile"},
		},
		Limit: config.LimitConfig{Requests: 10, Window: time.Minute},
	}
	rs := testRuleSet(t, rule)

	base := func() *Context {
		h := http.Header{}
		h.Set("X-Client", "mobile")
		return &Context{
			Path:    "/api/search/books",
			Method:  "GET",
			Tier:    auth.TierFree,
			Headers: h,
		}
	}

	if m := rs.Match(base()); m.RuleID != "strict" {
		t.Fatalf("full match failed: %+v", m)
	}

	c := base()
	c.Method = "POST"
	if m := rs.Match(c); !m.Synthetic {
		t.Error("method mismatch should fall through to tier default")
	}

	c = base()
	c.Tier = auth.TierPro
	if m := rs.Match(c); !m.Synthetic {
		t.Error("tier mismatch should fall through")
	}

	c = base()
	c.Headers.Set("X-Client", "web")
	if m := rs.Match(c); !m.Synthetic {
		t.Error("header mismatch should fall through")
	}

	// * is one segment: a nested path must not match.
	c = base()
	c.Path = "/api/search/books/old"
	if m := rs.Match(c); !m.Synthetic {
		t.Error("single-star glob matched across segments")
	}
}

func TestDoubleStarGlob(t *testing.T) {
	rs := testRuleSet(t, config.RuleConfig{
		ID: "deep", Priority: 1,
		Match: config.MatchConfig{Endpoint: "/api/**", EndpointMatchType: "glob"},
		Limit: config.LimitConfig{Requests: 1, Window: time.Minute},
	})

	for _, path := range []string{"/api/a", "/api/a/b/c"} {
		if m := rs.Match(&Context{Path: path}); m.RuleID != "deep" {
			t.Errorf("path %q did not match **", path)
		}
	}
	if m := rs.Match(&Context{Path: "/other"}); !m.Synthetic {
		t.Error("/other matched /api/**")
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	rs := testRuleSet(t, config.RuleConfig{
		ID: "off", Priority: 100, Enabled: boolPtr(false),
		Match: config.MatchConfig{Endpoint: "/x"},
		Limit: config.LimitConfig{Requests: 1, Window: time.Minute},
	})
	if rs.Len() != 0 {
		t.Fatalf("rules loaded = %d, want 0", rs.Len())
	}
	if m := rs.Match(&Context{Path: "/x"}); !m.Synthetic {
		t.Error("disabled rule matched")
	}
}

func TestTierDefaultSynthesis(t *testing.T) {
	rs := testRuleSet(t)

	m := rs.Match(&Context{Path: "/anything", Tier: auth.TierPro, UserID: "u1"})
	if !m.Synthetic || m.Limit.Requests != 600 {
		t.Errorf("pro default = %+v", m)
	}
	if m.Key != "tier:pro:user:u1" {
		t.Errorf("key = %q", m.Key)
	}

	// Unknown tier falls to the global default; anonymous keys by IP.
	m = rs.Match(&Context{Path: "/anything", IP: "1.2.3.4"})
	if !m.Synthetic || m.Limit.Requests != 60 {
		t.Errorf("global default = %+v", m)
	}
	if m.Key != "tier:anonymous:ip:1.2.3.4" {
		t.Errorf("anonymous key = %q", m.Key)
	}
}

func TestAPIKeyPredicateUsesHashes(t *testing.T) {
	rs := testRuleSet(t, config.RuleConfig{
		ID: "partner", Priority: 1,
		Match: config.MatchConfig{APIKeys: []string{"secret-key-1"}},
		Limit: config.LimitConfig{Requests: 1000, Window: time.Minute},
	})

	if m := rs.Match(&Context{APIKey: "secret-key-1"}); m.RuleID != "partner" {
		t.Error("configured API key did not match")
	}
	if m := rs.Match(&Context{APIKey: "other"}); !m.Synthetic {
		t.Error("unknown API key matched")
	}
	if m := rs.Match(&Context{}); !m.Synthetic {
		t.Error("absent API key matched")
	}
}

func TestDeriveKey(t *testing.T) {
	rc := &Context{
		IP:     "10.1.2.3",
		UserID: "u42",
		APIKey: "k",
		Path:   "/api/x",
		Method: "POST",
	}
	anon := &Context{IP: "10.1.2.3", Path: "/api/x", Method: "GET"}

	tests := []struct {
		strategy string
		rc       *Context
		want     string
	}{
		{KeyByIP, rc, "ip:10.1.2.3"},
		{KeyByUser, rc, "user:u42"},
		{KeyByUser, anon, "ip:10.1.2.3"},
		{KeyByAPIKey, rc, "key:" + HashAPIKey("k")},
		{KeyByIPEndpoint, rc, "ip:10.1.2.3:ep:/api/x"},
		{KeyByUserEndpoint, rc, "user:u42:ep:/api/x"},
		{KeyByUserEndpoint, anon, "ip:10.1.2.3:ep:/api/x"},
		{KeyComposite, rc, "user|ip:u42:ep:/api/x:m:POST"},
		{KeyComposite, anon, "user|ip:10.1.2.3:ep:/api/x:m:GET"},
	}
	for _, tt := range tests {
		if got := DeriveKey(tt.strategy, tt.rc); got != tt.want {
			t.Errorf("DeriveKey(%s) = %q, want %q", tt.strategy, got, tt.want)
		}
	}
}
