package ratelimit

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/vireolabs/janus/internal/auth"
	"github.com/vireolabs/janus/internal/config"
)

// Context is the per-request input to rule matching, key derivation
// and bypass evaluation.
type Context struct {
	IP        string
	UserID    string
	APIKey    string
	Tier      auth.Tier
	Path      string
	Method    string
	Headers   http.Header
	RequestID string
}

// MatchedRule is the outcome of rule selection. Synthetic rules carry
// the tier or global default when no configured rule matched.
type MatchedRule struct {
	RuleID      string
	Synthetic   bool
	Limit       config.LimitConfig
	KeyStrategy string
	Key         string
}

// Rule is a compiled rate-limit rule. All predicates are ANDed; empty
// predicates match everything.
type Rule struct {
	ID          string
	Priority    int
	KeyStrategy string
	Limit       config.LimitConfig

	endpoint     string
	matchType    string
	endpointRE   *regexp.Regexp
	methods      map[string]bool
	tiers        map[string]bool
	userIDs      map[string]bool
	ips          map[string]bool
	apiKeyHashes map[string]bool
	headers      map[string]string
}

// CompileRule compiles one rule config.
func CompileRule(rc config.RuleConfig) (*Rule, error) {
	r := &Rule{
		ID:          rc.ID,
		Priority:    rc.Priority,
		KeyStrategy: rc.KeyStrategy,
		Limit:       rc.Limit,
		endpoint:    rc.Match.Endpoint,
		matchType:   rc.Match.EndpointMatchType,
	}
	if r.matchType == "" && r.endpoint != "" {
		if strings.ContainsAny(r.endpoint, "*") {
			r.matchType = "glob"
		} else {
			r.matchType = "exact"
		}
	}
	if r.matchType == "regex" {
		re, err := regexp.Compile(rc.Match.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.ID, err)
		}
		r.endpointRE = re
	}
	if r.matchType == "glob" && !doublestar.ValidatePattern(r.endpoint) {
		return nil, fmt.Errorf("rule %q: invalid glob %q", rc.ID, r.endpoint)
	}

	r.methods = toUpperSet(rc.Match.Methods)
	r.tiers = toSet(rc.Match.Tiers)
	r.userIDs = toSet(rc.Match.UserIDs)
	r.ips = toSet(rc.Match.IPs)
	if len(rc.Match.APIKeys) > 0 {
		r.apiKeyHashes = make(map[string]bool, len(rc.Match.APIKeys))
		for _, k := range rc.Match.APIKeys {
			r.apiKeyHashes[HashAPIKey(k)] = true
		}
	}
	if len(rc.Match.Headers) > 0 {
		r.headers = rc.Match.Headers
	}
	return r, nil
}

// Matches evaluates every specified predicate against the context.
func (r *Rule) Matches(rc *Context) bool {
	if r.endpoint != "" && !r.matchEndpoint(rc.Path) {
		return false
	}
	if r.methods != nil && !r.methods[rc.Method] {
		return false
	}
	if r.tiers != nil && !r.tiers[string(rc.Tier)] {
		return false
	}
	if r.userIDs != nil && !r.userIDs[rc.UserID] {
		return false
	}
	if r.ips != nil && !r.ips[rc.IP] {
		return false
	}
	if r.apiKeyHashes != nil {
		if rc.APIKey == "" || !r.apiKeyHashes[HashAPIKey(rc.APIKey)] {
			return false
		}
	}
	for name, want := range r.headers {
		if rc.Headers.Get(name) != want {
			return false
		}
	}
	return true
}

func (r *Rule) matchEndpoint(path string) bool {
	switch r.matchType {
	case "exact":
		return path == r.endpoint
	case "prefix":
		return strings.HasPrefix(path, r.endpoint)
	case "glob":
		// * spans one path segment, ** any number.
		ok, err := doublestar.Match(r.endpoint, path)
		return err == nil && ok
	case "regex":
		return r.endpointRE.MatchString(path)
	default:
		return path == r.endpoint
	}
}

// RuleSet holds compiled rules in evaluation order plus the defaults
// used to synthesize a rule when nothing matches.
type RuleSet struct {
	rules        []*Rule
	tierDefaults map[string]config.LimitConfig
	fallback     config.LimitConfig
}

// CompileRuleSet compiles the rate-limit document. Disabled rules are
// dropped here so the hot path never sees them.
func CompileRuleSet(cfg config.RateLimitConfig) (*RuleSet, error) {
	rs := &RuleSet{
		tierDefaults: cfg.TierDefaults,
		fallback:     cfg.Default,
	}
	if rs.fallback.Requests == 0 {
		rs.fallback = config.LimitConfig{
			Algorithm: AlgoTokenBucket,
			Requests:  60,
			Window:    time.Minute,
		}
	}

	for _, rc := range cfg.Rules {
		if !rc.RuleEnabled() {
			continue
		}
		r, err := CompileRule(rc)
		if err != nil {
			return nil, err
		}
		rs.rules = append(rs.rules, r)
	}

	// Priority descending; id ascending keeps ties deterministic.
	sort.SliceStable(rs.rules, func(i, j int) bool {
		if rs.rules[i].Priority != rs.rules[j].Priority {
			return rs.rules[i].Priority > rs.rules[j].Priority
		}
		return rs.rules[i].ID < rs.rules[j].ID
	})
	return rs, nil
}

// Match selects the first matching rule, or synthesizes one from the
// tier default (falling back to the global default). The returned
// rule always carries a derived key.
func (rs *RuleSet) Match(rc *Context) MatchedRule {
	for _, r := range rs.rules {
		if r.Matches(rc) {
			return MatchedRule{
				RuleID:      r.ID,
				Limit:       r.Limit,
				KeyStrategy: r.KeyStrategy,
				Key:         r.ID + ":" + DeriveKey(r.KeyStrategy, rc),
			}
		}
	}

	tier := rc.Tier
	if tier == "" {
		tier = auth.TierAnonymous
	}
	limit, ok := rs.tierDefaults[string(tier)]
	if !ok {
		limit = rs.fallback
	}
	strategy := KeyByUser
	if rc.UserID == "" {
		strategy = KeyByIP
	}
	return MatchedRule{
		RuleID:      "tier:" + string(tier),
		Synthetic:   true,
		Limit:       limit,
		KeyStrategy: strategy,
		Key:         "tier:" + string(tier) + ":" + DeriveKey(strategy, rc),
	}
}

// Len reports how many enabled rules are loaded.
func (rs *RuleSet) Len() int { return len(rs.rules) }

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

func toUpperSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[strings.ToUpper(s)] = true
	}
	return m
}
