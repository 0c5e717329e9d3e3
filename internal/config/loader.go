package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

var validMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validAlgorithms = map[string]bool{
	"token_bucket": true, "sliding_log": true, "sliding_counter": true,
}

var validKeyStrategies = map[string]bool{
	"": true, "ip": true, "user": true, "api-key": true,
	"ip-endpoint": true, "user-endpoint": true, "composite": true,
}

var validMatchTypes = map[string]bool{
	"": true, "exact": true, "prefix": true, "glob": true, "regex": true,
}

// Loader parses and validates configuration documents.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a Loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads, parses and validates a config file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return l.Parse(data)
}

// Parse parses YAML (JSON is valid YAML) over the defaults, applies
// environment overrides and validates the result.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} references with environment values.
// Unset variables are left verbatim so validation can flag them.
func (l *Loader) expandEnv(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// applyEnvOverrides lets selected fields be overridden without
// touching the document.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JANUS_LISTEN_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("JANUS_ADMIN_ADDR"); v != "" {
		cfg.Admin.Address = v
	}
	if v := os.Getenv("JANUS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("JANUS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("JANUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks a Config; the error lists every problem found.
func Validate(cfg *Config) error {
	var problems []string

	seen := make(map[string]bool, len(cfg.Backends))
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.Name == "" {
			problems = append(problems, fmt.Sprintf("backends[%d]: name is required", i))
			continue
		}
		if seen[b.Name] {
			problems = append(problems, fmt.Sprintf("backend %q: duplicate name", b.Name))
		}
		seen[b.Name] = true

		u, err := url.Parse(b.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("backend %q: invalid url %q", b.Name, b.URL))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			problems = append(problems, fmt.Sprintf("backend %q: unsupported scheme %q", b.Name, u.Scheme))
		}

		if len(b.Routes) == 0 {
			problems = append(problems, fmt.Sprintf("backend %q: at least one route is required", b.Name))
		}
		for _, route := range b.Routes {
			if !strings.HasPrefix(route, "/") {
				problems = append(problems, fmt.Sprintf("backend %q: route %q must start with /", b.Name, route))
			}
			if strings.ContainsAny(route, "*") {
				if !doublestar.ValidatePattern(route) {
					problems = append(problems, fmt.Sprintf("backend %q: invalid glob %q", b.Name, route))
				}
			}
		}

		if hc := b.HealthCheck; hc != nil {
			if hc.Interval < 0 || hc.Timeout < 0 {
				problems = append(problems, fmt.Sprintf("backend %q: negative health check durations", b.Name))
			}
			if hc.Path != "" && !strings.HasPrefix(hc.Path, "/") {
				problems = append(problems, fmt.Sprintf("backend %q: health path %q must start with /", b.Name, hc.Path))
			}
		}
		if cb := b.Breaker; cb != nil {
			problems = append(problems, validateBreaker(fmt.Sprintf("backend %q", b.Name), cb)...)
		}
	}

	problems = append(problems, validateBreaker("circuit_breaker", &cfg.Breaker)...)
	problems = append(problems, validateRateLimit(&cfg.RateLimit)...)

	for _, cidr := range cfg.Trust.CIDRs {
		if !validCIDROrIP(cidr) {
			problems = append(problems, fmt.Sprintf("trusted_proxies: invalid entry %q", cidr))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateBreaker(scope string, cb *CircuitBreakerConfig) []string {
	var problems []string
	switch cb.Mode {
	case "", "consecutive", "window":
	default:
		problems = append(problems, fmt.Sprintf("%s: unknown breaker mode %q", scope, cb.Mode))
	}
	if cb.FailureRateThreshold < 0 || cb.FailureRateThreshold > 100 {
		problems = append(problems, fmt.Sprintf("%s: failure_rate_threshold must be 0-100", scope))
	}
	if cb.ResetTimeout < 0 || cb.FailureWindow < 0 {
		problems = append(problems, fmt.Sprintf("%s: negative breaker durations", scope))
	}
	return problems
}

func validateRateLimit(rl *RateLimitConfig) []string {
	var problems []string

	ids := make(map[string]bool, len(rl.Rules))
	for i := range rl.Rules {
		r := &rl.Rules[i]
		scope := fmt.Sprintf("rate_limit.rules[%d]", i)
		if r.ID == "" {
			problems = append(problems, scope+": id is required")
		} else if ids[r.ID] {
			problems = append(problems, fmt.Sprintf("%s: duplicate id %q", scope, r.ID))
		}
		ids[r.ID] = true

		if !validKeyStrategies[r.KeyStrategy] {
			problems = append(problems, fmt.Sprintf("%s: unknown key_strategy %q", scope, r.KeyStrategy))
		}
		if !validMatchTypes[r.Match.EndpointMatchType] {
			problems = append(problems, fmt.Sprintf("%s: unknown endpoint_match_type %q", scope, r.Match.EndpointMatchType))
		}
		if r.Match.EndpointMatchType == "regex" && r.Match.Endpoint != "" {
			if _, err := regexp.Compile(r.Match.Endpoint); err != nil {
				problems = append(problems, fmt.Sprintf("%s: invalid regex: %v", scope, err))
			}
		}
		for _, m := range r.Match.Methods {
			if !validMethods[strings.ToUpper(m)] {
				problems = append(problems, fmt.Sprintf("%s: invalid method %q", scope, m))
			}
		}
		problems = append(problems, validateLimit(scope, &r.Limit)...)
	}

	if rl.Default.Requests > 0 {
		problems = append(problems, validateLimit("rate_limit.default", &rl.Default)...)
	}
	for tier, limit := range rl.TierDefaults {
		lc := limit
		problems = append(problems, validateLimit("rate_limit.tier_defaults."+tier, &lc)...)
	}

	for _, entry := range rl.Bypass.IPs {
		if !validCIDROrIP(entry) {
			problems = append(problems, fmt.Sprintf("rate_limit.bypass: invalid ip %q", entry))
		}
	}
	return problems
}

func validateLimit(scope string, lc *LimitConfig) []string {
	var problems []string
	if lc.Algorithm != "" && !validAlgorithms[lc.Algorithm] {
		problems = append(problems, fmt.Sprintf("%s: unknown algorithm %q", scope, lc.Algorithm))
	}
	if lc.Requests <= 0 {
		problems = append(problems, fmt.Sprintf("%s: requests must be positive", scope))
	}
	if lc.Window <= 0 {
		problems = append(problems, fmt.Sprintf("%s: window must be positive", scope))
	}
	if lc.Burst < 0 {
		problems = append(problems, fmt.Sprintf("%s: burst must not be negative", scope))
	}
	if lc.Window > 0 && lc.Window < time.Second {
		problems = append(problems, fmt.Sprintf("%s: window must be at least 1s", scope))
	}
	return problems
}

func validCIDROrIP(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

// ValidationError aggregates every problem found in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}
