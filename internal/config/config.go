package config

import (
	"time"
)

// Config is the root configuration document. A parsed and validated
// Config is immutable: reloads produce a fresh value and swap an
// atomic pointer, never mutate in place.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Admin     AdminConfig          `yaml:"admin"`
	Logging   LoggingConfig        `yaml:"logging"`
	Redis     RedisConfig          `yaml:"redis"`
	Proxy     ProxyConfig          `yaml:"proxy"`
	Backends  []BackendConfig      `yaml:"backends"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	Breaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
	Transform TransformConfig      `yaml:"transform"`
	Trust     TrustConfig          `yaml:"trusted_proxies"`
	Shutdown  ShutdownConfig       `yaml:"shutdown"`
}

// ServerConfig configures the inbound listener.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	// MaxBodyBytes bounds request bodies for gateway-local endpoints.
	// Proxied requests stream through untouched.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// AdminConfig configures the gateway-local introspection server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig configures the coordination store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// ProxyConfig holds executor-wide defaults; backends may override.
type ProxyConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RetryOn5xx     bool          `yaml:"retry_on_5xx"`
	FlushInterval  time.Duration `yaml:"flush_interval"`

	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"`
}

// BackendConfig describes one upstream service.
type BackendConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Routes  []string      `yaml:"routes"`
	Weight  int           `yaml:"weight"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`

	HealthCheck *HealthCheckConfig    `yaml:"health_check"`
	Breaker     *CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// HealthCheckConfig describes one backend's probe.
type HealthCheckConfig struct {
	Path               string        `yaml:"path"`
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
}

// CircuitBreakerConfig describes breaker behaviour for a backend.
// Mode is "consecutive" or "window".
type CircuitBreakerConfig struct {
	Mode                    string        `yaml:"mode"`
	FailureThreshold        int           `yaml:"failure_threshold"`
	SuccessThreshold        int           `yaml:"success_threshold"`
	ResetTimeout            time.Duration `yaml:"reset_timeout"`
	FailureWindow           time.Duration `yaml:"failure_window"`
	FailureRateThreshold    float64       `yaml:"failure_rate_threshold"`
	MinimumRequestThreshold int           `yaml:"minimum_request_threshold"`
}

// RateLimitConfig is the rate-limiting document: rules, tier defaults
// and the bypass whitelists.
type RateLimitConfig struct {
	Enabled bool         `yaml:"enabled"`
	Headers bool         `yaml:"headers"` // emit X-RateLimit-* on allowed responses too
	Rules   []RuleConfig `yaml:"rules"`

	// TierDefaults apply when no rule matches; keyed by tier name.
	TierDefaults map[string]LimitConfig `yaml:"tier_defaults"`

	// Default applies when the tier is unknown.
	Default LimitConfig `yaml:"default"`

	Bypass BypassConfig `yaml:"bypass"`
}

// RuleConfig is one rate-limit rule; highest priority wins.
type RuleConfig struct {
	ID          string      `yaml:"id"`
	Priority    int         `yaml:"priority"`
	Enabled     *bool       `yaml:"enabled"`
	Match       MatchConfig `yaml:"match"`
	Limit       LimitConfig `yaml:"limit"`
	KeyStrategy string      `yaml:"key_strategy"`
}

// MatchConfig is the rule predicate; empty fields match everything.
type MatchConfig struct {
	Endpoint          string            `yaml:"endpoint"`
	EndpointMatchType string            `yaml:"endpoint_match_type"` // exact, prefix, glob, regex
	Methods           []string          `yaml:"methods"`
	Tiers             []string          `yaml:"tiers"`
	UserIDs           []string          `yaml:"user_ids"`
	IPs               []string          `yaml:"ips"`
	APIKeys           []string          `yaml:"api_keys"`
	Headers           map[string]string `yaml:"headers"`
}

// LimitConfig is a rate budget.
type LimitConfig struct {
	Algorithm string        `yaml:"algorithm"` // token_bucket, sliding_log, sliding_counter
	Requests  int           `yaml:"requests"`
	Window    time.Duration `yaml:"window"`
	Burst     int           `yaml:"burst"`
}

// BypassConfig whitelists requests that skip rate limiting entirely.
type BypassConfig struct {
	IPs            []string `yaml:"ips"` // exact or CIDR
	UserIDs        []string `yaml:"user_ids"`
	APIKeys        []string `yaml:"api_keys"`
	Paths          []string `yaml:"paths"`
	Internal       bool     `yaml:"internal"`
	InternalHeader string   `yaml:"internal_header"`
}

// TransformConfig configures the header pipeline.
type TransformConfig struct {
	Request  HeaderPhaseConfig `yaml:"request"`
	Response HeaderPhaseConfig `yaml:"response"`
}

// HeaderPhaseConfig is one direction of header edits.
type HeaderPhaseConfig struct {
	Add    map[string]string `yaml:"add"`
	Rename map[string]string `yaml:"rename"`
	Remove []string          `yaml:"remove"`
}

// TrustConfig lists proxies whose forwarded headers are believed.
type TrustConfig struct {
	CIDRs []string `yaml:"cidrs"`
}

// ShutdownConfig bounds the drain phase.
type ShutdownConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// Default returns a Config with every default the rest of the system
// assumes. Loading overlays the document on top of this.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			MaxBodyBytes:      10 << 20,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9901",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "janus:rl:",
		},
		Proxy: ProxyConfig{
			DefaultTimeout:      30 * time.Second,
			RetryDelay:          100 * time.Millisecond,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Headers: true,
			Default: LimitConfig{
				Algorithm: "token_bucket",
				Requests:  60,
				Window:    time.Minute,
			},
			Bypass: BypassConfig{InternalHeader: "X-Janus-Internal"},
		},
		Breaker: CircuitBreakerConfig{
			Mode:                    "consecutive",
			FailureThreshold:        5,
			SuccessThreshold:        2,
			ResetTimeout:            30 * time.Second,
			FailureWindow:           60 * time.Second,
			FailureRateThreshold:    50,
			MinimumRequestThreshold: 10,
		},
		Shutdown: ShutdownConfig{DrainTimeout: 30 * time.Second},
	}
}

// BreakerFor returns the backend's breaker config, falling back to the
// global default.
func (c *Config) BreakerFor(b *BackendConfig) CircuitBreakerConfig {
	if b.Breaker != nil {
		return *b.Breaker
	}
	return c.Breaker
}

// RuleEnabled reports whether a rule is on; the zero value means on.
func (r *RuleConfig) RuleEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}
