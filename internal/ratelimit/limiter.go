package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vireolabs/janus/internal/config"
	"github.com/vireolabs/janus/internal/logging"
	"github.com/vireolabs/janus/internal/store"
)

// Algorithm names as they appear in config and observation events.
const (
	AlgoTokenBucket    = "token_bucket"
	AlgoSlidingLog     = "sliding_log"
	AlgoSlidingCounter = "sliding_counter"
)

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Algorithm  string

	// FailedOpen marks decisions taken while the coordination store
	// was unreachable or over the latency budget.
	FailedOpen bool
}

// Limiter runs the three scripted algorithms against the shared store.
// It never retries: a failed round trip is a fail-open decision.
type Limiter struct {
	store   store.Store
	prefix  string
	budget  time.Duration
	metrics *Metrics
}

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	Store     store.Store
	KeyPrefix string
	// Budget bounds one check's store round trip; expiry fails open.
	Budget time.Duration
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "janus:rl:"
	}
	if cfg.Budget == 0 {
		cfg.Budget = 50 * time.Millisecond
	}
	return &Limiter{
		store:   cfg.Store,
		prefix:  cfg.KeyPrefix,
		budget:  cfg.Budget,
		metrics: NewMetrics(),
	}
}

// Metrics exposes the in-process counters for the observation emitter.
func (l *Limiter) Metrics() *Metrics { return l.metrics }

// Check consumes cost from the key's budget under the given limit.
// tier is only used for metrics attribution.
func (l *Limiter) Check(ctx context.Context, key string, limit config.LimitConfig, cost int, tier string) Result {
	if cost <= 0 {
		cost = 1
	}
	algo := limit.Algorithm
	if algo == "" {
		algo = AlgoTokenBucket
	}

	start := time.Now()
	res, err := l.run(ctx, algo, l.prefix+key, limit, cost)
	elapsed := time.Since(start)
	l.metrics.Observe(algo, tier, res.Allowed, err != nil, elapsed)

	if err != nil {
		// Availability over correctness during coordination outage;
		// the breaker still guards upstreams.
		logging.Warn("rate limit store unavailable, failing open",
			zap.String("key", key),
			zap.String("algorithm", algo),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return Result{
			Allowed:    true,
			Limit:      limit.Requests,
			Remaining:  limit.Requests,
			ResetAt:    time.Now().Add(limit.Window),
			Algorithm:  algo,
			FailedOpen: true,
		}
	}
	return res
}

func (l *Limiter) run(ctx context.Context, algo, key string, limit config.LimitConfig, cost int) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, l.budget)
	defer cancel()

	now := time.Now().UnixMilli()
	windowMs := limit.Window.Milliseconds()

	var raw any
	var err error
	switch algo {
	case AlgoSlidingLog:
		tag := uuid.NewString()[:8]
		raw, err = l.store.Eval(ctx, slidingLogScript, []string{key},
			now, limit.Requests, windowMs, cost, tag)
	case AlgoSlidingCounter:
		raw, err = l.store.Eval(ctx, slidingCounterScript, []string{key},
			now, limit.Requests, windowMs, cost)
	default:
		maxTokens := limit.Requests
		if limit.Burst > 0 {
			maxTokens = limit.Burst
		}
		raw, err = l.store.Eval(ctx, tokenBucketScript, []string{key},
			now, limit.Requests, windowMs, maxTokens, cost)
	}
	if err != nil {
		return Result{}, err
	}

	vals, ok := raw.([]any)
	if !ok || len(vals) < 3 {
		return Result{}, store.Unavailable(errMalformedReply)
	}

	allowed := asInt64(vals[0]) == 1
	remaining := int(asInt64(vals[1]))
	resetAt := time.UnixMilli(asInt64(vals[2]))
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:   allowed,
		Limit:     limit.Requests,
		Remaining: remaining,
		ResetAt:   resetAt,
		Algorithm: algo,
	}
	if !allowed {
		res.RetryAfter = time.Until(resetAt)
		if res.RetryAfter < time.Second {
			res.RetryAfter = time.Second
		}
	}
	return res, nil
}

// Peek reports current state for a key without consuming budget.
// A nil result means no state exists yet.
func (l *Limiter) Peek(ctx context.Context, key string, limit config.LimitConfig) (*Result, error) {
	full := l.prefix + key
	now := time.Now()

	switch limit.Algorithm {
	case AlgoSlidingLog:
		if err := l.store.ZRemRangeByScore(ctx, full, 0, float64(now.Add(-limit.Window).UnixMilli())); err != nil {
			return nil, err
		}
		count, err := l.store.ZCount(ctx, full, 0, float64(now.UnixMilli()))
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, nil
		}
		return &Result{
			Allowed:   count < int64(limit.Requests),
			Limit:     limit.Requests,
			Remaining: max(0, limit.Requests-int(count)),
			ResetAt:   now.Add(limit.Window),
			Algorithm: AlgoSlidingLog,
		}, nil

	case AlgoSlidingCounter:
		windowMs := limit.Window.Milliseconds()
		nowMs := now.UnixMilli()
		currStart := nowMs - nowMs%windowMs
		prevStart := currStart - windowMs
		vals, err := l.store.MGet(ctx,
			full+":"+strconv.FormatInt(currStart, 10),
			full+":"+strconv.FormatInt(prevStart, 10))
		if err != nil {
			return nil, err
		}
		curr := parseCount(vals[0])
		prev := parseCount(vals[1])
		if curr == 0 && prev == 0 {
			return nil, nil
		}
		progress := float64(nowMs-currStart) / float64(windowMs)
		weighted := float64(prev)*(1-progress) + float64(curr)
		return &Result{
			Allowed:   weighted < float64(limit.Requests),
			Limit:     limit.Requests,
			Remaining: max(0, limit.Requests-int(weighted)),
			ResetAt:   time.UnixMilli(currStart + windowMs),
			Algorithm: AlgoSlidingCounter,
		}, nil

	default:
		fields, err := l.store.HGetAll(ctx, full)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return nil, nil
		}
		tokens, _ := strconv.ParseFloat(fields["tokens"], 64)
		return &Result{
			Allowed:   tokens >= 1,
			Limit:     limit.Requests,
			Remaining: int(tokens),
			ResetAt:   now.Add(limit.Window),
			Algorithm: AlgoTokenBucket,
		}, nil
	}
}

// Reset clears all state for a key across algorithms.
func (l *Limiter) Reset(ctx context.Context, key string, limit config.LimitConfig) error {
	full := l.prefix + key
	keys := []string{full}
	if limit.Window > 0 {
		windowMs := limit.Window.Milliseconds()
		nowMs := time.Now().UnixMilli()
		currStart := nowMs - nowMs%windowMs
		keys = append(keys,
			full+":"+strconv.FormatInt(currStart, 10),
			full+":"+strconv.FormatInt(currStart-windowMs, 10))
	}
	return l.store.Del(ctx, keys...)
}

var errMalformedReply = &malformedReplyError{}

type malformedReplyError struct{}

func (*malformedReplyError) Error() string { return "malformed script reply" }

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func parseCount(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
