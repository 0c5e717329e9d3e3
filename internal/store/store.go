// Package store is the capability surface the rate limiter needs from
// the external coordination store. It deliberately exposes only the
// primitives the Lua-scripted transactions use; callers never compose
// multi-step read-modify-write sequences out of these.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks a coordination-store connectivity failure.
// The rate limiter keys its fail-open policy off this sentinel.
var ErrUnavailable = errors.New("coordination store unavailable")

// Unavailable wraps err so callers can detect connectivity loss with
// errors.Is(err, ErrUnavailable).
func Unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// ZMember is a sorted-set member with its score.
type ZMember struct {
	Score  float64
	Member string
}

// Store is the minimum capability set over the coordination store.
// Implementations must not retry internally; the caller decides.
type Store interface {
	// IncrWithTTL atomically increments key by delta and ensures ttl.
	IncrWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// HGetAll reads an entire hash; a missing key returns an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet writes hash fields and ensures ttl.
	HSet(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error

	// ZAdd adds members to a sorted set.
	ZAdd(ctx context.Context, key string, members ...ZMember) error

	// ZCount counts members with scores in [min, max].
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)

	// ZRemRangeByScore trims members with scores in [min, max].
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// Eval runs a script atomically against the given keys.
	Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error)

	// MGet reads several plain keys at once; missing keys yield nil.
	MGet(ctx context.Context, keys ...string) ([]any, error)

	// Del removes keys.
	Del(ctx context.Context, keys ...string) error

	// Ping verifies connectivity; used by readiness checks.
	Ping(ctx context.Context) error

	Close() error
}

// Script is a named server-side script. The source is the coordination
// language of the store (Lua for Redis).
type Script struct {
	Name   string
	Source string
}

// NewScript declares a script.
func NewScript(name, source string) *Script {
	return &Script{Name: name, Source: source}
}
