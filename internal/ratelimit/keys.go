package ratelimit

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Key strategies decide what a rate-limit counter is keyed by.
const (
	KeyByIP           = "ip"
	KeyByUser         = "user"
	KeyByAPIKey       = "api-key"
	KeyByIPEndpoint   = "ip-endpoint"
	KeyByUserEndpoint = "user-endpoint"
	KeyComposite      = "composite"
)

// HashAPIKey hashes an API key so raw secrets never reach the
// coordination store or config comparisons.
func HashAPIKey(apiKey string) string {
	return strconv.FormatUint(xxhash.Sum64String(apiKey), 16)
}

// DeriveKey builds the store key for a request under the strategy.
// User-based strategies fall back to IP when no principal is present.
func DeriveKey(strategy string, rc *Context) string {
	switch strategy {
	case KeyByUser:
		if rc.UserID != "" {
			return "user:" + rc.UserID
		}
		return "ip:" + rc.IP
	case KeyByAPIKey:
		if rc.APIKey != "" {
			return "key:" + HashAPIKey(rc.APIKey)
		}
		return "ip:" + rc.IP
	case KeyByIPEndpoint:
		return "ip:" + rc.IP + ":ep:" + rc.Path
	case KeyByUserEndpoint:
		if rc.UserID != "" {
			return "user:" + rc.UserID + ":ep:" + rc.Path
		}
		return "ip:" + rc.IP + ":ep:" + rc.Path
	case KeyComposite:
		id := rc.UserID
		if id == "" {
			id = rc.IP
		}
		return "user|ip:" + id + ":ep:" + rc.Path + ":m:" + rc.Method
	default: // KeyByIP
		return "ip:" + rc.IP
	}
}
