package ratelimit

import (
	"net"
	"strings"

	"github.com/vireolabs/janus/internal/config"
)

// BypassDecision says whether a request skips rate limiting and why.
type BypassDecision struct {
	Bypass bool
	Reason string
}

// Bypass evaluates whitelist short-circuits. When a request is
// bypassed the shared store is never touched.
type Bypass struct {
	ipExact        map[string]bool
	ipNets         []*net.IPNet
	userIDs        map[string]bool
	apiKeyHashes   map[string]bool
	paths          map[string]bool
	internal       bool
	internalHeader string
}

// CompileBypass builds the evaluator from config. Invalid CIDR
// entries were already rejected by config validation.
func CompileBypass(cfg config.BypassConfig) *Bypass {
	b := &Bypass{
		ipExact:        make(map[string]bool),
		userIDs:        toSet(cfg.UserIDs),
		paths:          toSet(cfg.Paths),
		internal:       cfg.Internal,
		internalHeader: cfg.InternalHeader,
	}
	if b.internalHeader == "" {
		b.internalHeader = "X-Janus-Internal"
	}

	for _, entry := range cfg.IPs {
		if strings.Contains(entry, "/") {
			if _, ipNet, err := net.ParseCIDR(entry); err == nil {
				b.ipNets = append(b.ipNets, ipNet)
			}
			continue
		}
		b.ipExact[entry] = true
	}

	if len(cfg.APIKeys) > 0 {
		b.apiKeyHashes = make(map[string]bool, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			b.apiKeyHashes[HashAPIKey(k)] = true
		}
	}
	return b
}

// Check evaluates the whitelist sources in order: IP, user, API key,
// path, internal marker.
func (b *Bypass) Check(rc *Context) BypassDecision {
	if b.ipExact[rc.IP] {
		return BypassDecision{Bypass: true, Reason: "ip-whitelist"}
	}
	if len(b.ipNets) > 0 {
		if ip := net.ParseIP(rc.IP); ip != nil {
			for _, n := range b.ipNets {
				if n.Contains(ip) {
					return BypassDecision{Bypass: true, Reason: "ip-whitelist"}
				}
			}
		}
	}
	if rc.UserID != "" && b.userIDs[rc.UserID] {
		return BypassDecision{Bypass: true, Reason: "user-whitelist"}
	}
	if rc.APIKey != "" && b.apiKeyHashes[HashAPIKey(rc.APIKey)] {
		return BypassDecision{Bypass: true, Reason: "api-key-whitelist"}
	}
	if b.paths[rc.Path] {
		return BypassDecision{Bypass: true, Reason: "path-whitelist"}
	}
	if b.internal && rc.Headers != nil && rc.Headers.Get(b.internalHeader) == "true" {
		return BypassDecision{Bypass: true, Reason: "internal"}
	}
	return BypassDecision{}
}
