// Package auth defines the principal model the gateway consumes.
// Verification itself (tokens, RBAC) lives behind the Authenticator
// interface and is provided by an external collaborator.
package auth

import (
	"context"
	"net/http"
)

// Tier classifies a principal for default rate limits.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierUnlimited  Tier = "unlimited"
)

// Principal is the authenticated identity attached to a request.
type Principal struct {
	ID       string
	Email    string
	Roles    []string
	Tier     Tier
	AuthType string // e.g. "jwt", "api-key"
}

// Authenticator resolves a principal from a request. A nil principal
// with a nil error means the request is anonymous.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (*Principal, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (*Principal, error) { return f(r) }

type principalKey struct{}

// WithPrincipal stores the principal on the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal attached to the context, if any.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// TierOf returns the principal's tier, or anonymous when absent.
func TierOf(p *Principal) Tier {
	if p == nil || p.Tier == "" {
		return TierAnonymous
	}
	return p.Tier
}
