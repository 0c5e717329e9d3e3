package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/vireolabs/janus/internal/config"
)

// TrustedProxies resolves the true client IP. Forwarded headers are
// only believed when the direct peer is inside a trusted CIDR; the
// X-Forwarded-For chain is walked right to left past trusted hops.
type TrustedProxies struct {
	nets []*net.IPNet
}

// NewTrustedProxies parses the configured CIDRs. Bare IPs get a full
// mask.
func NewTrustedProxies(cfg config.TrustConfig) (*TrustedProxies, error) {
	tp := &TrustedProxies{}
	for _, c := range cfg.CIDRs {
		if !strings.Contains(c, "/") {
			if strings.Contains(c, ":") {
				c += "/128"
			} else {
				c += "/32"
			}
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		tp.nets = append(tp.nets, n)
	}
	return tp, nil
}

func (tp *TrustedProxies) trusted(ip net.IP) bool {
	for _, n := range tp.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP derives the client address for a request.
func (tp *TrustedProxies) ClientIP(r *http.Request) string {
	peer := remoteIP(r)
	if peer == nil {
		return r.RemoteAddr
	}
	if !tp.trusted(peer) {
		return peer.String()
	}

	// Walk the chain from the right, skipping our own proxies; the
	// first untrusted address is the client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			ip := net.ParseIP(strings.TrimSpace(hops[i]))
			if ip == nil {
				break
			}
			if !tp.trusted(ip) {
				return ip.String()
			}
		}
		// Every hop trusted: the leftmost is the best claim.
		if ip := net.ParseIP(strings.TrimSpace(hops[0])); ip != nil {
			return ip.String()
		}
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		if ip := net.ParseIP(strings.TrimSpace(real)); ip != nil {
			return ip.String()
		}
	}
	return peer.String()
}

func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// RealIP stores the resolved client IP in the request context.
func RealIP(tp *TrustedProxies) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientIPKey, tp.ClientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClientIP returns the IP stored by RealIP, falling back to the
// peer address.
func GetClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey).(string); ok {
		return ip
	}
	if ip := remoteIP(r); ip != nil {
		return ip.String()
	}
	return r.RemoteAddr
}
