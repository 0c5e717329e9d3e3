package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vireolabs/janus/internal/config"
)

// TransportPool keeps one transport per backend so connection pools
// survive across requests and reloads of unrelated backends.
type TransportPool struct {
	cfg config.ProxyConfig

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewTransportPool creates a pool with the given tuning.
func NewTransportPool(cfg config.ProxyConfig) *TransportPool {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 10
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	return &TransportPool{
		cfg:        cfg,
		transports: make(map[string]*http.Transport),
	}
}

// Get returns the backend's transport, creating it on first use.
func (p *TransportPool) Get(backend string) *http.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[backend]; ok {
		return t
	}
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          p.cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   p.cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       p.cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	if p.cfg.InsecureSkipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	p.transports[backend] = t
	return t
}

// Prune closes and drops transports for backends not in keep.
func (p *TransportPool) Prune(keep map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.transports {
		if !keep[name] {
			t.CloseIdleConnections()
			delete(p.transports, name)
		}
	}
}

// Close releases every idle connection.
func (p *TransportPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}
