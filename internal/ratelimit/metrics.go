package ratelimit

import (
	"sync"
	"time"
)

// Metrics keeps in-process counters per algorithm and tier. The
// observation emitter reads them; nothing here aggregates further.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]*counterSet
}

type counterSet struct {
	TotalChecks int64
	Allowed     int64
	Denied      int64
	Bypassed    int64
	FailedOpen  int64
	// avgLatency is an exponentially weighted moving average.
	avgLatency time.Duration
}

// CounterSnapshot is a point-in-time copy for one algorithm/tier pair.
type CounterSnapshot struct {
	Algorithm   string        `json:"algorithm"`
	Tier        string        `json:"tier"`
	TotalChecks int64         `json:"total_checks"`
	Allowed     int64         `json:"allowed"`
	Denied      int64         `json:"denied"`
	Bypassed    int64         `json:"bypassed"`
	FailedOpen  int64         `json:"failed_open"`
	AvgLatency  time.Duration `json:"avg_latency"`
}

// NewMetrics creates an empty metrics table.
func NewMetrics() *Metrics {
	return &Metrics{counters: make(map[string]*counterSet)}
}

// Observe records one check outcome.
func (m *Metrics) Observe(algo, tier string, allowed, failedOpen bool, latency time.Duration) {
	key := algo + "|" + tier

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		c = &counterSet{}
		m.counters[key] = c
	}
	c.TotalChecks++
	if failedOpen {
		c.FailedOpen++
	}
	if allowed || failedOpen {
		c.Allowed++
	} else {
		c.Denied++
	}
	if c.avgLatency == 0 {
		c.avgLatency = latency
	} else {
		c.avgLatency = (c.avgLatency*7 + latency) / 8
	}
}

// ObserveBypass records a whitelist short-circuit. No algorithm ran,
// so the row is keyed under "bypass".
func (m *Metrics) ObserveBypass(tier string) {
	key := "bypass|" + tier

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		c = &counterSet{}
		m.counters[key] = c
	}
	c.TotalChecks++
	c.Bypassed++
}

// Snapshot copies every counter pair.
func (m *Metrics) Snapshot() []CounterSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CounterSnapshot, 0, len(m.counters))
	for key, c := range m.counters {
		algo, tier := splitKey(key)
		out = append(out, CounterSnapshot{
			Algorithm:   algo,
			Tier:        tier,
			TotalChecks: c.TotalChecks,
			Allowed:     c.Allowed,
			Denied:      c.Denied,
			Bypassed:    c.Bypassed,
			FailedOpen:  c.FailedOpen,
			AvgLatency:  c.avgLatency,
		})
	}
	return out
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
