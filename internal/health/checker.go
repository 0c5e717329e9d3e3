package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vireolabs/janus/internal/config"
	"github.com/vireolabs/janus/internal/logging"
)

// Status is the per-backend health state.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Routable reports whether a backend in this state may receive
// traffic. Degraded backends still serve; only unhealthy is excluded.
func (s Status) Routable() bool {
	return s == StatusHealthy || s == StatusDegraded || s == StatusUnknown
}

// Target is one backend under observation.
type Target struct {
	Name               string
	URL                string
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	HealthyThreshold   int
	UnhealthyThreshold int
}

// Snapshot is a point-in-time view of one target's state.
type Snapshot struct {
	Name            string        `json:"name"`
	Status          Status        `json:"status"`
	LastCheck       time.Time     `json:"last_check"`
	LastSuccess     time.Time     `json:"last_success"`
	LastError       string        `json:"last_error,omitempty"`
	ConsecutivePass int           `json:"consecutive_pass"`
	ConsecutiveFail int           `json:"consecutive_fail"`
	TotalChecks     int64         `json:"total_checks"`
	TotalFailures   int64         `json:"total_failures"`
	Latency         time.Duration `json:"latency"`
	Forced          bool          `json:"forced,omitempty"`
}

// ChangeFunc is invoked on every state transition.
type ChangeFunc func(name string, from, to Status)

// Checker drives one probe loop per target. Each target's state has a
// single writer (its loop, or ForceStatus); readers take the lock
// briefly for a snapshot.
type Checker struct {
	client   *http.Client
	onChange ChangeFunc

	mu      sync.RWMutex
	targets map[string]*targetState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type targetState struct {
	target Target
	cancel context.CancelFunc

	status          Status
	lastCheck       time.Time
	lastSuccess     time.Time
	lastError       error
	consecutivePass int
	consecutiveFail int
	totalChecks     int64
	totalFailures   int64
	latency         time.Duration
	forced          bool
}

// CheckerConfig configures the Checker.
type CheckerConfig struct {
	OnChange ChangeFunc
	// Transport is swappable for tests.
	Transport http.RoundTripper
}

// NewChecker creates a Checker; call Stop to release all timers.
func NewChecker(cfg CheckerConfig) *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &Checker{
		client:   &http.Client{Transport: transport},
		onChange: cfg.OnChange,
		targets:  make(map[string]*targetState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// TargetFromConfig builds a Target from a backend config, applying
// probe defaults.
func TargetFromConfig(b config.BackendConfig) Target {
	t := Target{
		Name:               b.Name,
		URL:                b.URL,
		Path:               "/health",
		Interval:           10 * time.Second,
		Timeout:            5 * time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	}
	if hc := b.HealthCheck; hc != nil {
		if hc.Path != "" {
			t.Path = hc.Path
		}
		if hc.Interval > 0 {
			t.Interval = hc.Interval
		}
		if hc.Timeout > 0 {
			t.Timeout = hc.Timeout
		}
		if hc.HealthyThreshold > 0 {
			t.HealthyThreshold = hc.HealthyThreshold
		}
		if hc.UnhealthyThreshold > 0 {
			t.UnhealthyThreshold = hc.UnhealthyThreshold
		}
	}
	return t
}

// Add registers a target and starts its probe loop. Re-adding a name
// replaces the old loop.
func (c *Checker) Add(t Target) {
	c.mu.Lock()
	if old, ok := c.targets[t.Name]; ok {
		old.cancel()
	}
	loopCtx, loopCancel := context.WithCancel(c.ctx)
	st := &targetState{target: t, cancel: loopCancel, status: StatusUnknown}
	c.targets[t.Name] = st
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(loopCtx, t)
}

// Target returns the registered probe config for a name.
func (c *Checker) Target(name string) (Target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.targets[name]; ok {
		return st.target, true
	}
	return Target{}, false
}

// Remove stops a target's loop and drops its state.
func (c *Checker) Remove(name string) {
	c.mu.Lock()
	if st, ok := c.targets[name]; ok {
		st.cancel()
		delete(c.targets, name)
	}
	c.mu.Unlock()
}

// Stop terminates every loop and waits for them to exit.
func (c *Checker) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Status returns the state for a name; unknown names are unknown.
func (c *Checker) Status(name string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.targets[name]; ok {
		return st.status
	}
	return StatusUnknown
}

// Routable reports whether the named backend may receive traffic.
func (c *Checker) Routable(name string) bool {
	return c.Status(name).Routable()
}

// ForceStatus overrides a target's state, bypassing thresholds. The
// next probe result resumes normal transitions from the forced state.
func (c *Checker) ForceStatus(name string, status Status) bool {
	c.mu.Lock()
	st, ok := c.targets[name]
	if !ok {
		c.mu.Unlock()
		return false
	}
	from := st.status
	st.status = status
	st.forced = true
	st.consecutivePass = 0
	st.consecutiveFail = 0
	c.mu.Unlock()

	if from != status {
		c.notify(name, from, status)
	}
	return true
}

// Snapshots returns the state of every target.
func (c *Checker) Snapshots() map[string]Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Snapshot, len(c.targets))
	for name, st := range c.targets {
		snap := Snapshot{
			Name:            name,
			Status:          st.status,
			LastCheck:       st.lastCheck,
			LastSuccess:     st.lastSuccess,
			ConsecutivePass: st.consecutivePass,
			ConsecutiveFail: st.consecutiveFail,
			TotalChecks:     st.totalChecks,
			TotalFailures:   st.totalFailures,
			Latency:         st.latency,
			Forced:          st.forced,
		}
		if st.lastError != nil {
			snap.LastError = st.lastError.Error()
		}
		out[name] = snap
	}
	return out
}

func (c *Checker) loop(ctx context.Context, t Target) {
	defer c.wg.Done()

	c.probe(ctx, t)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx, t)
		}
	}
}

func (c *Checker) probe(ctx context.Context, t Target) {
	probeCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	start := time.Now()
	var err error

	req, reqErr := http.NewRequestWithContext(probeCtx, http.MethodGet, t.URL+t.Path, nil)
	if reqErr != nil {
		err = reqErr
	} else {
		resp, doErr := c.client.Do(req)
		if doErr != nil {
			err = doErr
		} else {
			resp.Body.Close()
			// Only 2xx within the timeout counts as success.
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				err = fmt.Errorf("probe returned status %d", resp.StatusCode)
			}
		}
	}

	c.record(t.Name, err, time.Since(start))
}

// record applies the state machine:
// healthy -> degraded on first failure, -> unhealthy at threshold;
// unhealthy -> degraded on first success, -> healthy at threshold.
func (c *Checker) record(name string, err error, latency time.Duration) {
	c.mu.Lock()
	st, ok := c.targets[name]
	if !ok {
		c.mu.Unlock()
		return
	}

	now := time.Now()
	st.lastCheck = now
	st.lastError = err
	st.latency = latency
	st.totalChecks++
	st.forced = false

	from := st.status

	if err == nil {
		st.lastSuccess = now
		st.consecutiveFail = 0
		st.consecutivePass++

		switch st.status {
		case StatusUnknown, StatusDegraded:
			if st.consecutivePass >= st.target.HealthyThreshold {
				st.status = StatusHealthy
			}
		case StatusUnhealthy:
			st.status = StatusDegraded
		}
	} else {
		st.totalFailures++
		st.consecutivePass = 0
		st.consecutiveFail++

		switch st.status {
		case StatusHealthy, StatusUnknown:
			st.status = StatusDegraded
			if st.consecutiveFail >= st.target.UnhealthyThreshold {
				st.status = StatusUnhealthy
			}
		case StatusDegraded:
			if st.consecutiveFail >= st.target.UnhealthyThreshold {
				st.status = StatusUnhealthy
			}
		}
	}

	to := st.status
	c.mu.Unlock()

	if from != to {
		logging.Info("backend health changed",
			zap.String("backend", name),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err))
		c.notify(name, from, to)
	}
}

func (c *Checker) notify(name string, from, to Status) {
	if c.onChange != nil {
		c.onChange(name, from, to)
	}
}
