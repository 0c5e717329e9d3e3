package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/vireolabs/janus/internal/config"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned when the breaker denies a request. RetryAfter
// is the time left until the open state can probe again.
type OpenError struct {
	Backend    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for backend %s, retry in %v", e.Backend, e.RetryAfter)
}

// outcome is one request result in the rolling window.
type outcome struct {
	at      time.Time
	success bool
}

// Breaker guards one backend. Mode "consecutive" trips on a run of
// failures; mode "window" trips on the failure rate over a rolling
// window once enough outcomes have been observed.
type Breaker struct {
	name string

	mode             string
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	failureWindow    time.Duration
	failureRate      float64
	minimumRequests  int

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	consecutiveSuccess  int
	openedAt            time.Time
	// ring holds recent outcomes for windowed mode; pruned lazily.
	ring []outcome

	now func() time.Time // swappable for tests
}

// New creates a breaker for a backend from config.
func New(name string, cfg config.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		name:             name,
		mode:             cfg.Mode,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		resetTimeout:     cfg.ResetTimeout,
		failureWindow:    cfg.FailureWindow,
		failureRate:      cfg.FailureRateThreshold,
		minimumRequests:  cfg.MinimumRequestThreshold,
		state:            StateClosed,
		now:              time.Now,
	}
	if b.mode == "" {
		b.mode = "consecutive"
	}
	if b.failureThreshold <= 0 {
		b.failureThreshold = 5
	}
	if b.successThreshold <= 0 {
		b.successThreshold = 2
	}
	if b.resetTimeout <= 0 {
		b.resetTimeout = 30 * time.Second
	}
	if b.failureWindow <= 0 {
		b.failureWindow = 60 * time.Second
	}
	if b.failureRate <= 0 {
		b.failureRate = 50
	}
	if b.minimumRequests <= 0 {
		b.minimumRequests = 10
	}
	return b
}

// CanRequest reports whether a request may proceed. An open breaker
// transitions to half-open once the reset timeout elapses and lets
// the next caller through as a probe.
func (b *Breaker) CanRequest() bool {
	return b.allow() == nil
}

// Allow is CanRequest with the denial error (carrying retryAfter).
func (b *Breaker) Allow() error {
	return b.allow()
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed >= b.resetTimeout {
			b.state = StateHalfOpen
			b.consecutiveSuccess = 0
			return nil
		}
		return &OpenError{Backend: b.name, RetryAfter: b.resetTimeout - elapsed}
	}
	return &OpenError{Backend: b.name, RetryAfter: b.resetTimeout}
}

// RecordSuccess feeds a successful outcome into the state machine.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
		b.record(true)
	case StateHalfOpen:
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.successThreshold {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.consecutiveSuccess = 0
			b.ring = b.ring[:0]
		}
	}
}

// RecordFailure feeds a failed outcome into the state machine. Any
// failure in half-open re-opens immediately and resets openedAt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		b.record(false)
		if b.shouldTrip() {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.consecutiveSuccess = 0
	}
}

// Execute is the convenience wrapper: deny fast, run fn, record.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) shouldTrip() bool {
	if b.mode == "window" {
		b.prune()
		total := len(b.ring)
		if total < b.minimumRequests {
			return false
		}
		failures := 0
		for _, o := range b.ring {
			if !o.success {
				failures++
			}
		}
		return float64(failures)/float64(total)*100 >= b.failureRate
	}
	return b.consecutiveFailures >= b.failureThreshold
}

// record appends to the outcome ring, bounding its size to what the
// window can ever need.
func (b *Breaker) record(success bool) {
	if b.mode != "window" {
		return
	}
	b.ring = append(b.ring, outcome{at: b.now(), success: success})
	if len(b.ring) > 4096 {
		b.prune()
		if len(b.ring) > 4096 {
			b.ring = b.ring[len(b.ring)-4096:]
		}
	}
}

// prune drops outcomes older than the failure window.
func (b *Breaker) prune() {
	cutoff := b.now().Add(-b.failureWindow)
	i := 0
	for ; i < len(b.ring); i++ {
		if b.ring[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.ring = append(b.ring[:0], b.ring[i:]...)
	}
}

// BreakerSnapshot is a point-in-time view for the admin surface.
type BreakerSnapshot struct {
	Backend             string    `json:"backend"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ConsecutiveSuccess  int       `json:"consecutive_success"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	WindowOutcomes      int       `json:"window_outcomes"`
}

// Snapshot copies the current state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Backend:             b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		ConsecutiveSuccess:  b.consecutiveSuccess,
		OpenedAt:            b.openedAt,
		WindowOutcomes:      len(b.ring),
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds one breaker per backend name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Set installs a breaker for a backend (replacing any previous one).
func (r *Registry) Set(name string, cfg config.CircuitBreakerConfig) {
	r.mu.Lock()
	r.breakers[name] = New(name, cfg)
	r.mu.Unlock()
}

// Get returns the breaker for a backend, or nil.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Prune drops breakers for backends not in keep; reload uses this so
// surviving backends keep their breaker state.
func (r *Registry) Prune(keep map[string]bool) {
	r.mu.Lock()
	for name := range r.breakers {
		if !keep[name] {
			delete(r.breakers, name)
		}
	}
	r.mu.Unlock()
}

// Snapshots copies every breaker's state.
func (r *Registry) Snapshots() map[string]BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerSnapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
