package observe

import (
	"sync"
	"sync/atomic"
	"time"
)

// Rate-limit outcomes carried on an event.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeBypassed = "bypassed"
)

// RateLimitInfo describes what the rate-limit stage decided.
type RateLimitInfo struct {
	Outcome      string `json:"outcome"`
	RuleID       string `json:"rule_id,omitempty"`
	Limit        int64  `json:"limit,omitempty"`
	Remaining    int64  `json:"remaining,omitempty"`
	Algorithm    string `json:"algorithm,omitempty"`
	BypassReason string `json:"bypass_reason,omitempty"`
	// FailedOpen marks a decision made without the coordination
	// store (the store call failed, traffic was admitted anyway).
	FailedOpen bool `json:"failed_open,omitempty"`
}

// Event is the post-response record of one proxied exchange.
type Event struct {
	RequestID  string        `json:"request_id"`
	Path       string        `json:"path"`
	Method     string        `json:"method"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
	Backend    string        `json:"backend,omitempty"`
	IP         string        `json:"ip"`
	Principal  string        `json:"principal,omitempty"`
	Tier       string        `json:"tier,omitempty"`
	BytesIn    int64         `json:"bytes_in"`
	BytesOut   int64         `json:"bytes_out"`
	RateLimit  RateLimitInfo `json:"rate_limit"`
	Error      string        `json:"error,omitempty"`
	WebSocket  bool          `json:"websocket,omitempty"`
}

// Sink consumes events. Implementations must not block for long; the
// emitter runs them on a single goroutine.
type Sink interface {
	Observe(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Observe(ev Event) { f(ev) }

// Emitter fans events out to sinks from a buffered queue. Emit never
// blocks the request path: when the queue is full the event is
// dropped and counted.
type Emitter struct {
	ch      chan Event
	sinks   []Sink
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewEmitter starts the fan-out goroutine. A buffer of 0 selects the
// default of 1024.
func NewEmitter(buffer int, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	e := &Emitter{
		ch:    make(chan Event, buffer),
		sinks: sinks,
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.ch {
		for _, s := range e.sinks {
			s.Observe(ev)
		}
	}
}

// Emit enqueues an event, dropping it if the queue is full.
func (e *Emitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped reports how many events were lost to backpressure.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close flushes queued events to the sinks and stops the goroutine.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() { close(e.ch) })
	<-e.done
}
