// Package circuitbreaker provides a single-circuit breaker with
// closed → open → half-open state transitions. It fronts the external
// classifier: after repeated upstream failures the circuit opens and calls
// fail fast into the pipeline's fallback path instead of burning the
// per-call timeout on a dead endpoint.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
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

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "commwatch",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by name, from-state, and to-state.",
}, []string{"name", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// Breaker guards one upstream dependency. It counts consecutive failures and
// trips open when they reach the threshold. After openDuration the circuit
// moves to half-open and allows a single probe request.
type Breaker struct {
	mu          sync.Mutex
	name        string // metric label
	state       State
	failures    int
	lastFailure time.Time

	threshold    int
	openDuration time.Duration
	onTransition func(from, to State) // optional callback
}

// New creates a circuit breaker that opens after threshold consecutive
// failures and stays open for openDuration before probing. The name labels
// the transition metric.
func New(name string, threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		name:         name,
		threshold:    threshold,
		openDuration: openDuration,
	}
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request should be attempted. When the circuit is
// open and openDuration has elapsed, it transitions to half-open and admits
// one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) >= b.openDuration {
			b.transition(StateHalfOpen)
			return true // Allow one probe
		}
		return false
	case StateHalfOpen:
		return false // Already probing; reject until the probe completes
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes the circuit if it was
// half-open.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.failures = 0
}

// RecordFailure counts a failed request. Reaching the threshold trips the
// circuit open; a failed half-open probe reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		return
	}
	if b.state == StateClosed && b.failures >= b.threshold {
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition changes state and fires the callback if set.
// Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	cbStateTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(from, to)
	}
}
