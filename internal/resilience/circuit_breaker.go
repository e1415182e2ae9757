// Package resilience guards calls to remote collaborators (user directory,
// media store) so that an unhealthy dependency fails fast instead of
// stalling the message path.
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker position.
type State int32

const (
	StateClosed   State = iota // calls flow, consecutive failures are counted
	StateOpen                  // calls are rejected without reaching the collaborator
	StateHalfOpen              // a limited number of trial calls are let through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without invoking the guarded call while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

const (
	defaultMaxFailures       = 5
	defaultResetTimeout      = 30 * time.Second
	defaultHalfOpenSuccesses = 3
)

// Settings configures a CircuitBreaker.
type Settings struct {
	Name string

	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int64

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMaxRequests successful trial calls close the breaker again.
	HalfOpenMaxRequests int64

	// IsFailure decides whether an error counts against the collaborator.
	// Errors it rejects (for example a definitive "not found") are returned
	// to the caller but treated as a healthy response. Nil counts every error.
	IsFailure func(err error) bool

	OnStateChange func(name string, from, to State)
}

// DefaultSettings returns the settings used when a collaborator has no explicit tuning.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:                name,
		MaxFailures:         defaultMaxFailures,
		ResetTimeout:        defaultResetTimeout,
		HalfOpenMaxRequests: defaultHalfOpenSuccesses,
	}
}

// CircuitBreaker stops calling a collaborator after repeated failures and
// tries it again once ResetTimeout has elapsed.
type CircuitBreaker struct {
	settings Settings

	mu              sync.Mutex
	state           State
	failures        int64
	successes       int64
	lastStateChange time.Time

	totalRequests  atomic.Int64
	totalRejected  atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64
}

// NewCircuitBreaker builds a breaker, substituting defaults for unset limits.
func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.MaxFailures <= 0 {
		settings.MaxFailures = defaultMaxFailures
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = defaultResetTimeout
	}
	if settings.HalfOpenMaxRequests <= 0 {
		settings.HalfOpenMaxRequests = defaultHalfOpenSuccesses
	}

	return &CircuitBreaker{
		settings:        settings,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the breaker is open, in which case ErrCircuitOpen is returned.
// The error from fn is always passed back unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.totalRequests.Add(1)

	if !cb.allowRequest() {
		cb.totalRejected.Add(1)
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil && cb.countsAsFailure(err) {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return err
}

// State reports the current position, moving an expired open breaker to half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

// Metrics is a point-in-time view of a breaker.
type Metrics struct {
	Name                string
	State               State
	TotalRequests       int64
	TotalRejected       int64
	TotalSuccesses      int64
	TotalFailures       int64
	ConsecutiveFailures int64
}

func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	state := cb.currentState()
	failures := cb.failures
	cb.mu.Unlock()

	return Metrics{
		Name:                cb.settings.Name,
		State:               state,
		TotalRequests:       cb.totalRequests.Load(),
		TotalRejected:       cb.totalRejected.Load(),
		TotalSuccesses:      cb.totalSuccesses.Load(),
		TotalFailures:       cb.totalFailures.Load(),
		ConsecutiveFailures: failures,
	}
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if cb.settings.IsFailure == nil {
		return true
	}
	return cb.settings.IsFailure(err)
}

// currentState must be called with cb.mu held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && time.Since(cb.lastStateChange) >= cb.settings.ResetTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.successes < cb.settings.HalfOpenMaxRequests
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.totalSuccesses.Add(1)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.HalfOpenMaxRequests {
			cb.setState(StateClosed)
		}
	case StateOpen:
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.totalFailures.Add(1)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.settings.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateOpen:
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}

	prev := cb.state
	cb.state = next
	cb.failures = 0
	cb.successes = 0
	cb.lastStateChange = time.Now()

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, prev, next)
	}
}
