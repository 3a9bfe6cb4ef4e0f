// internal/breaker/breaker.go
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

var (
	// ErrOpen is returned when the circuit is open and the recovery
	// window has not elapsed. Callers can distinguish "we declined to
	// even try" from "the operation itself failed".
	ErrOpen = errors.New("circuit breaker is open")
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state.
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

// TimeoutError marks an operation that exceeded its time budget. The
// breaker counts these separately from generic failures.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %v", e.Op, e.Timeout)
}

// IsTimeout reports whether err is a timeout in the breaker's sense.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// Config controls threshold and retry behaviour for a breaker.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	// MaxRetries is the breaker's internal retry budget per call. Set
	// to zero when an outer layer (the error handler) owns retries.
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	OnStateChange func(name string, from, to State) `yaml:"-" json:"-"`
}

// UnmarshalYAML accepts durations as strings ("60s") or nanoseconds.
// The OnStateChange callback is wiring, not configuration, and is never
// read from YAML.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		FailureThreshold int            `yaml:"failure_threshold"`
		SuccessThreshold int            `yaml:"success_threshold"`
		RecoveryTimeout  utils.Duration `yaml:"recovery_timeout"`
		MaxRetries       int            `yaml:"max_retries"`
		RetryDelay       utils.Duration `yaml:"retry_delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.FailureThreshold = raw.FailureThreshold
	c.SuccessThreshold = raw.SuccessThreshold
	c.RecoveryTimeout = time.Duration(raw.RecoveryTimeout)
	c.MaxRetries = raw.MaxRetries
	c.RetryDelay = time.Duration(raw.RetryDelay)
	return nil
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  60 * time.Second,
		MaxRetries:       0,
		RetryDelay:       time.Second,
	}
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	TotalRequests   int64     `json:"total_requests"`
	TotalSuccesses  int64     `json:"total_successes"`
	TotalFailures   int64     `json:"total_failures"`
	TotalTimeouts   int64     `json:"total_timeouts"`
	TotalBlocked    int64     `json:"total_blocked"`
	SuccessRate     float64   `json:"success_rate"`
	LastFailureTime time.Time `json:"last_failure_time"`
	NextAttemptTime time.Time `json:"next_attempt_time"`
}

// CircuitBreaker tracks failures for one named operation and trips open
// when the failure threshold is reached.
type CircuitBreaker struct {
	name   string
	config Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time

	totalRequests  int64
	totalSuccesses int64
	totalFailures  int64
	totalTimeouts  int64
	totalBlocked   int64

	now func() time.Time
}

// New creates a circuit breaker with the given name and config.
func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the operation name this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn under breaker protection. An open circuit returns
// ErrOpen without invoking fn. Each attempt inside the internal retry
// loop calls fn again; only the final outcome counts against the state
// machine.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= cb.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cb.config.RetryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				cb.onFailure(ctx.Err())
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			cb.onSuccess()
			return nil
		}
	}

	cb.onFailure(lastErr)
	return lastErr
}

// Allow reports whether a call would currently be admitted, performing
// the OPEN to HALF_OPEN transition if the recovery window has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	return cb.beforeCall() == nil
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Before(cb.nextAttemptTime) {
			cb.totalBlocked++
			return fmt.Errorf("%w: %s retries at %s", ErrOpen, cb.name, cb.nextAttemptTime.Format(time.RFC3339))
		}
		cb.transitionTo(StateHalfOpen)
	}

	cb.totalRequests++
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	if IsTimeout(err) {
		cb.totalTimeouts++
	}
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		// One failure during trial reopens the circuit.
		cb.trip()
	}
}

// trip opens the circuit. Must be called with mu held.
func (cb *CircuitBreaker) trip() {
	cb.nextAttemptTime = cb.now().Add(cb.config.RecoveryTimeout)
	cb.transitionTo(StateOpen)
}

// transitionTo changes state and resets the per-state counters. Must be
// called with mu held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState

	switch newState {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case StateHalfOpen:
		cb.successCount = 0
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, old, newState)
	}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := Stats{
		Name:            cb.name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TotalRequests:   cb.totalRequests,
		TotalSuccesses:  cb.totalSuccesses,
		TotalFailures:   cb.totalFailures,
		TotalTimeouts:   cb.totalTimeouts,
		TotalBlocked:    cb.totalBlocked,
		LastFailureTime: cb.lastFailureTime,
		NextAttemptTime: cb.nextAttemptTime,
	}
	if cb.totalRequests > 0 {
		stats.SuccessRate = float64(cb.totalSuccesses) / float64(cb.totalRequests)
	}
	return stats
}

// Reset returns the breaker to a pristine closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
}

// ForceOpen trips the circuit regardless of failure history.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip()
}

// ForceClose closes the circuit regardless of failure history.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}
