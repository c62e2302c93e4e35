package driftsync

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// RetryConfig configures retry behavior for transport and export paths.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	// Default: 3.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Default: 100ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries. Default: 5s.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay after each attempt. Default: 2.0.
	BackoffMultiplier float64

	// Jitter randomizes each delay by ±fraction to keep reconnecting
	// clients from stampeding. Default: 0.2.
	Jitter float64

	// RetryIf decides whether an error is worth retrying. Default:
	// IsRetryable.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// RetryResult reports how a retried operation ended.
type RetryResult struct {
	// Attempts is how many times the operation ran.
	Attempts int
	// LastErr is the final error, nil on success.
	LastErr error
}

// Retryer runs operations with exponential backoff.
type Retryer struct {
	cfg RetryConfig
}

// NewRetryer creates a Retryer, filling zero config fields with defaults.
func NewRetryer(cfg RetryConfig) *Retryer {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = IsRetryable
	}
	return &Retryer{cfg: cfg}
}

// Do runs op until it succeeds, exhausts attempts, hits a non-retryable
// error, or ctx is done.
func (r *Retryer) Do(ctx context.Context, op func() error) RetryResult {
	var result RetryResult
	backoff := r.cfg.InitialBackoff

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt
		err := op()
		if err == nil {
			result.LastErr = nil
			return result
		}
		result.LastErr = err

		if !r.cfg.RetryIf(err) || attempt == r.cfg.MaxAttempts {
			return result
		}

		select {
		case <-ctx.Done():
			result.LastErr = ctx.Err()
			return result
		case <-time.After(addJitter(backoff, r.cfg.Jitter)):
		}

		backoff = time.Duration(float64(backoff) * r.cfg.BackoffMultiplier)
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
	return result
}

// DoWithResult is Do for operations that return a value.
func (r *Retryer) DoWithResult(ctx context.Context, op func() (any, error)) (any, RetryResult) {
	var value any
	result := r.Do(ctx, func() error {
		v, err := op()
		if err == nil {
			value = v
		}
		return err
	})
	return value, result
}

// computeBackoff returns the delay before the given retry attempt
// (1-based), without jitter.
func computeBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if backoff > float64(max) {
		return max
	}
	return time.Duration(backoff)
}

// addJitter randomizes d by ±fraction.
func addJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * fraction
	return time.Duration(float64(d) * (1 + delta))
}

// retryablePatterns are error fragments that indicate a transient network
// or storage condition.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"temporary",
	"unexpected eof",
	"database is locked",
	"busy",
	"too many requests",
	"service unavailable",
}

// IsRetryable reports whether an error looks transient. It is the default
// RetryIf.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ErrCircuitOpen is returned by CircuitBreaker.Execute while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops hammering a failing endpoint: after maxFailures
// consecutive failures it rejects calls until resetTimeout has passed, then
// lets one probe through.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        circuitState
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Execute runs op if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(op func() error) error {
	cb.mu.Lock()
	if !cb.allowLocked() {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := op()

	cb.mu.Lock()
	cb.recordLocked(err)
	cb.mu.Unlock()
	return err
}

func (cb *CircuitBreaker) allowLocked() bool {
	switch cb.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	case circuitHalfOpen:
		return true
	}
	return false
}

func (cb *CircuitBreaker) recordLocked(err error) {
	if err == nil {
		cb.failures = 0
		cb.state = circuitClosed
		return
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == circuitHalfOpen || cb.failures >= cb.maxFailures {
		cb.state = circuitOpen
	}
}

// State returns "closed", "open" or "half-open".
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
