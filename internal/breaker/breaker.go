// Package breaker wraps calls to unreliable integrations with classified
// retries, exponential backoff with jitter, and a per-integration circuit
// breaker. Breaker state is process-local: each process makes its own
// fail-fast decision, while cross-process admission control belongs to the
// risk engine.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/chriswu/outreach-scheduler/internal/telemetry"
)

// Class marks an error as worth retrying or not.
type Class int

const (
	ClassTransient Class = iota
	ClassTerminal
)

// CircuitOpenError is returned on fail-fast, carrying the time left until the
// circuit half-opens. It never counts as a breaker failure itself.
type CircuitOpenError struct {
	Integration string
	RetryAfter  time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s open, retry after %s", e.Integration, e.RetryAfter.Round(time.Second))
}

// IsCircuitOpen reports whether err is a fail-fast circuit rejection.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

type circuitState struct {
	consecutiveFailures int
	openUntil           time.Time
}

// Options configures one ExecuteWithRetry call site.
type Options struct {
	Integration string
	CircuitKey  string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Classify decides transient vs terminal; nil uses DefaultClassify.
	Classify func(error) Class
}

// Executor owns the per-key circuit map. Guarded by a mutex, never a bare
// package-level map.
type Executor struct {
	mu        sync.Mutex
	circuits  map[string]*circuitState
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor that opens a circuit after threshold
// consecutive transient failures, for the given cool-down window.
func NewExecutor(threshold int, cooldown time.Duration) *Executor {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Executor{
		circuits:  make(map[string]*circuitState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExecuteWithRetry runs op with classified retries behind the named circuit.
// Terminal errors propagate immediately; transient errors retry with backoff
// and feed the breaker; one success resets the breaker fully.
func (e *Executor) ExecuteWithRetry(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.CircuitKey == "" {
		opts.CircuitKey = opts.Integration
	}
	classify := opts.Classify
	if classify == nil {
		classify = DefaultClassify
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if remaining, open := e.openFor(opts.CircuitKey); open {
			return &CircuitOpenError{Integration: opts.Integration, RetryAfter: remaining}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			e.recordSuccess(opts.CircuitKey)
			return nil
		}
		if classify(lastErr) == ClassTerminal {
			return lastErr
		}
		e.recordFailure(opts.CircuitKey, opts.Integration)

		if attempt == opts.MaxAttempts {
			break
		}
		if err := e.sleep(ctx, Backoff(opts.BaseDelay, opts.MaxDelay, attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// openFor reports whether the circuit rejects calls and for how much longer.
func (e *Executor) openFor(key string) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.circuits[key]
	if !ok {
		return 0, false
	}
	now := e.now()
	if cs.openUntil.After(now) {
		return cs.openUntil.Sub(now), true
	}
	return 0, false
}

func (e *Executor) recordSuccess(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.circuits, key)
}

func (e *Executor) recordFailure(key, integration string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.circuits[key]
	if !ok {
		cs = &circuitState{}
		e.circuits[key] = cs
	}
	cs.consecutiveFailures++
	if cs.consecutiveFailures >= e.threshold {
		cs.openUntil = e.now().Add(e.cooldown)
		cs.consecutiveFailures = 0
		telemetry.BreakerOpens.WithLabelValues(integration).Inc()
	}
}

// Backoff returns the delay before retrying attempt n (1-indexed):
// min(maxDelay, base·2^(n-1)) plus uniform jitter up to 25%, which avoids
// synchronized retry storms across workers.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := rand.Float64() * 0.25 * d
	return time.Duration(d + jitter)
}

// DefaultClassify treats network/timeout-shaped errors as transient and
// everything else as terminal.
func DefaultClassify(err error) Class {
	if err == nil {
		return ClassTerminal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}
	return ClassTerminal
}
