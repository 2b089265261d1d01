package dispatch

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy drives withRetry: exponential backoff with jitter,
// delay = min(Cap, Base*2^(attempt-1)) * U(0.7, 1.3).
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	// Rand is injectable for deterministic tests; defaults to rand.Float64.
	Rand func() float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// delay computes the backoff before retry n (n starts at 1).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	// jitter band [0.7, 1.3]
	return time.Duration(math.Round(float64(d) * (0.7 + 0.6*p.Rand())))
}

// permanentError marks an error that must never be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so withRetry surfaces it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// withRetry calls fn up to MaxRetries+1 times, sleeping the policy's
// backoff between attempts. Errors wrapped with Permanent stop the loop
// at once; context cancellation interrupts the backoff wait.
func withRetry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; attempt <= p.MaxRetries+1; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt > p.MaxRetries {
			break
		}

		tmr := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return err
}
