// Package throttle guards the downstream inference service: a counting
// semaphore bounds concurrent calls, a global interval gate keeps call
// starts at least MinInterval apart, and every call runs under a timeout
// with its outcome recorded.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrTimeout marks a throttled call that exceeded its deadline. Timeouts
// are counted separately from generic failures.
var ErrTimeout = errors.New("throttled call timed out")

type Config struct {
	MaxConcurrent int           // semaphore size; <=0 means 1 (fully serial)
	MinInterval   time.Duration // minimum spacing between call starts, global
	CallTimeout   time.Duration // default per-call timeout when caller passes 0
}

type inflight struct {
	taskType string
	started  time.Time
	timeout  time.Duration
}

// Limiter serializes access to the inference endpoint. Safe for
// concurrent use.
type Limiter struct {
	cfg  Config
	sem  chan struct{}
	gate *rate.Limiter // burst 1, refill every MinInterval

	mu      sync.Mutex
	calls   map[string]inflight // request id -> in-flight call
	stats   stats
	byType  map[string]*latency
	lastErr string
}

func New(cfg Config) *Limiter {
	size := cfg.MaxConcurrent
	if size <= 0 {
		size = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	cfg.MaxConcurrent = size
	return &Limiter{
		cfg:    cfg,
		sem:    make(chan struct{}, size),
		gate:   rate.NewLimiter(limit, 1),
		calls:  make(map[string]inflight),
		byType: make(map[string]*latency),
	}
}

// ExecuteThrottled runs fn after acquiring a semaphore slot and waiting out
// the minimum interval since the last call start anywhere in the system.
// The slot is released on every exit path. A zero timeout uses the
// configured default.
func (l *Limiter) ExecuteThrottled(ctx context.Context, requestID, taskType string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = l.cfg.CallTimeout
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	// Interval spacing is deliberately not bound by the call timeout;
	// only cancellation interrupts the wait.
	if err := l.gate.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	l.mu.Lock()
	l.calls[requestID] = inflight{taskType: taskType, started: start, timeout: timeout}
	l.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.calls, requestID)
			l.mu.Unlock()
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		l.record(taskType, time.Since(start), err, false)
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not a deadline; counts as a failure.
			l.record(taskType, time.Since(start), ctx.Err(), false)
			return ctx.Err()
		}
		l.record(taskType, time.Since(start), callCtx.Err(), true)
		log.Warn().Str("request_id", requestID).Str("task_type", taskType).Dur("timeout", timeout).Msg("throttled call timed out")
		return fmt.Errorf("%w: request %s after %s", ErrTimeout, requestID, timeout)
	}
}

func (l *Limiter) record(taskType string, dur time.Duration, err error, timedOut bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.Total++
	switch {
	case timedOut:
		l.stats.Timeouts++
	case err != nil:
		l.stats.Failures++
		l.lastErr = err.Error()
	default:
		l.stats.Successes++
	}

	l.stats.overall.observe(dur)
	lt := l.byType[taskType]
	if lt == nil {
		lt = &latency{}
		l.byType[taskType] = lt
	}
	lt.observe(dur)
}

// Reset clears statistics only; in-flight calls, the semaphore and the
// interval gate are untouched.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats = stats{}
	l.byType = make(map[string]*latency)
	l.lastErr = ""
}
