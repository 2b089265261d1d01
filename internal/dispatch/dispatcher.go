// Package dispatch executes abstract report-generation goals against one
// of several interchangeable backends, validating results and streaming
// typed progress events. Failures never cross the streaming boundary as
// panics or errors; every stream ends in exactly one terminal event.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
)

// Dispatcher runs executions against its backend under a bounded global
// semaphore, independent of the rate limiter's own bound.
type Dispatcher struct {
	backend Backend
	sem     chan struct{}
}

// NewDispatcher builds a dispatcher over backend with at most
// maxConcurrent executions in flight system-wide.
func NewDispatcher(backend Backend, maxConcurrent int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Dispatcher{backend: backend, sem: make(chan struct{}, maxConcurrent)}
}

// Execute starts one execution and returns its event stream. The stream
// is finite, strictly ordered as produced, and always terminated by a
// single agent_session_complete or error event, after which the channel
// is closed.
func (d *Dispatcher) Execute(ctx context.Context, req domain.ExecutionRequest) <-chan domain.ExecutionEvent {
	requestID := "req_" + uuid.NewString()
	out := make(chan domain.ExecutionEvent, 16)

	go func() {
		defer close(out)
		d.run(ctx, req, requestID, out)
	}()
	return out
}

func (d *Dispatcher) run(ctx context.Context, req domain.ExecutionRequest, requestID string, out chan<- domain.ExecutionEvent) {
	emit := func(ev domain.ExecutionEvent) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
	fail := func(err error) {
		f := false
		log.Warn().Str("request_id", requestID).Str("task_id", req.TaskID).Str("kind", errorKind(err)).Err(err).Msg("execution failed")
		// Terminal error events bypass the ctx guard so cancellation
		// still yields a closing event for any listener.
		select {
		case out <- domain.ExecutionEvent{
			Type:      domain.EventError,
			Content:   map[string]any{"message": err.Error(), "kind": errorKind(err)},
			Timestamp: time.Now().UTC(),
			RequestID: requestID,
			Success:   &f,
			IsFinal:   true,
		}:
		default:
		}
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("request_id", requestID).Any("panic", r).Str("stack", string(debug.Stack())).Msg("panic during execution")
			fail(fmt.Errorf("internal error: %v", r))
		}
	}()

	// Global execution slot, held for the whole backend run.
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		fail(ctx.Err())
		return
	}
	defer func() { <-d.sem }()

	emit(domain.ExecutionEvent{
		Type:      domain.EventSessionStarted,
		Content:   map[string]any{"objective": req.Objective, "task_id": req.TaskID},
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	})

	result, err := d.backend.Run(ctx, req, requestID, emit)
	if err != nil {
		fail(err)
		return
	}
	if err := validateResult(result, req.Criteria); err != nil {
		fail(err)
		return
	}

	emit(domain.ExecutionEvent{
		Type:      domain.EventResultAvailable,
		Content:   result,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	})
	tr := true
	emit(domain.ExecutionEvent{
		Type:      domain.EventSessionComplete,
		Content:   result,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		Success:   &tr,
		IsFinal:   true,
	})
}
