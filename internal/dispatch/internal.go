package dispatch

import (
	"context"
	"fmt"
	"time"

	"reportflow/internal/domain"
	"reportflow/internal/throttle"
)

// EngineEvent is the native progress shape of an in-process engine.
type EngineEvent struct {
	Stage   string
	Percent int
	Message string
	Result  *domain.ExecutionResult // non-nil on the final event
	Err     error                   // non-nil on the final event if the run failed
}

// Engine is a local report-generation engine. Its event channel must be
// closed after the final event.
type Engine interface {
	Run(ctx context.Context, req domain.ExecutionRequest) (<-chan EngineEvent, error)
}

// internalBackend delegates to a local engine, forwarding and normalizing
// its native event stream.
type internalBackend struct {
	engine  Engine
	limiter *throttle.Limiter
	timeout time.Duration
}

func (b *internalBackend) Run(ctx context.Context, req domain.ExecutionRequest, requestID string, emit func(domain.ExecutionEvent)) (domain.ExecutionResult, error) {
	var result domain.ExecutionResult
	err := b.limiter.ExecuteThrottled(ctx, requestID, "internal_inference", b.timeout, func(ctx context.Context) error {
		events, err := b.engine.Run(ctx, req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}

		got := false
		for ev := range events {
			switch {
			case ev.Err != nil:
				return ev.Err
			case ev.Result != nil:
				result = *ev.Result
				got = true
			default:
				emit(domain.ExecutionEvent{
					Type:      domain.EventProgress,
					Content:   map[string]any{"percent": ev.Percent, "step": ev.Stage, "message": ev.Message},
					Timestamp: time.Now().UTC(),
					RequestID: requestID,
				})
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !got {
			return &ValidationError{Reason: "engine stream closed without a result"}
		}
		return nil
	})
	return result, err
}
