// Package runner glues one execution together: it drives the task through
// its lifecycle around a dispatched event stream and reports the terminal
// outcome to the notification collaborator.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"reportflow/internal/dispatch"
	"reportflow/internal/domain"
	"reportflow/internal/notify"
	"reportflow/internal/status"
)

type Runner struct {
	status     *status.Store
	dispatcher *dispatch.Dispatcher
	notifier   notify.Notifier
}

func New(st *status.Store, d *dispatch.Dispatcher, n notify.Notifier) *Runner {
	return &Runner{status: st, dispatcher: d, notifier: n}
}

// Handle identifies a launched execution. Done receives the terminal
// status exactly once, then is closed.
type Handle struct {
	TaskID string
	Done   <-chan domain.Status
}

// Launch moves the task to PROCESSING, starts one execution, and returns
// without waiting for completion. The task is guaranteed to reach a
// terminal state (or PENDING on a rejected start) once the event stream
// closes.
func (r *Runner) Launch(ctx context.Context, req domain.ExecutionRequest) (*Handle, error) {
	if req.TaskID == "" {
		return nil, fmt.Errorf("execution request has no task id")
	}

	start := status.Update{Step: "dispatching"}
	if err := r.status.UpdateStatus(ctx, req.TaskID, domain.StatusProcessing, start); err != nil {
		var ite *status.InvalidTransitionError
		if !errors.As(err, &ite) {
			return nil, err
		}
		// A task sitting in COMPLETED or CANCELLED passes through PENDING
		// first (the re-run transition); FAILED goes straight to PROCESSING.
		if err := r.status.UpdateStatus(ctx, req.TaskID, domain.StatusPending, status.Update{}); err != nil {
			return nil, err
		}
		if err := r.status.UpdateStatus(ctx, req.TaskID, domain.StatusProcessing, start); err != nil {
			return nil, err
		}
	}

	done := make(chan domain.Status, 1)
	events := r.dispatcher.Execute(ctx, req)
	go func() {
		defer close(done)
		done <- r.consume(ctx, req.TaskID, events)
	}()
	return &Handle{TaskID: req.TaskID, Done: done}, nil
}

// consume drains one execution's event stream, mirroring it onto the task
// lifecycle, and returns the terminal status.
func (r *Runner) consume(ctx context.Context, taskID string, events <-chan domain.ExecutionEvent) domain.Status {
	// Terminal writes still have to land after cancellation.
	bg := context.WithoutCancel(ctx)

	final := domain.StatusFailed
	reason := "event stream closed without a terminal event"
	summary := ""
	sawTerminal := false

	for ev := range events {
		switch ev.Type {
		case domain.EventSessionStarted:
			r.transition(bg, taskID, domain.StatusOrchestrating, status.Update{Step: "orchestrating"})
		case domain.EventProgress:
			percent, step := progressFields(ev.Content)
			if err := r.status.SetProgress(bg, taskID, percent, step, ""); err != nil {
				log.Warn().Str("task_id", taskID).Err(err).Msg("progress update failed")
			}
		case domain.EventResultAvailable:
			r.transition(bg, taskID, domain.StatusGenerating, status.Update{Step: "generating report"})
		case domain.EventSessionComplete:
			sawTerminal = true
			final = domain.StatusCompleted
			summary = fmt.Sprintf("execution %s finished", ev.RequestID)
		case domain.EventError:
			sawTerminal = true
			final, reason = errorOutcome(ev.Content)
		}
	}

	if !sawTerminal && ctx.Err() != nil {
		final, reason = domain.StatusCancelled, "execution cancelled"
	}

	switch final {
	case domain.StatusCompleted:
		hundred := 100
		r.transition(bg, taskID, final, status.Update{Progress: &hundred, Step: "done"})
		r.notifier.TaskCompleted(bg, taskID, summary)
	case domain.StatusCancelled:
		r.transition(bg, taskID, final, status.Update{Error: reason})
	default:
		r.transition(bg, taskID, final, status.Update{Error: reason})
		r.notifier.TaskFailed(bg, taskID, reason)
	}
	return final
}

// transition applies a lifecycle change, tolerating rejections: a
// concurrent cancel can legitimately win the race.
func (r *Runner) transition(ctx context.Context, taskID string, to domain.Status, upd status.Update) {
	if err := r.status.UpdateStatus(ctx, taskID, to, upd); err != nil {
		log.Warn().Str("task_id", taskID).Str("to", string(to)).Err(err).Msg("lifecycle transition skipped")
	}
}

// progressFields pulls percent/step out of a progress event's content,
// tolerating whatever shape the backend produced.
func progressFields(content any) (int, string) {
	m, ok := content.(map[string]any)
	if !ok {
		return 0, ""
	}
	percent := 0
	switch v := m["percent"].(type) {
	case int:
		percent = v
	case float64:
		percent = int(v)
	}
	step, _ := m["step"].(string)
	return percent, step
}

// errorOutcome classifies a terminal error event into FAILED or CANCELLED
// plus a human-readable reason.
func errorOutcome(content any) (domain.Status, string) {
	reason := "execution failed"
	kind := ""
	if m, ok := content.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok && msg != "" {
			reason = msg
		}
		kind, _ = m["kind"].(string)
	}
	if kind == "cancelled" {
		return domain.StatusCancelled, reason
	}
	if kind != "" {
		reason = fmt.Sprintf("%s (%s)", reason, kind)
	}
	return domain.StatusFailed, reason
}
