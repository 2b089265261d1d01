// Package notify is the narrow interface to the notification collaborator.
// The core reports terminal outcomes here; delivery mechanics (email,
// websocket) live outside this repository.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Notifier is informed of terminal task outcomes.
type Notifier interface {
	TaskCompleted(ctx context.Context, taskID, summary string)
	TaskFailed(ctx context.Context, taskID, reason string)
}

type logNotifier struct{}

// NewLogNotifier returns a Notifier that only writes structured logs.
func NewLogNotifier() Notifier { return logNotifier{} }

func (logNotifier) TaskCompleted(_ context.Context, taskID, summary string) {
	log.Info().Str("task_id", taskID).Str("summary", summary).Msg("task completed")
}

func (logNotifier) TaskFailed(_ context.Context, taskID, reason string) {
	log.Warn().Str("task_id", taskID).Str("reason", reason).Msg("task failed")
}
