package domain

import "time"

// Status is the lifecycle state of a TaskRecord.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusProcessing    Status = "PROCESSING"
	StatusOrchestrating Status = "ORCHESTRATING"
	StatusGenerating    Status = "GENERATING"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusCancelled     Status = "CANCELLED"
)

// transitions is the authoritative lifecycle table. Anything not listed
// is an invalid transition.
var transitions = map[Status][]Status{
	StatusPending:       {StatusProcessing, StatusCancelled},
	StatusProcessing:    {StatusOrchestrating, StatusGenerating, StatusCompleted, StatusFailed, StatusCancelled},
	StatusOrchestrating: {StatusGenerating, StatusCompleted, StatusFailed, StatusCancelled},
	StatusGenerating:    {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:     {StatusPending},
	StatusFailed:        {StatusPending, StatusProcessing},
	StatusCancelled:     {StatusPending},
}

// CanTransitionTo reports whether s -> to is a legal lifecycle transition.
func (s Status) CanTransitionTo(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an end state of one run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Running reports whether s counts as actively executing.
func (s Status) Running() bool {
	return s == StatusProcessing || s == StatusOrchestrating || s == StatusGenerating
}

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// TaskRecord is the durable, authoritative record of a report task.
type TaskRecord struct {
	ID        string
	Name      string
	Status    Status
	Progress  int    // 0..100, last known
	Step      string // last known step, kept for diagnostics on failure
	LastError string
	Owner     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduledJob binds a cron expression to a task. Jobs are disabled, never
// hard-deleted, on removal.
type ScheduledJob struct {
	ID        string
	Name      string
	CronExpr  string
	TaskID    string
	Enabled   bool
	Priority  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SuccessCriteria is the caller-supplied contract a result must satisfy.
type SuccessCriteria struct {
	RequiredFields []string `json:"required_fields,omitempty"`
	MinRows        int      `json:"min_rows,omitempty"`
}

// ExecutionRequest describes one unit of work handed to a backend.
type ExecutionRequest struct {
	TaskID      string          `json:"task_id"`
	Objective   string          `json:"objective"`
	Context     map[string]any  `json:"context,omitempty"`
	Criteria    SuccessCriteria `json:"success_criteria"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// ExecutionResult is the tabular artifact a backend produces.
type ExecutionResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// EventType tags entries on an execution's event stream.
type EventType string

const (
	EventSessionStarted  EventType = "agent_session_started"
	EventProgress        EventType = "progress"
	EventResultAvailable EventType = "agent_result_available"
	EventSessionComplete EventType = "agent_session_complete"
	EventError           EventType = "error"
)

// ExecutionEvent is one entry on an execution's event stream. The JSON shape
// is consumed by the notification/UI collaborator.
type ExecutionEvent struct {
	Type      EventType `json:"type"`
	Content   any       `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	IsFinal   bool      `json:"is_final,omitempty"`
}

// Final reports whether the event terminates its stream.
func (e ExecutionEvent) Final() bool {
	return e.IsFinal || e.Type == EventSessionComplete || e.Type == EventError
}
