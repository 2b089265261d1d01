package dispatch

import (
	"context"
	"errors"
	"fmt"

	"reportflow/internal/throttle"
)

// ErrBackendUnavailable covers unknown backend modes and missing
// dependencies. Configuration-level; should alert operators.
var ErrBackendUnavailable = errors.New("execution backend unavailable")

// ValidationError means a candidate result failed the structural or
// required-field check. Terminal for that execution only.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "result validation failed: " + e.Reason }

// TransientRemoteError marks a 5xx or network failure from the remote
// backend; retried internally up to the policy's MaxRetries.
type TransientRemoteError struct {
	StatusCode int // 0 for network errors
	Err        error
}

func (e *TransientRemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote backend returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote backend unreachable: %v", e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// errorKind maps an execution failure to the machine-readable kind
// carried on terminal error events.
func errorKind(err error) string {
	var ve *ValidationError
	var tre *TransientRemoteError
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, throttle.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.As(err, &tre):
		return "transient_remote"
	default:
		return "internal"
	}
}
