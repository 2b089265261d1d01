package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reportflow/internal/domain"
	"reportflow/internal/throttle"
)

// Mode selects the backend variant at construction time.
type Mode string

const (
	ModeStub     Mode = "stub"
	ModeRemote   Mode = "http"
	ModeInternal Mode = "internal"
)

// ParseMode validates a configured backend mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeStub, ModeRemote, ModeInternal:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrBackendUnavailable, s)
	}
}

// Backend produces a {columns, rows} result for an execution request.
// Intermediate events go through emit; the dispatcher owns validation,
// ordering and the terminal event.
type Backend interface {
	Run(ctx context.Context, req domain.ExecutionRequest, requestID string, emit func(domain.ExecutionEvent)) (domain.ExecutionResult, error)
}

// BackendConfig carries everything backend construction may need.
type BackendConfig struct {
	Mode          Mode
	RemoteBaseURL string
	RemoteAPIKey  string
	RemoteTimeout time.Duration
	Retry         RetryPolicy
	Engine        Engine // required for ModeInternal
}

// NewBackend builds the variant for cfg.Mode once; no per-call string
// dispatch happens afterwards.
func NewBackend(cfg BackendConfig, limiter *throttle.Limiter) (Backend, error) {
	switch cfg.Mode {
	case ModeStub:
		return &stubBackend{}, nil
	case ModeRemote:
		if cfg.RemoteBaseURL == "" {
			return nil, fmt.Errorf("%w: remote mode requires a base URL", ErrBackendUnavailable)
		}
		return newRemoteBackend(cfg, limiter), nil
	case ModeInternal:
		if cfg.Engine == nil {
			return nil, fmt.Errorf("%w: internal mode requires an engine", ErrBackendUnavailable)
		}
		return &internalBackend{engine: cfg.Engine, limiter: limiter, timeout: cfg.RemoteTimeout}, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrBackendUnavailable, cfg.Mode)
	}
}
