package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/throttle"
)

// remoteBackend reaches the downstream inference endpoint over HTTP.
// Contract: POST objective+context+success_criteria, receive
// {success, result, events?}. 5xx and network errors are retried with
// backoff; 4xx is terminal.
type remoteBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   RetryPolicy
	limiter *throttle.Limiter
	timeout time.Duration
}

func newRemoteBackend(cfg BackendConfig, limiter *throttle.Limiter) *remoteBackend {
	timeout := cfg.RemoteTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &remoteBackend{
		baseURL: strings.TrimRight(cfg.RemoteBaseURL, "/"),
		apiKey:  cfg.RemoteAPIKey,
		client:  &http.Client{Timeout: timeout},
		retry:   cfg.Retry,
		limiter: limiter,
		timeout: timeout,
	}
}

type remoteRequest struct {
	Objective string                 `json:"objective"`
	Context   map[string]any         `json:"context,omitempty"`
	Criteria  domain.SuccessCriteria `json:"success_criteria"`
}

type remoteResponse struct {
	Success bool                   `json:"success"`
	Result  domain.ExecutionResult `json:"result"`
	Events  []json.RawMessage      `json:"events,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func (b *remoteBackend) Run(ctx context.Context, req domain.ExecutionRequest, requestID string, emit func(domain.ExecutionEvent)) (domain.ExecutionResult, error) {
	body, err := json.Marshal(remoteRequest{Objective: req.Objective, Context: req.Context, Criteria: req.Criteria})
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("encode remote request: %w", err)
	}

	var resp remoteResponse
	err = withRetry(ctx, b.retry, func(attempt int) error {
		if attempt > 1 {
			log.Debug().Str("request_id", requestID).Int("attempt", attempt).Msg("retrying remote backend")
		}
		// Every network call start passes through the limiter's gate.
		return b.limiter.ExecuteThrottled(ctx, requestID, "remote_inference", b.timeout, func(ctx context.Context) error {
			r, err := b.post(ctx, body)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	})
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	// Inline sub-events from the remote side are forwarded verbatim,
	// tagged with this request's correlation id.
	for _, raw := range resp.Events {
		var ev domain.ExecutionEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Warn().Str("request_id", requestID).Err(err).Msg("dropping malformed inline event")
			continue
		}
		ev.RequestID = requestID
		ev.IsFinal = false
		emit(ev)
	}

	if !resp.Success {
		reason := resp.Error
		if reason == "" {
			reason = "remote backend reported failure"
		}
		return domain.ExecutionResult{}, &ValidationError{Reason: reason}
	}
	return resp.Result, nil
}

func (b *remoteBackend) post(ctx context.Context, body []byte) (remoteResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/executions", bytes.NewReader(body))
	if err != nil {
		return remoteResponse{}, Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return remoteResponse{}, &TransientRemoteError{Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return remoteResponse{}, &TransientRemoteError{Err: err}
	}

	switch {
	case httpResp.StatusCode >= 500:
		return remoteResponse{}, &TransientRemoteError{StatusCode: httpResp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(respBody)))}
	case httpResp.StatusCode >= 400:
		// Client errors are never retried.
		return remoteResponse{}, Permanent(fmt.Errorf("remote backend rejected request: %d %s", httpResp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	var resp remoteResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return remoteResponse{}, Permanent(fmt.Errorf("decode remote response: %w", err))
	}
	return resp, nil
}
