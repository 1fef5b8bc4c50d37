package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	scouterrors "scout/internal/errors"
	"scout/internal/events"
	"scout/internal/httpclient"
	"scout/internal/logging"
)

const maxResponseBytes = 8 << 20

// SubmitRequest asks the server for a new session.
type SubmitRequest struct {
	Subject   string `json:"subject"`
	Language  string `json:"language,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Submitted is the server's answer to a submit.
type Submitted struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

// SessionStatus is the session state as served by GET /api/sessions/:id.
type SessionStatus struct {
	SessionID    string                 `json:"session_id"`
	Subject      string                 `json:"subject"`
	Language     string                 `json:"language"`
	Status       events.RunStatus       `json:"status"`
	Progress     float64                `json:"progress"`
	CurrentStage string                 `json:"current_stage,omitempty"`
	NoArtifacts  bool                   `json:"no_artifacts"`
	Error        string                 `json:"error,omitempty"`
	Agents       []events.AgentUpdate   `json:"agents"`
	Files        []events.FileGenerated `json:"files"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps 404 to ErrSessionNotFound so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return scouterrors.ErrSessionNotFound
	}
	return nil
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// APIClient calls the session REST endpoints.
type APIClient struct {
	base string
	http *http.Client
}

// NewAPIClient creates a client for the server at base. Requests go through
// a circuit breaker so a down server fails fast.
func NewAPIClient(base string, timeout time.Duration, logger logging.Logger) (*APIClient, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("server url %q must be http(s)://host[:port]", base)
	}
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("APIClient")
	}
	return &APIClient{
		base: strings.TrimRight(u.String(), "/"),
		http: httpclient.NewWithCircuitBreaker(timeout, logger, "scout-api"),
	}, nil
}

// BaseURL returns the normalized server root.
func (c *APIClient) BaseURL() string {
	return c.base
}

// Submit starts a session.
func (c *APIClient) Submit(ctx context.Context, req SubmitRequest) (Submitted, error) {
	var out Submitted
	err := c.do(ctx, http.MethodPost, "/api/sessions", req, &out)
	return out, err
}

// Session fetches the state of one session.
func (c *APIClient) Session(ctx context.Context, sessionID string) (SessionStatus, error) {
	var out SessionStatus
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &out)
	return out, err
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	raw, err := httpclient.ReadResponse(resp, maxResponseBytes)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !envelope.Success {
		message := envelope.Error
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	return errors.Is(err, scouterrors.ErrSessionNotFound)
}
