// Package httpcall implements the HTTP call task handler. Each task performs
// a single request and records the response status and body; there are no
// retries, a failed call simply fails the task.
package httpcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dispatchd/internal/handler"
)

// maxResponseBytes caps how much of the response body is retained.
const maxResponseBytes = 64 * 1024

// defaultTimeout applies when a task spec carries no timeout of its own.
const defaultTimeout = 30 * time.Second

// payload is the JSON document carried by http tasks.
type payload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Compile-time interface satisfaction check.
var _ handler.Handler = (*Handler)(nil)

// Handler executes HTTP call tasks.
type Handler struct {
	client *http.Client
}

// New creates an HTTP call handler with its own client. Per-task timeouts
// come from the task spec, so the client carries none of its own.
func New() *Handler {
	return &Handler{client: &http.Client{}}
}

// Capabilities reports what the HTTP handler supports.
func (h *Handler) Capabilities() handler.Capabilities {
	return handler.Capabilities{
		Name:          "http",
		Description:   "performs a single HTTP request",
		StreamsOutput: false,
	}
}

// Execute performs the task's HTTP request. A 4xx or 5xx status is reported
// in the result, not as an error.
func (h *Handler) Execute(ctx context.Context, spec handler.TaskSpec) (handler.TaskResult, error) {
	var p payload
	if err := json.Unmarshal(spec.Payload, &p); err != nil {
		return handler.TaskResult{}, fmt.Errorf("decode http payload: %w", err)
	}
	if p.URL == "" {
		return handler.TaskResult{}, errors.New("http payload missing url")
	}

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}

	timeout := time.Duration(spec.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, p.URL, body)
	if err != nil {
		return handler.TaskResult{}, fmt.Errorf("build http request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return handler.TaskResult{
			ExitCode: 1,
			Error:    fmt.Sprintf("http request failed: %v", err),
		}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return handler.TaskResult{
			ExitCode: 1,
			Output:   respBody,
			Error:    fmt.Sprintf("read response body: %v", err),
		}, nil
	}

	result := handler.TaskResult{Output: respBody}
	switch {
	case resp.StatusCode >= 500:
		result.ExitCode = 1
		result.Error = fmt.Sprintf("http request returned 5xx server error: %s", resp.Status)
	case resp.StatusCode >= 400:
		result.ExitCode = 1
		result.Error = fmt.Sprintf("http request returned 4xx client error: %s", resp.Status)
	}
	return result, nil
}
