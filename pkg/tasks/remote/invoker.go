// Package remote invokes tasks served over HTTP at <endpoint>/tasks/<name>.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/evalflow/pkg/engine"
)

const defaultTimeout = 15 * time.Minute

var (
	ErrEndpointInvalid = errors.New("invalid task endpoint")
	ErrTaskStatus      = errors.New("task endpoint returned an error status")
)

type Option func(*Invoker)

func WithHTTPClient(client *http.Client) Option {
	return func(i *Invoker) { i.client = client }
}

func WithHeader(key, value string) Option {
	return func(i *Invoker) { i.headers[key] = value }
}

type Invoker struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
	logger   *slog.Logger
}

func NewInvoker(endpoint string, logger *slog.Logger, opts ...Option) (*Invoker, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrEndpointInvalid, endpoint)
	}

	invoker := &Invoker{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: defaultTimeout},
		headers:  map[string]string{},
		logger:   logger.With("module", "remote_tasks", "endpoint", endpoint),
	}

	for _, opt := range opts {
		opt(invoker)
	}

	return invoker, nil
}

func (i *Invoker) Invoke(ctx context.Context, task string, payload map[string]any) (any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &engine.InvocationError{Task: task, Err: fmt.Errorf("failed to encode payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint+"/tasks/"+url.PathEscape(task), bytes.NewReader(body))
	if err != nil {
		return nil, &engine.InvocationError{Task: task, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	for key, value := range i.headers {
		req.Header.Set(key, value)
	}

	start := time.Now()

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, &engine.InvocationError{Task: task, Err: fmt.Errorf("http request failed: %w", err)}
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			i.logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &engine.InvocationError{Task: task, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	i.logger.DebugContext(ctx, "Remote task returned", "task", task, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &engine.InvocationError{Task: task, Err: &StatusError{Code: resp.StatusCode, Body: truncate(string(data))}}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}

	var result any

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &engine.InvocationError{Task: task, Err: fmt.Errorf("malformed task response: %w", err)}
	}

	return result, nil
}

// StatusError carries a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrTaskStatus
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

func truncate(body string) string {
	const limit = 512

	if len(body) > limit {
		return body[:limit] + "..."
	}

	return body
}
