// Package client talks to the controller API on behalf of a remote worker.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apiscanning "github.com/ahrav/artifact-analyst/internal/api/scanning"
	"github.com/ahrav/artifact-analyst/internal/app/scanning"
	"github.com/ahrav/artifact-analyst/internal/app/worker"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxElapsed = time.Minute
	maxErrorBody      = 4 << 10
)

var _ worker.Controller = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithUser sets the user reported to the controller.
func WithUser(user string) Option {
	return func(cl *Client) { cl.user = user }
}

// WithMaxElapsed bounds the retries of one call.
func WithMaxElapsed(d time.Duration) Option {
	return func(cl *Client) { cl.maxElapsed = d }
}

// Client implements worker.Controller over HTTP. Transport failures and 5xx
// responses are retried with exponential backoff; every call is safe to
// repeat because the controller's transitions are conditional.
type Client struct {
	base       *url.URL
	http       *http.Client
	user       string
	maxElapsed time.Duration
}

// New creates a client for the controller at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse controller url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("controller url %q must be absolute", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		user:       "worker",
		maxElapsed: defaultMaxElapsed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("controller returned %d: %s", e.Code, e.Body)
}

// Claim asks the controller for the next sub-task.
func (c *Client) Claim(ctx context.Context) (*worker.Assignment, error) {
	var a worker.Assignment
	status, err := c.do(ctx, http.MethodPost, "/api/v1/scan/subtasks/claim", nil, &a)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || a.Subtask == nil {
		return nil, nil
	}
	return &a, nil
}

// MarkExecuting starts the execution clock of a claimed sub-task.
func (c *Client) MarkExecuting(ctx context.Context, subtaskID string) (bool, error) {
	var resp struct {
		Updated bool `json:"updated"`
	}
	path := "/api/v1/scan/subtasks/" + url.PathEscape(subtaskID) + "/executing"
	if _, err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Updated, nil
}

// ReportResult sends the outcome of a scan.
func (c *Client) ReportResult(ctx context.Context, req scanning.ReportResultRequest) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/scan/subtasks/report", req, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
	}

	var status int
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set(apiscanning.HeaderUserID, c.user)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
			if resp.StatusCode >= 500 {
				return serr
			}
			return backoff.Permanent(serr)
		}

		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = c.maxElapsed
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	return status, err
}
