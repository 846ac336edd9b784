// Package actions talks to the action-execution backend: state-changing
// remediation actions, read-only checks and diagnostics.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/warden/internal/execution"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/tools"
)

const maxResponseBody = 1 << 20

var (
	_ execution.Backend       = (*Client)(nil)
	_ tools.DiagnosticsRunner = (*Client)(nil)
)

// Client is the HTTP JSON backend client. Every call is a single POST; the
// client never retries, so each action is issued at most once.
type Client struct {
	endpoint   *url.URL
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the backend at endpoint. token, when set, is sent
// as a bearer token.
func New(endpoint, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url %q: scheme must be http or https", endpoint)
	}
	c := &Client{
		endpoint: u,
		token:    token,
		httpClient: &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type actionRequest struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type actionResponse struct {
	Output string `json:"output"`
}

type checkRequest struct {
	Check      string         `json:"check"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type checkResponse struct {
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

type diagnosticRequest struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type diagnosticResponse struct {
	Result json.RawMessage `json:"result"`
}

// Perform runs a remediation action.
func (c *Client) Perform(ctx context.Context, a incident.Action) (string, error) {
	var out actionResponse
	if err := c.post(ctx, "/v1/actions", actionRequest{Action: a.Name, Parameters: a.Params}, &out); err != nil {
		return "", fmt.Errorf("action %s: %w", a.Name, err)
	}
	return out.Output, nil
}

// Verify runs a read-only check.
func (c *Client) Verify(ctx context.Context, chk incident.Check) (bool, string, error) {
	var out checkResponse
	if err := c.post(ctx, "/v1/checks", checkRequest{Check: chk.Name, Parameters: chk.Params}, &out); err != nil {
		return false, "", fmt.Errorf("check %s: %w", chk.Name, err)
	}
	return out.Passed, out.Detail, nil
}

// RunDiagnostic runs a read-only diagnostic for the analysis tools.
func (c *Client) RunDiagnostic(ctx context.Context, name string, params map[string]any) (json.RawMessage, error) {
	var out diagnosticResponse
	if err := c.post(ctx, "/v1/diagnostics", diagnosticRequest{Name: name, Parameters: params}, &out); err != nil {
		return nil, fmt.Errorf("diagnostic %s: %w", name, err)
	}
	if len(out.Result) == 0 {
		return json.RawMessage(`null`), nil
	}
	return out.Result, nil
}

func (c *Client) post(ctx context.Context, p string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	u := *c.endpoint
	u.Path = path.Join(u.Path, p)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // endpoint is set from config
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError is returned for a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err is a backend response with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
