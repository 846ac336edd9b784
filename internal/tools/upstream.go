package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	successStatus   = "success"
	maxResponseBody = 5 << 20
)

// upstream is a read-only HTTP API (Prometheus, Loki) scoped to one tenant.
type upstream struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

func newUpstream(endpoint, tenantID string) upstream {
	return upstream{
		endpoint: endpoint,
		tenantID: tenantID,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// get issues a GET against endpoint+p and returns the body of a 200 response.
// The endpoint comes from config; only the query string carries tool input.
func (u upstream) get(ctx context.Context, p string, q url.Values) ([]byte, error) {
	base, err := url.Parse(u.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	base.Path = path.Join(base.Path, p)
	base.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if u.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", u.tenantID)
	}

	resp, err := u.httpClient.Do(req) //nolint:gosec // endpoint is set from config, tool input is query-encoded
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
