package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	instantResultCap = 50
	rangeResultCap   = 20
	defaultRangeStep = "300"
)

// promResponse is the Prometheus HTTP API envelope.
type promResponse struct {
	Status    string `json:"status"`
	ErrorType string `json:"errorType,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      struct {
		ResultType string            `json:"resultType"`
		Result     []json.RawMessage `json:"result"`
	} `json:"data"`
}

// slimPromResult caps the series in a Prometheus response so a wide query
// cannot flood the conversation. An unparsable body is returned as-is.
func slimPromResult(body []byte, limit int) (json.RawMessage, error) {
	var pr promResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return body, nil
	}
	if pr.Status != successStatus {
		return nil, fmt.Errorf("prometheus query failed: %s", string(body))
	}

	results := pr.Data.Result
	truncated := len(results) > limit
	if truncated {
		results = results[:limit]
	}
	return json.Marshal(map[string]any{
		"result_type":  pr.Data.ResultType,
		"result_count": len(pr.Data.Result),
		"results":      results,
		"truncated":    truncated,
	})
}

// MetricsQuery runs instant PromQL queries.
type MetricsQuery struct {
	api upstream
}

// NewMetricsQuery returns the query_metrics tool for a Prometheus-compatible endpoint.
func NewMetricsQuery(endpoint, tenantID string) *MetricsQuery {
	return &MetricsQuery{api: newUpstream(endpoint, tenantID)}
}

func (m *MetricsQuery) Name() string { return "query_metrics" }

func (m *MetricsQuery) Description() string {
	return `Run an instant PromQL query against Prometheus/Mimir. Use it to read the current value of
the metric behind the alert, check saturation of related resources and confirm whether the alert
condition still holds. Returns at most 50 series with labels and values.`
}

func (m *MetricsQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {"type": "string", "description": "PromQL expression"},
            "time":  {"type": "string", "description": "Evaluation timestamp (RFC3339). Omit for now."}
        },
        "required": ["query"]
    }`)
}

func (m *MetricsQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Query string `json:"query"`
		Time  string `json:"time,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.Query == "" {
		return nil, errors.New("query is required")
	}

	q := url.Values{}
	q.Set("query", input.Query)
	if input.Time != "" {
		q.Set("time", input.Time)
	}
	body, err := m.api.get(ctx, "api/v1/query", q)
	if err != nil {
		return nil, fmt.Errorf("prometheus query: %w", err)
	}
	return slimPromResult(body, instantResultCap)
}

// MetricsRange runs PromQL range queries.
type MetricsRange struct {
	api upstream
	now func() time.Time
}

// NewMetricsRange returns the query_metrics_range tool.
func NewMetricsRange(endpoint, tenantID string) *MetricsRange {
	return &MetricsRange{api: newUpstream(endpoint, tenantID), now: time.Now}
}

func (m *MetricsRange) Name() string { return "query_metrics_range" }

func (m *MetricsRange) Description() string {
	return `Run a PromQL range query against Prometheus/Mimir. Use it to see when a problem started,
whether a metric is trending back to normal after a change and how related series moved together.
Returns at most 20 series of timestamped values.`
}

func (m *MetricsRange) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {"type": "string", "description": "PromQL expression"},
            "start": {"type": "string", "description": "Range start (RFC3339)"},
            "end":   {"type": "string", "description": "Range end (RFC3339). Omit for now."},
            "step":  {"type": "string", "description": "Resolution step, e.g. 60s or 5m. Default 5m."}
        },
        "required": ["query", "start"]
    }`)
}

func (m *MetricsRange) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Query string `json:"query"`
		Start string `json:"start"`
		End   string `json:"end,omitempty"`
		Step  string `json:"step,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.Query == "" {
		return nil, errors.New("query is required")
	}
	if input.Start == "" {
		return nil, errors.New("start is required")
	}
	if input.End == "" {
		input.End = m.now().UTC().Format(time.RFC3339)
	}
	if input.Step == "" {
		input.Step = defaultRangeStep
	}

	q := url.Values{}
	q.Set("query", input.Query)
	q.Set("start", input.Start)
	q.Set("end", input.End)
	q.Set("step", input.Step)
	body, err := m.api.get(ctx, "api/v1/query_range", q)
	if err != nil {
		return nil, fmt.Errorf("prometheus range query: %w", err)
	}
	return slimPromResult(body, rangeResultCap)
}
