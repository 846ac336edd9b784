package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
	defaultLogSpan  = time.Hour
	maxLogSpan      = 6 * time.Hour
)

// LogQuery searches Loki with LogQL.
type LogQuery struct {
	api upstream
	now func() time.Time
}

type logInput struct {
	Query string `json:"query"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type logLine struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

// NewLogQuery returns the query_logs tool for a Loki endpoint.
func NewLogQuery(endpoint, tenantID string) *LogQuery {
	return &LogQuery{api: newUpstream(endpoint, tenantID), now: time.Now}
}

func (l *LogQuery) Name() string { return "query_logs" }

func (l *LogQuery) Description() string {
	return `Search Loki with LogQL for log lines around the incident. Use it to find errors, restarts,
OOM kills or deploys that line up with the alert start time.

Select streams with labels, e.g. {service_name="api"} or {node="web-1"}, then filter lines:
{service_name="api"} |= "error". Prefer exact matches (|=) over regex (|~); regex with short
alternations is slow. The window is capped at 6 hours per query, default is the last hour.`
}

func (l *LogQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {"type": "string", "description": "LogQL expression, e.g. {service_name=\"api\"} |= \"error\""},
            "start": {"type": "string", "description": "Window start (RFC3339). Default one hour before end."},
            "end":   {"type": "string", "description": "Window end (RFC3339). Default now."},
            "limit": {"type": "integer", "description": "Maximum lines to return. Default 100, max 500."}
        },
        "required": ["query"]
    }`)
}

// normalize fills defaults and clamps the limit and window.
func (l *LogQuery) normalize(params json.RawMessage) (logInput, error) {
	var in logInput
	if err := json.Unmarshal(params, &in); err != nil {
		return in, fmt.Errorf("invalid params: %w", err)
	}
	if in.Query == "" {
		return in, errors.New("query is required")
	}
	in.Limit = min(max(in.Limit, 0), maxLogLimit)
	if in.Limit == 0 {
		in.Limit = defaultLogLimit
	}

	end := l.now().UTC()
	if in.End != "" {
		t, err := time.Parse(time.RFC3339, in.End)
		if err != nil {
			return in, fmt.Errorf("invalid end: %w", err)
		}
		end = t
	}
	start := end.Add(-defaultLogSpan)
	if in.Start != "" {
		t, err := time.Parse(time.RFC3339, in.Start)
		if err != nil {
			return in, fmt.Errorf("invalid start: %w", err)
		}
		start = t
	}
	if end.Sub(start) > maxLogSpan {
		start = end.Add(-maxLogSpan)
	}
	in.Start = start.Format(time.RFC3339Nano)
	in.End = end.Format(time.RFC3339Nano)
	return in, nil
}

func (l *LogQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	in, err := l.normalize(params)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("query", in.Query)
	q.Set("start", in.Start)
	q.Set("end", in.End)
	q.Set("limit", strconv.Itoa(in.Limit))
	q.Set("direction", "backward")
	body, err := l.api.get(ctx, "loki/api/v1/query_range", q)
	if err != nil {
		return nil, fmt.Errorf("loki query: %w", err)
	}

	var lr lokiResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return body, nil
	}
	if lr.Status != successStatus {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	lines := flattenStreams(lr.Data.Result, in.Limit)
	return json.Marshal(map[string]any{
		"stream_count": len(lr.Data.Result),
		"line_count":   len(lines),
		"lines":        lines,
		"truncated":    len(lines) >= in.Limit,
	})
}

// flattenStreams merges stream entries into at most limit lines, attaching
// the stream labels to the first line of each stream only.
func flattenStreams(streams []lokiStream, limit int) []logLine {
	lines := make([]logLine, 0, min(limit, 64))
	for _, s := range streams {
		first := true
		for _, v := range s.Values {
			if len(v) < 2 {
				continue
			}
			ll := logLine{Timestamp: v[0], Line: v[1]}
			if first {
				ll.Labels = s.Stream
				first = false
			}
			lines = append(lines, ll)
			if len(lines) >= limit {
				return lines
			}
		}
	}
	return lines
}
