package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestMetricsQuery_Success(t *testing.T) {
	t.Parallel()

	url := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("query"); got != "up" {
			t.Errorf("query = %q, want up", got)
		}
		if got := r.Header.Get("X-Scope-OrgID"); got != "tenant-a" {
			t.Errorf("X-Scope-OrgID = %q, want tenant-a", got)
		}
		_, _ = fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{"__name__":"up"},"value":[1234,"1"]}]}}`)
	})

	out, err := NewMetricsQuery(url, "tenant-a").Execute(context.Background(), json.RawMessage(`{"query":"up"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if parsed["result_type"] != "vector" {
		t.Errorf("result_type = %v, want vector", parsed["result_type"])
	}
	if parsed["truncated"] != false {
		t.Errorf("truncated = %v, want false", parsed["truncated"])
	}
}

func TestMetricsQuery_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  string
		status  int
		body    string
		wantErr string
	}{
		{"empty query", `{"query":""}`, 0, "", "required"},
		{"invalid params", `{not json`, 0, "", "invalid params"},
		{"http 500", `{"query":"up"}`, http.StatusInternalServerError, "boom", "500"},
		{"non-success", `{"query":"bad{}"}`, http.StatusOK, `{"status":"error","errorType":"bad_data","error":"parse error"}`, "prometheus query failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			url := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				if tt.status == 0 {
					t.Error("should not have made HTTP request")
					return
				}
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprint(w, tt.body)
			})
			_, err := NewMetricsQuery(url, "").Execute(context.Background(), json.RawMessage(tt.params))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestMetricsQuery_UnparsableResponseReturnedRaw(t *testing.T) {
	t.Parallel()

	url := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "this is not json at all")
	})
	out, err := NewMetricsQuery(url, "").Execute(context.Background(), json.RawMessage(`{"query":"up"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "this is not json at all" {
		t.Errorf("output = %q, want raw body", out)
	}
}

func TestMetricsQuery_Truncation(t *testing.T) {
	t.Parallel()

	url := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		results := make([]string, 0, 60)
		for i := range 60 {
			results = append(results, fmt.Sprintf(`{"metric":{"i":"%d"},"value":[1234,"%d"]}`, i, i))
		}
		_, _ = fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[%s]}}`, strings.Join(results, ","))
	})

	out, err := NewMetricsQuery(url, "").Execute(context.Background(), json.RawMessage(`{"query":"up"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var parsed struct {
		ResultCount int               `json:"result_count"`
		Results     []json.RawMessage `json:"results"`
		Truncated   bool              `json:"truncated"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatal(err)
	}
	if !parsed.Truncated || parsed.ResultCount != 60 || len(parsed.Results) != instantResultCap {
		t.Errorf("got truncated=%v count=%d len=%d", parsed.Truncated, parsed.ResultCount, len(parsed.Results))
	}
}

func TestMetricsRange_DefaultsEndAndStep(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	url := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query_range" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("end") != "2026-03-01T12:00:00Z" {
			t.Errorf("end = %q", q.Get("end"))
		}
		if q.Get("step") != defaultRangeStep {
			t.Errorf("step = %q, want %q", q.Get("step"), defaultRangeStep)
		}
		_, _ = fmt.Fprint(w, `{"status":"success","data":{"resultType":"matrix","result":[]}}`)
	})

	m := NewMetricsRange(url, "")
	m.now = func() time.Time { return fixed }
	if _, err := m.Execute(context.Background(), json.RawMessage(`{"query":"up","start":"2026-03-01T11:00:00Z"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMetricsRange_MissingStart(t *testing.T) {
	t.Parallel()

	url := newTestServer(t, func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("should not have made HTTP request")
	})
	_, err := NewMetricsRange(url, "").Execute(context.Background(), json.RawMessage(`{"query":"up"}`))
	if err == nil || !strings.Contains(err.Error(), "start is required") {
		t.Errorf("err = %v, want start is required", err)
	}
}

func TestMetricsRange_Truncation(t *testing.T) {
	t.Parallel()

	url := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		results := make([]string, 0, 30)
		for i := range 30 {
			results = append(results, fmt.Sprintf(`{"metric":{"i":"%d"},"values":[[1,"1"]]}`, i))
		}
		_, _ = fmt.Fprintf(w, `{"status":"success","data":{"resultType":"matrix","result":[%s]}}`, strings.Join(results, ","))
	})
	out, err := NewMetricsRange(url, "").Execute(context.Background(), json.RawMessage(`{"query":"up","start":"2026-01-01T00:00:00Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	var parsed struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatal(err)
	}
	if len(parsed.Results) != rangeResultCap {
		t.Errorf("len(results) = %d, want %d", len(parsed.Results), rangeResultCap)
	}
}

func FuzzMetricsQueryExecute(f *testing.F) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
	}))
	defer srv.Close()

	m := NewMetricsQuery(srv.URL, "test")

	f.Add(`{"query":"up"}`)
	f.Add(`{"query":""}`)
	f.Add(`{}`)
	f.Add(`not json`)
	f.Add(`{"query":"rate(http_requests_total[5m])","time":"2024-01-01T00:00:00Z"}`)

	f.Fuzz(func(_ *testing.T, params string) {
		_, _ = m.Execute(context.Background(), json.RawMessage(params))
	})
}
