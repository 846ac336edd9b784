package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/llm"
	"github.com/linnemanlabs/warden/internal/tools"
)

// mockProvider returns preconfigured responses in sequence and records requests.
type mockProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	requests  []*llm.Request
}

func (m *mockProvider) Send(_ context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.requests)
	m.requests = append(m.requests, req)

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return textResponse("fallback"), nil
}

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: text}},
		StopReason: llm.StopEnd,
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolUse(id, name, input string) *llm.Response {
	return &llm.Response{
		Content:    []llm.ContentBlock{{Type: llm.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(input)}},
		StopReason: llm.StopToolUse,
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

// mockTool returns preconfigured Execute results.
type mockTool struct {
	name   string
	output json.RawMessage
	err    error
}

func (m *mockTool) Name() string                { return m.name }
func (m *mockTool) Description() string         { return "mock tool" }
func (m *mockTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (m *mockTool) Execute(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return m.output, m.err
}

func conv() Conversation {
	return Conversation{IncidentID: "inc-test", Stage: "analysis", System: "sys", Prompt: "investigate"}
}

func TestRun_SingleTurn(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []*llm.Response{textResponse("all good")}}
	e := NewEngine(provider, tools.NewRegistry(), Hooks{}, log.Nop())

	res, err := e.Run(context.Background(), conv())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "all good" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Tokens != 15 {
		t.Errorf("Tokens = %d, want 15", res.Tokens)
	}
	req := provider.requests[0]
	if req.System != "sys" || req.MaxTokens != ResponseTokens {
		t.Errorf("request = %+v", req)
	}
}

func TestRun_ToolLoop(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "query_logs", output: json.RawMessage(`{"lines":[]}`)})
	registry.Register(&mockTool{name: "broken", err: errors.New("connection refused")})

	provider := &mockProvider{responses: []*llm.Response{
		toolUse("c1", "query_logs", `{"query":"x"}`),
		{
			Content: []llm.ContentBlock{
				{Type: llm.BlockToolUse, ID: "c2", Name: "broken", Input: json.RawMessage(`{}`)},
				{Type: llm.BlockToolUse, ID: "c3", Name: "nope", Input: json.RawMessage(`{}`)},
			},
			StopReason: llm.StopToolUse,
		},
		textResponse("done"),
	}}

	var (
		mu        sync.Mutex
		llmCalls  int
		toolCalls []string
		toolErrs  int
	)
	hooks := Hooks{
		OnLLMCall: func(_, _ int, _ float64) { mu.Lock(); llmCalls++; mu.Unlock() },
		OnToolCall: func(name string, _ float64, _, _ int, isError bool) {
			mu.Lock()
			defer mu.Unlock()
			toolCalls = append(toolCalls, name)
			if isError {
				toolErrs++
			}
		},
	}

	e := NewEngine(provider, registry, hooks, log.Nop())
	res, err := e.Run(context.Background(), conv())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "done" || res.ToolCalls != 3 {
		t.Errorf("result = %+v", res)
	}
	if strings.Join(res.ToolsUsed, ",") != "query_logs,broken,nope" {
		t.Errorf("ToolsUsed = %v", res.ToolsUsed)
	}

	// second request carries the first tool result
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleUser || last.Content[0].ToolUseID != "c1" || last.Content[0].IsError {
		t.Errorf("tool result message = %+v", last)
	}

	third := provider.requests[2].Messages
	results := third[len(third)-1].Content
	if len(results) != 2 {
		t.Fatalf("tool results = %d, want 2", len(results))
	}
	if !results[0].IsError || !strings.Contains(results[0].Content, "connection refused") {
		t.Errorf("tool error result = %+v", results[0])
	}
	if !results[1].IsError || !strings.Contains(results[1].Content, "unknown tool") {
		t.Errorf("unknown tool result = %+v", results[1])
	}

	mu.Lock()
	defer mu.Unlock()
	if llmCalls != 3 {
		t.Errorf("OnLLMCall = %d, want 3", llmCalls)
	}
	// unknown tools never reach Execute
	if len(toolCalls) != 2 || toolErrs != 1 {
		t.Errorf("OnToolCall = %v errs=%d", toolCalls, toolErrs)
	}
}

func TestRun_ProviderError(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{errs: []error{errors.New("503")}}
	e := NewEngine(provider, nil, Hooks{}, log.Nop())
	if _, err := e.Run(context.Background(), conv()); err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v, want provider error", err)
	}
}

func TestRun_ToolBudget(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "loop", output: json.RawMessage(`{}`)})
	responses := make([]*llm.Response, 0, MaxToolRounds+1)
	for range MaxToolRounds + 1 {
		r := toolUse("c", "loop", `{}`)
		r.Usage = llm.Usage{}
		responses = append(responses, r)
	}
	provider := &mockProvider{responses: responses}

	e := NewEngine(provider, registry, Hooks{}, log.Nop())
	res, err := e.Run(context.Background(), conv())
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
	if res.ToolCalls != MaxToolRounds {
		t.Errorf("ToolCalls = %d, want %d", res.ToolCalls, MaxToolRounds)
	}
}

func TestRun_TokenBudget(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "loop", output: json.RawMessage(`{}`)})
	big := toolUse("c", "loop", `{}`)
	big.Usage = llm.Usage{InputTokens: MaxTokens, OutputTokens: 1}
	provider := &mockProvider{responses: []*llm.Response{big}}

	e := NewEngine(provider, registry, Hooks{}, log.Nop())
	if _, err := e.Run(context.Background(), conv()); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
	if provider.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls())
	}
}

func TestRun_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "span_tool", output: json.RawMessage(`{"ok":true}`)})
	provider := &mockProvider{responses: []*llm.Response{
		toolUse("c-1", "span_tool", `{"q":"x"}`),
		textResponse("done"),
	}}

	e := NewEngine(provider, registry, Hooks{}, log.Nop())
	if _, err := e.Run(context.Background(), conv()); err != nil {
		t.Fatal(err)
	}

	counts := map[string]int{}
	for _, s := range exporter.GetSpans() {
		counts[s.Name]++
		attrs := map[string]any{}
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if attrs["warden.incident.id"] != "inc-test" {
			t.Errorf("%s span warden.incident.id = %v", s.Name, attrs["warden.incident.id"])
		}
		if attrs["warden.reasoning.stage"] != "analysis" {
			t.Errorf("%s span stage = %v", s.Name, attrs["warden.reasoning.stage"])
		}
		if s.Name != "tool.execute" {
			continue
		}
		if attrs["gen_ai.tool.name"] != "span_tool" || attrs["warden.tool.is_error"] != false {
			t.Errorf("tool span attrs = %v", attrs)
		}
		events := map[string]string{}
		for _, ev := range s.Events {
			for _, a := range ev.Attributes {
				events[ev.Name] = a.Value.AsString()
			}
		}
		if events["tool.request"] != `{"q":"x"}` || events["tool.result"] != `{"ok":true}` {
			t.Errorf("tool span events = %v", events)
		}
	}
	if counts["llm.call"] != 2 || counts["tool.execute"] != 1 {
		t.Errorf("span counts = %v", counts)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if truncate("short") != "short" {
		t.Error("short input changed")
	}
	long := strings.Repeat("x", maxEventBody+10)
	if got := truncate(long); len(got) != maxEventBody+len("...(truncated)") {
		t.Errorf("len = %d", len(got))
	}
}
