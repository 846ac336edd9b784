// Package reasoning drives the LLM provider for the analysis and planning
// stages and turns its answers into validated incident records.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/llm"
	"github.com/linnemanlabs/warden/internal/tools"
)

const (
	MaxToolRounds  = 15
	MaxTokens      = 50000
	ResponseTokens = 4096
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/reasoning")

// maxEventBody caps tool bodies recorded on span events.
const maxEventBody = 4096

// ErrBudgetExhausted is returned when a conversation hits the tool call or token limit.
var ErrBudgetExhausted = errors.New("reasoning budget exhausted")

// Hooks receives per-call observations. Nil fields are skipped.
type Hooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, seconds float64)
	OnToolCall func(name string, seconds float64, inputBytes, outputBytes int, isError bool)
}

// Engine runs a tool-use conversation with the provider until it produces a
// final answer.
type Engine struct {
	provider llm.Provider
	registry *tools.Registry
	hooks    Hooks
	logger   log.Logger
}

// NewEngine creates an engine. registry may be nil when no tools are configured.
func NewEngine(provider llm.Provider, registry *tools.Registry, hooks Hooks, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{provider: provider, registry: registry, hooks: hooks, logger: logger}
}

// Conversation identifies one engine run.
type Conversation struct {
	IncidentID string
	Stage      string
	System     string
	Prompt     string
}

// Result is the outcome of one conversation.
type Result struct {
	Text      string
	Tokens    int
	ToolCalls int
	ToolsUsed []string
}

// Run sends the conversation prompt and executes tool calls until the
// provider ends its turn.
func (e *Engine) Run(ctx context.Context, conv Conversation) (*Result, error) {
	L := e.loggerFor(ctx)
	common := []attribute.KeyValue{
		attribute.String("warden.incident.id", conv.IncidentID),
		attribute.String("warden.reasoning.stage", conv.Stage),
	}

	var defs []tools.ToolDef
	if e.registry != nil {
		defs = e.registry.ToToolDefs()
	}

	messages := []llm.Message{llm.UserText(conv.Prompt)}
	res := &Result{}
	used := map[string]bool{}

	for seq := 0; ; seq++ {
		if res.ToolCalls >= MaxToolRounds {
			return res, fmt.Errorf("%w: %d tool calls", ErrBudgetExhausted, res.ToolCalls)
		}
		if res.Tokens >= MaxTokens {
			return res, fmt.Errorf("%w: %d tokens", ErrBudgetExhausted, res.Tokens)
		}

		resp, err := e.send(ctx, seq, common, &llm.Request{
			MaxTokens: ResponseTokens,
			System:    conv.System,
			Messages:  messages,
			Tools:     defs,
		})
		if err != nil {
			return res, fmt.Errorf("llm call: %w", err)
		}

		res.Tokens += resp.Usage.InputTokens + resp.Usage.OutputTokens
		L.Info(ctx, "llm response",
			"stage", conv.Stage,
			"stop_reason", resp.StopReason,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
			"total_tokens", res.Tokens,
		)

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		if resp.StopReason != llm.StopToolUse {
			res.Text = resp.Text()
			return res, nil
		}

		var results []llm.ContentBlock
		for _, block := range resp.Content {
			if block.Type != llm.BlockToolUse {
				continue
			}
			res.ToolCalls++
			if !used[block.Name] {
				used[block.Name] = true
				res.ToolsUsed = append(res.ToolsUsed, block.Name)
			}
			results = append(results, e.callTool(ctx, L, common, block, res.ToolCalls))
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: results})
	}
}

// loggerFor prefers the request-scoped logger carried by ctx.
func (e *Engine) loggerFor(ctx context.Context) log.Logger {
	if L := log.FromContext(ctx); L != nil {
		return L
	}
	return e.logger
}

func (e *Engine) send(ctx context.Context, seq int, common []attribute.KeyValue, req *llm.Request) (*llm.Response, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(common...), trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.Int("warden.chat.seq", seq),
		attribute.Int("warden.chat.messages", len(req.Messages)),
	))
	defer span.End()

	start := time.Now()
	resp, err := e.provider.Send(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if e.hooks.OnLLMCall != nil {
		e.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start).Seconds())
	}
	span.SetAttributes(
		attribute.String("gen_ai.response.finish_reason", string(resp.StopReason)),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}

// callTool executes one tool_use block. Failures are returned to the model
// as an is_error result, never to the caller.
func (e *Engine) callTool(ctx context.Context, L log.Logger, common []attribute.KeyValue, block llm.ContentBlock, n int) llm.ContentBlock {
	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(common...), trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "tool.execute"),
		attribute.String("gen_ai.tool.name", block.Name),
		attribute.String("gen_ai.tool.call.id", block.ID),
	))
	defer span.End()
	span.AddEvent("tool.request", trace.WithAttributes(attribute.String("tool.request.body", truncate(string(block.Input)))))

	L.Info(ctx, "executing tool", "tool", block.Name, "call_number", n)
	out := llm.ContentBlock{Type: llm.BlockToolResult, ToolUseID: block.ID}

	var tool tools.Tool
	ok := false
	if e.registry != nil {
		tool, ok = e.registry.Get(block.Name)
	}
	if !ok {
		out.Content = fmt.Sprintf("unknown tool: %s", block.Name)
		out.IsError = true
		span.SetAttributes(attribute.Bool("warden.tool.is_error", true))
		span.SetStatus(codes.Error, "unknown tool")
		return out
	}

	start := time.Now()
	output, err := tool.Execute(ctx, block.Input)
	if e.hooks.OnToolCall != nil {
		e.hooks.OnToolCall(block.Name, time.Since(start).Seconds(), len(block.Input), len(output), err != nil)
	}
	span.SetAttributes(attribute.Bool("warden.tool.is_error", err != nil))
	if err != nil {
		L.Error(ctx, err, "tool execution failed", "tool", block.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out.Content = fmt.Sprintf("tool error: %v", err)
		out.IsError = true
		return out
	}
	span.AddEvent("tool.result", trace.WithAttributes(attribute.String("tool.result.body", truncate(string(output)))))
	out.Content = string(output)
	return out
}

func truncate(s string) string {
	if len(s) <= maxEventBody {
		return s
	}
	return s[:maxEventBody] + "...(truncated)"
}
