// Package openai implements llm.Provider on the OpenAI chat completions API.
// It is text-only: tool definitions are ignored and the conversation is sent
// as a single prompt, so the model answers from the incident context alone.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/warden/internal/llm"
)

// ErrEmptyResponse is returned when the API answers without choices.
var ErrEmptyResponse = errors.New("no response from openai")

// Client implements llm.Provider for OpenAI chat models.
type Client struct {
	client *openai.Client
	model  string
}

// New creates an OpenAI client for model.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{
			Timeout:   120 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}
	c := openai.NewClient(append(base, opts...)...)
	return &Client{client: &c, model: model}
}

// Send flattens the conversation into one user message and returns the
// completion as a single text block.
func (c *Client) Send(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(flatten(req)),
		},
		Model: c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	stop := llm.StopEnd
	if resp.Choices[0].FinishReason == "length" {
		stop = llm.StopMaxTokens
	}
	return &llm.Response{
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: resp.Choices[0].Message.Content}},
		StopReason: stop,
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// flatten renders the system prompt and transcript as plain text.
func flatten(req *llm.Request) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	for _, m := range req.Messages {
		for _, blk := range m.Content {
			switch blk.Type {
			case llm.BlockText:
				fmt.Fprintf(&b, "[%s]\n%s\n\n", m.Role, blk.Text)
			case llm.BlockToolResult:
				fmt.Fprintf(&b, "[tool result %s]\n%s\n\n", blk.ToolUseID, blk.Content)
			}
		}
	}
	return strings.TrimSpace(b.String())
}
