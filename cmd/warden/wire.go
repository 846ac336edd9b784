package main

import (
	"context"
	"fmt"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/actions"
	vc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/execution"
	"github.com/linnemanlabs/warden/internal/llm"
	"github.com/linnemanlabs/warden/internal/llm/claude"
	"github.com/linnemanlabs/warden/internal/llm/openai"
	"github.com/linnemanlabs/warden/internal/policy"
	"github.com/linnemanlabs/warden/internal/tools"
)

// actionBackend performs plan actions and serves read-only diagnostics.
type actionBackend interface {
	execution.Backend
	tools.DiagnosticsRunner
}

// newProvider returns the configured LLM provider and its model name.
func newProvider(c *vc.Config) (llm.Provider, string, error) {
	switch c.ReasoningProvider {
	case vc.ProviderClaude:
		return claude.New(c.ClaudeAPIKey, c.ClaudeModel), c.ClaudeModel, nil
	case vc.ProviderOpenAI:
		return openai.New(c.OpenAIAPIKey, c.OpenAIModel), c.OpenAIModel, nil
	default:
		return nil, "", fmt.Errorf("unknown reasoning provider %q", c.ReasoningProvider)
	}
}

// newBackend returns the remediation backend client, or a dry-run backend
// when no backend url is configured.
func newBackend(c *vc.Config, L log.Logger) (actionBackend, error) {
	if c.DryRun() {
		return actions.NewDryRun(L.With("component", "dryrun")), nil
	}
	client, err := actions.New(c.BackendURL, c.BackendToken)
	if err != nil {
		return nil, fmt.Errorf("action backend: %w", err)
	}
	return client, nil
}

// loadPolicy reads the action policy file, or allows every catalog action
// when none is configured.
func loadPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		return policy.AllowAll(), nil
	}
	return policy.Load(path)
}

// newRegistry registers the investigation tools available to the reasoning
// provider.
func newRegistry(ctx context.Context, c *vc.Config, backend tools.DiagnosticsRunner, pol *policy.Policy, L log.Logger) *tools.Registry {
	registry := tools.NewRegistry()

	register := func(t tools.Tool, kv ...any) {
		registry.Register(t)
		L.Info(ctx, "registered tool", append([]any{"name", t.Name()}, kv...)...)
	}

	// Prometheus is required by config validation
	register(tools.NewMetricsQuery(c.PrometheusEndpoint, c.PrometheusTenantID), "endpoint", c.PrometheusEndpoint)
	register(tools.NewMetricsRange(c.PrometheusEndpoint, c.PrometheusTenantID), "endpoint", c.PrometheusEndpoint)

	if c.LokiEndpoint != "" {
		register(tools.NewLogQuery(c.LokiEndpoint, c.LokiTenantID), "endpoint", c.LokiEndpoint)
	}

	register(tools.NewDiagnostics(backend, pol.Diagnostics), "dry_run", c.DryRun())

	return registry
}

// newSlackClients builds the Web API client and, when an app token is
// configured, the Socket Mode client sharing it.
func newSlackClients(c *vc.Config) (*goslack.Client, *socketmode.Client) {
	opts := []goslack.Option{}
	if c.SlackAppToken != "" {
		opts = append(opts, goslack.OptionAppLevelToken(c.SlackAppToken))
	}
	api := goslack.New(c.SlackBotToken, opts...)
	if c.SlackAppToken == "" {
		return api, nil
	}
	return api, socketmode.New(api)
}
