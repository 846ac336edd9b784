package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
)

// Config adds warden-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	ApprovalTimeout   time.Duration
	Retention         time.Duration
	ReasoningAttempts int
	ReasoningProvider string

	ClaudeAPIKey string
	ClaudeModel  string
	OpenAIAPIKey string
	OpenAIModel  string

	PrometheusEndpoint string
	PrometheusTenantID string
	LokiEndpoint       string
	LokiTenantID       string

	DatabaseURL string

	SlackBotToken      string
	SlackAppToken      string
	SlackSigningSecret string
	SlackChannel       string

	BackendURL   string
	BackendToken string
	APIToken     string
	PolicyFile   string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.DurationVar(&c.ApprovalTimeout, "approval-timeout", 300*time.Second, "how long a plan waits for a human decision before it expires (1s..24h)")
	fs.DurationVar(&c.Retention, "retention", time.Hour, "how long finalized incidents are kept")
	fs.IntVar(&c.ReasoningAttempts, "reasoning-attempts", 1, "attempts per analysis or planning stage (1..10)")
	fs.StringVar(&c.ReasoningProvider, "reasoning-provider", ProviderClaude, "LLM provider for analysis and planning (claude|openai)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for accessing the OpenAI LLM provider")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o", "OpenAI model to use")

	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint for metrics collection by tool use")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "Prometheus tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for log collection by tool use")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")

	fs.StringVar(&c.SlackBotToken, "slack-bot-token", "", "Slack bot token (xoxb-...); empty disables Slack")
	fs.StringVar(&c.SlackAppToken, "slack-app-token", "", "Slack app-level token (xapp-...) for Socket Mode")
	fs.StringVar(&c.SlackSigningSecret, "slack-signing-secret", "", "Slack signing secret for the HTTP interactions endpoint")
	fs.StringVar(&c.SlackChannel, "slack-channel", "", "Slack channel for incident and approval messages")

	fs.StringVar(&c.BackendURL, "backend-url", "", "remediation backend endpoint (empty = dry-run)")
	fs.StringVar(&c.BackendToken, "backend-token", "", "bearer token for the remediation backend")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for operator endpoints (abort, approvals)")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "action policy file (empty = allow every catalog action)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.ApprovalTimeout < time.Second || c.ApprovalTimeout > 24*time.Hour {
		errs = append(errs, fmt.Errorf("invalid APPROVAL_TIMEOUT %s (must be 1s..24h)", c.ApprovalTimeout))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETENTION %s (must be positive)", c.Retention))
	}
	if c.ReasoningAttempts < 1 || c.ReasoningAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid REASONING_ATTEMPTS %d (must be 1..10)", c.ReasoningAttempts))
	}

	switch c.ReasoningProvider {
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required"))
		}
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid REASONING_PROVIDER %q (must be claude or openai)", c.ReasoningProvider))
	}

	// Prometheus endpoint is required for metrics collection by tools
	if c.PrometheusEndpoint == "" {
		errs = append(errs, errors.New("PROMETHEUS_ENDPOINT is required"))
	}

	// Operators need a way to decide approvals: Slack or the API.
	if c.SlackBotToken == "" && c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required when SLACK_BOT_TOKEN is not set"))
	}

	if c.SlackBotToken != "" {
		if c.SlackChannel == "" {
			errs = append(errs, errors.New("SLACK_CHANNEL is required when SLACK_BOT_TOKEN is set"))
		}
		if c.SlackAppToken == "" && c.SlackSigningSecret == "" {
			errs = append(errs, errors.New("SLACK_APP_TOKEN or SLACK_SIGNING_SECRET is required to receive approval clicks"))
		}
	}
	if c.SlackAppToken != "" {
		if !strings.HasPrefix(c.SlackAppToken, "xapp-") {
			errs = append(errs, errors.New("SLACK_APP_TOKEN must start with xapp-"))
		}
		if c.SlackBotToken == "" {
			errs = append(errs, errors.New("SLACK_BOT_TOKEN is required when SLACK_APP_TOKEN is set"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlackEnabled reports whether Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != ""
}

// DryRun reports whether plan actions are simulated instead of sent to a backend.
func (c *Config) DryRun() bool {
	return c.BackendURL == ""
}
