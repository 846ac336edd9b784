package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/approval"
	"github.com/linnemanlabs/warden/internal/execution"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/reasoning"
)

// Metrics holds Prometheus metrics for the incident workflow.
type Metrics struct {
	IncidentsTotal     *prometheus.CounterVec
	IncidentDuration   *prometheus.HistogramVec
	StageDuration      *prometheus.HistogramVec
	RollbackIncomplete prometheus.Counter
	SubmitsTotal       *prometheus.CounterVec
	ApprovalsTotal     *prometheus.CounterVec
	ApprovalWait       *prometheus.HistogramVec
	StepsTotal         *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	LLMCallsTotal      prometheus.Counter
	LLMTokensIn        prometheus.Counter
	LLMTokensOut       prometheus.Counter
	LLMDuration        prometheus.Histogram
	ToolCallsTotal     *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	ToolInputBytes     *prometheus.HistogramVec
	ToolOutputBytes    *prometheus.HistogramVec
}

// NewMetrics registers and returns workflow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IncidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_incidents_total",
			Help: "Total finalized incidents by terminal stage.",
		}, []string{"outcome"}),
		IncidentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_incident_duration_seconds",
			Help:    "Time from receipt to terminal stage in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34m
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_stage_duration_seconds",
			Help:    "Time spent in each workflow stage in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s .. ~17m
		}, []string{"stage"}),
		RollbackIncomplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_rollbacks_incomplete_total",
			Help: "Incidents finalized with at least one step left without a successful rollback.",
		}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_submits_total",
			Help: "Total alert group submissions by result.",
		}, []string{"result"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_approvals_total",
			Help: "Total resolved approval requests by status.",
		}, []string{"status"}),
		ApprovalWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_approval_wait_seconds",
			Help:    "Time from approval request to resolution in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"status"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_steps_total",
			Help: "Total plan step actions and rollbacks by phase and resulting status.",
		}, []string{"phase", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_step_duration_seconds",
			Help:    "Duration of plan step actions and rollbacks in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~205s
		}, []string{"phase"}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_llm_calls_total",
			Help: "Total LLM provider calls.",
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tool_calls_total",
			Help: "Total tool executions by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_tool_duration_seconds",
			Help:    "Duration of tool executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}, []string{"tool"}),
		ToolInputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_tool_input_bytes",
			Help:    "Size of tool input in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. ~1MB
		}, []string{"tool"}),
		ToolOutputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_tool_output_bytes",
			Help:    "Size of tool output in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. ~1MB
		}, []string{"tool"}),
	}

	reg.MustRegister(
		m.IncidentsTotal,
		m.IncidentDuration,
		m.StageDuration,
		m.RollbackIncomplete,
		m.SubmitsTotal,
		m.ApprovalsTotal,
		m.ApprovalWait,
		m.StepsTotal,
		m.StepDuration,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.ToolInputBytes,
		m.ToolOutputBytes,
	)

	return m
}

// Hooks returns supervisor hooks that update the workflow metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnStage: func(stage incident.Stage, seconds float64) {
			m.StageDuration.WithLabelValues(string(stage)).Observe(seconds)
		},
		OnOutcome: func(stage incident.Stage, seconds float64, rollbackIncomplete bool) {
			m.IncidentsTotal.WithLabelValues(string(stage)).Inc()
			m.IncidentDuration.WithLabelValues(string(stage)).Observe(seconds)
			if rollbackIncomplete {
				m.RollbackIncomplete.Inc()
			}
		},
	}
}

// ReasoningHooks returns engine hooks for LLM and tool call metrics.
func (m *Metrics) ReasoningHooks() reasoning.Hooks {
	return reasoning.Hooks{
		OnLLMCall: func(inputTokens, outputTokens int, seconds float64) {
			m.LLMCallsTotal.Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(seconds)
		},
		OnToolCall: func(name string, seconds float64, inputBytes, outputBytes int, isError bool) {
			status := "success"
			if isError {
				status = "error"
			}
			m.ToolCallsTotal.WithLabelValues(name, status).Inc()
			m.ToolDuration.WithLabelValues(name).Observe(seconds)
			m.ToolInputBytes.WithLabelValues(name).Observe(float64(inputBytes))
			m.ToolOutputBytes.WithLabelValues(name).Observe(float64(outputBytes))
		},
	}
}

// ApprovalHooks returns gate hooks for approval metrics.
func (m *Metrics) ApprovalHooks() approval.Hooks {
	return approval.Hooks{
		OnResolved: func(status incident.ApprovalStatus, waited time.Duration) {
			m.ApprovalsTotal.WithLabelValues(string(status)).Inc()
			m.ApprovalWait.WithLabelValues(string(status)).Observe(waited.Seconds())
		},
	}
}

// ExecutionHooks returns coordinator hooks for step metrics.
func (m *Metrics) ExecutionHooks() execution.Hooks {
	return execution.Hooks{
		OnStep: func(phase string, status incident.StepStatus, seconds float64) {
			m.StepsTotal.WithLabelValues(phase, string(status)).Inc()
			m.StepDuration.WithLabelValues(phase).Observe(seconds)
		},
	}
}
