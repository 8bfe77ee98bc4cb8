// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "supportdesk",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	// Auth
	AuthResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "auth",
			Name:      "results_total",
			Help:      "Authentication results by provider and role",
		},
		[]string{"provider", "result", "role"},
	)

	// Routing and hand-off
	RouteDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "chat",
			Name:      "route_decisions_total",
			Help:      "Intent routing decisions by category and escalation",
		},
		[]string{"category", "escalate", "classifier"},
	)

	HandoffTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "chat",
			Name:      "handoff_transitions_total",
			Help:      "Conversation control-state transitions",
		},
		[]string{"from", "to", "trigger"},
	)

	RepliesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "chat",
			Name:      "replies_suppressed_total",
			Help:      "Automated replies withheld because a human took over mid-turn",
		},
	)

	// LLM
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "LLM completion attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "supportdesk",
			Subsystem: "llm",
			Name:      "latency_seconds",
			Help:      "LLM completion latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "orchestrator",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and result",
		},
		[]string{"tool", "result"},
	)

	// Refunds
	RefundAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "refund",
			Name:      "gateway_attempts_total",
			Help:      "Payment gateway refund calls by result",
		},
		[]string{"result"},
	)

	RefundOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "refund",
			Name:      "outcomes_total",
			Help:      "Refund executor outcomes by action and source",
		},
		[]string{"action", "source"},
	)
)
