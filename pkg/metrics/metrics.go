// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMRequestDuration tracks engine call duration per attempt.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "AI engine request duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// ToolLoopIterations tracks engine round trips per handled message.
	ToolLoopIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tool_loop_iterations",
			Help:    "Engine round trips per handled message",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
		[]string{"outcome"},
	)

	// ToolExecutionsTotal tracks tool executions.
	ToolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_executions_total",
			Help: "Tool executions by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	// ActionTransitionsTotal tracks pending action state changes.
	ActionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pending_action_transitions_total",
			Help: "Pending action transitions by resulting state",
		},
		[]string{"state"},
	)

	// DeferredRequestsTotal tracks deferred requests by outcome.
	DeferredRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferred_requests_total",
			Help: "Deferred requests by outcome",
		},
		[]string{"outcome"},
	)

	// SlotsFound tracks the number of slots returned per search.
	SlotsFound = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slots_found",
			Help:    "Free slots returned per search",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	// ConversationConflictsTotal tracks optimistic save conflicts.
	ConversationConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_save_conflicts_total",
			Help: "Conversation saves that lost the version check",
		},
	)

	// SSEConnectionsActive tracks open audit event streams.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMRequest records one engine attempt.
func RecordLLMRequest(provider string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	LLMRequestDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// RecordLLMTokens records token usage of a successful engine call.
func RecordLLMTokens(provider string, tokensIn, tokensOut int) {
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// RecordToolLoop records how many engine round trips a message took.
func RecordToolLoop(outcome string, iterations int) {
	ToolLoopIterations.WithLabelValues(outcome).Observe(float64(iterations))
}

// RecordToolExecution records a tool execution outcome.
func RecordToolExecution(tool, outcome string) {
	ToolExecutionsTotal.WithLabelValues(tool, outcome).Inc()
}

// RecordActionTransition records a pending action reaching state.
func RecordActionTransition(state string) {
	ActionTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordDeferred records a deferred request outcome.
func RecordDeferred(outcome string) {
	DeferredRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordSlots records the size of a slot search result.
func RecordSlots(n int) {
	SlotsFound.Observe(float64(n))
}

// RecordConversationConflict counts a lost optimistic save.
func RecordConversationConflict() {
	ConversationConflictsTotal.Inc()
}

// IncrementSSEConnections increments the active SSE connections gauge.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connections gauge.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
