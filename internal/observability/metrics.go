// Package observability exposes Prometheus metrics for the runtime and
// serves them on a dedicated port.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics register on the default registry, which also carries the Go
// and process collectors (resident memory, goroutines, GC).
var (
	// HTTPRequests counts API requests. Paths are not a label: session and
	// job ids would blow up series cardinality.
	// Labels: method, status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myrmex_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "status"},
	)

	// HTTPRequestDuration measures API request latency in seconds.
	// Labels: method.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "myrmex_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method"},
	)

	// LLMRequests counts gateway completions by model alias and outcome.
	// Labels: model, status (success|error).
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myrmex_llm_requests_total",
			Help: "Total number of LLM requests by model and status",
		},
		[]string{"model", "status"},
	)

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: model.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "myrmex_llm_request_duration_seconds",
			Help:    "Duration of LLM requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	// LLMTokens tracks token consumption.
	// Labels: model, direction (input|output).
	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myrmex_llm_tokens_total",
			Help: "Total number of LLM tokens by model and direction",
		},
		[]string{"model", "direction"},
	)

	// LLMCost tracks estimated spend in USD.
	// Labels: model.
	LLMCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myrmex_llm_cost_usd_total",
			Help: "Estimated LLM cost in USD by model",
		},
		[]string{"model"},
	)

	// LLMBreakerOpen reports circuit breaker state per model alias.
	// Labels: model. 1 = open.
	LLMBreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "myrmex_llm_circuit_open",
			Help: "Whether the circuit breaker is open for a model (1 = open)",
		},
		[]string{"model"},
	)

	// LLMBreakerRejects counts requests rejected by an open breaker.
	// Labels: model.
	LLMBreakerRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myrmex_llm_circuit_rejects_total",
			Help: "Total requests rejected by an open circuit breaker",
		},
		[]string{"model"},
	)

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error).
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myrmex_tool_executions_total",
			Help: "Total number of tool executions by tool and status",
		},
		[]string{"tool", "status"},
	)

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool.
	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "myrmex_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"tool"},
	)

	// ActiveSessions gauges sessions with status active.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "myrmex_sessions_active",
			Help: "Number of active sessions",
		},
	)

	// MessagesPersisted counts persisted message rows by role.
	// Labels: role.
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myrmex_messages_total",
			Help: "Total number of persisted messages by role",
		},
		[]string{"role"},
	)

	// CronJobs gauges registered jobs by enabled state.
	// Labels: state (enabled|disabled).
	CronJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "myrmex_cron_jobs",
			Help: "Number of registered cron jobs by state",
		},
		[]string{"state"},
	)

	// CronExecutions counts job runs by terminal status.
	// Labels: job, status (success|error|timeout|dropped).
	CronExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myrmex_cron_executions_total",
			Help: "Total number of cron job executions by status",
		},
		[]string{"job", "status"},
	)

	// CronExecutionDuration measures job run time in seconds.
	// Labels: job.
	CronExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "myrmex_cron_execution_duration_seconds",
			Help:    "Duration of cron job executions in seconds",
			Buckets: []float64{0.1, 1, 5, 15, 60, 300, 900},
		},
		[]string{"job"},
	)

	// DBQueryDuration measures database query latency in seconds.
	// Labels: operation (select|insert|update|delete), table.
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "myrmex_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation", "table"},
	)

	// DBConnections gauges open database connections.
	DBConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "myrmex_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// AgentsByStatus gauges pool agents by runtime status.
	// Labels: status (idle|busy|error|disabled).
	AgentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "myrmex_agents",
			Help: "Number of pool agents by status",
		},
		[]string{"status"},
	)

	// Errors counts failures by component and kind.
	// Labels: component, kind.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myrmex_errors_total",
			Help: "Total number of errors by component and kind",
		},
		[]string{"component", "kind"},
	)

	// WSConnections gauges open WebSocket streams.
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "myrmex_ws_connections",
			Help: "Number of open WebSocket connections",
		},
	)
)
