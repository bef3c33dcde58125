package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "safeshell"

// MetricsCollector holds all Prometheus metrics on a custom registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics (agent chat completions and the generate proxy).
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Tool invocation metrics, one per Invoke/Execute.
	ToolInvocationsTotal   *prometheus.CounterVec
	ToolInvocationDuration *prometheus.HistogramVec

	// Process execution metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration prometheus.Histogram
	SandboxOutputBytes       prometheus.Histogram

	AuditWritesTotal *prometheus.CounterVec

	AgentRunsTotal  *prometheus.CounterVec
	AgentIterations prometheus.Histogram

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a fresh prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		ToolInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "invocations_total",
			Help:      "Tool invocations by terminal status and rejection kind.",
		}, []string{"tool", "status", "kind"}),

		ToolInvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "invocation_duration_seconds",
			Help:      "Tool invocation duration in seconds, validation included.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 3, 5},
		}, []string{"tool"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Spawned processes by outcome.",
		}, []string{"status"}),

		SandboxExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Process wall-clock duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 3, 5},
		}),

		SandboxOutputBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "output_bytes",
			Help:      "Captured output size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 6),
		}),

		AuditWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "writes_total",
			Help:      "Audit record writes by result.",
		}, []string{"result"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),

		AgentRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Agent runs by result.",
		}, []string{"status"}),

		AgentIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "iterations",
			Help:      "Model round trips per agent run.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ToolInvocationsTotal,
		m.ToolInvocationDuration,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.SandboxOutputBytes,
		m.AuditWritesTotal,
		m.RateLimitedTotal,
		m.AgentRunsTotal,
		m.AgentIterations,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordToolInvocation counts one finished tool invocation. Nil-safe.
func (m *MetricsCollector) RecordToolInvocation(tool, status, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolInvocationsTotal.WithLabelValues(tool, status, kind).Inc()
	m.ToolInvocationDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordAuditWrite counts an audit write attempt. Nil-safe.
func (m *MetricsCollector) RecordAuditWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AuditWritesTotal.WithLabelValues(result).Inc()
}

// RecordAgentRun counts a finished agent run. Nil-safe.
func (m *MetricsCollector) RecordAgentRun(iterations int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.AgentRunsTotal.WithLabelValues(status).Inc()
	m.AgentIterations.Observe(float64(iterations))
}

// RecordRateLimited counts a rejected request. Nil-safe.
func (m *MetricsCollector) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}
