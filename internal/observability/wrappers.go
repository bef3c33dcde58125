package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/safeshell/internal/llm"
	"github.com/jkaninda/safeshell/internal/sandbox"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider. Any of the components may be nil.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{inner: inner, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.Int("llm.messages", len(req.Messages)),
				attribute.Int("llm.tools", len(req.Tools)),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetAttributes(
			attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
			attribute.String("llm.finish_reason", resp.FinishReason),
		)
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)
		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}
	p.anomaly.Record("llm_request", err)

	return resp, err
}

// --- InstrumentedGenerator ---

// Generator is the single-prompt completion used by the chat proxy.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// InstrumentedGenerator wraps a Generator with metrics, tracing and anomaly detection.
type InstrumentedGenerator struct {
	inner   Generator
	name    string
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedGenerator wraps a generate client. name labels its metrics.
func NewInstrumentedGenerator(inner Generator, name string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedGenerator {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedGenerator{inner: inner, name: name, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (g *InstrumentedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var span trace.Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, "llm.generate",
			trace.WithAttributes(attribute.String("llm.provider", g.name)))
		defer span.End()
	}

	start := time.Now()
	text, err := g.inner.Generate(ctx, prompt)

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if g.metrics != nil {
		g.metrics.LLMRequestsTotal.WithLabelValues(g.name, status).Inc()
		g.metrics.LLMRequestDuration.WithLabelValues(g.name).Observe(time.Since(start).Seconds())
	}
	g.anomaly.Record("llm_generate", err)

	return text, err
}

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a sandbox.Executor with metrics, tracing and anomaly detection.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor. Any of the components may be nil.
func NewInstrumentedExecutor(inner sandbox.Executor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{inner: inner, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	var span trace.Span
	if e.tracer != nil {
		verb := ""
		if len(req.Argv) > 0 {
			verb = req.Argv[0]
		}
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(attribute.String("sandbox.verb", verb)))
		defer span.End()
	}

	start := time.Now()
	result, err := e.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := executionStatus(result, err)
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("sandbox.exit_code", result.ExitStatus()),
				attribute.Bool("sandbox.timed_out", result.TimedOut),
				attribute.Bool("sandbox.truncated", result.Truncated),
			)
		}
	}

	if e.metrics != nil {
		e.metrics.SandboxExecutionsTotal.WithLabelValues(status).Inc()
		e.metrics.SandboxExecutionDuration.Observe(duration)
		if result != nil {
			e.metrics.SandboxOutputBytes.Observe(float64(len(result.Output)))
		}
	}

	// A non-zero exit is a normal answer ("no such file"); only spawn
	// failures and timeouts count as errors.
	anomalyErr := err
	if anomalyErr == nil && status == "timed_out" {
		anomalyErr = errTimedOut
	}
	e.anomaly.Record("sandbox_execute", anomalyErr)

	return result, err
}

func executionStatus(result *sandbox.ExecutionResult, err error) string {
	switch {
	case err != nil:
		return "spawn_failure"
	case result.TimedOut:
		return "timed_out"
	case result.ExitStatus() != 0:
		return "nonzero_exit"
	default:
		return "success"
	}
}

var (
	_ llm.Provider     = (*InstrumentedProvider)(nil)
	_ Generator        = (*InstrumentedGenerator)(nil)
	_ sandbox.Executor = (*InstrumentedExecutor)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
