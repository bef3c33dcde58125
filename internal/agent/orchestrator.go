package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/safeshell/internal/llm"
	"github.com/jkaninda/safeshell/internal/observability"
	"github.com/jkaninda/safeshell/internal/tools"
)

// maxToolOutputBytes bounds a single tool result fed back to the model.
const maxToolOutputBytes = 16 * 1024

// Orchestrator is the default Agent. History is ephemeral: every Process
// call starts from the user message alone.
type Orchestrator struct {
	provider      llm.Provider
	systemPrompt  string
	logger        *slog.Logger
	toolRegistry  *tools.Registry              // nil = no tools available
	obs           *observability.Observability // nil = observability disabled
	maxIterations int                          // 0 = DefaultMaxIterations
	toolCacheTTL  time.Duration                // 0 = caching disabled
}

// NewOrchestrator creates an agent backed by the given LLM provider.
func NewOrchestrator(provider llm.Provider, systemPrompt string, logger *slog.Logger) *Orchestrator {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &Orchestrator{
		provider:     provider,
		systemPrompt: systemPrompt,
		logger:       logger,
	}
}

// WithTools attaches a tool registry to the orchestrator.
func (o *Orchestrator) WithTools(registry *tools.Registry) *Orchestrator {
	o.toolRegistry = registry
	return o
}

// WithObservability attaches metrics and tracing.
func (o *Orchestrator) WithObservability(obs *observability.Observability) *Orchestrator {
	o.obs = obs
	return o
}

// WithMaxIterations sets the maximum number of tool-use loop iterations.
func (o *Orchestrator) WithMaxIterations(n int) *Orchestrator {
	o.maxIterations = n
	return o
}

// WithToolCache reuses results of identical tool calls made within one
// Process call for up to ttl.
func (o *Orchestrator) WithToolCache(ttl time.Duration) *Orchestrator {
	o.toolCacheTTL = ttl
	return o
}

// Process sends the message to the model and runs requested tools until the
// model answers without tool calls or the iteration limit is hit.
func (o *Orchestrator) Process(ctx context.Context, input *Input) (resp *Response, err error) {
	if ts := o.obs.TracerOrNil(); ts != nil {
		var span trace.Span
		ctx, span = ts.Tracer().Start(ctx, "agent.process",
			trace.WithAttributes(attribute.String("correlation_id", input.CorrelationID)))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	iterations := 0
	defer func() { o.obs.MetricsOrNil().RecordAgentRun(iterations, err) }()

	history := []llm.Message{{Role: llm.RoleUser, Content: input.Message}}

	var toolDefs []llm.ToolDefinition
	if o.toolRegistry != nil {
		toolDefs = tools.ToLLMDefinitions(o.toolRegistry)
	}

	maxIter := o.maxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	var cache *ToolCache
	if o.toolCacheTTL > 0 {
		cache = NewToolCache(o.toolCacheTTL)
	}

	totalTokens := 0
	var allToolResults []ToolCallResult

	for iterations < maxIter {
		iterations++
		llmResp, err := o.provider.SendMessage(ctx, &llm.Request{
			SystemPrompt: o.systemPrompt,
			Messages:     history,
			Tools:        toolDefs,
		})
		if err != nil {
			return nil, fmt.Errorf("llm request failed: %w", err)
		}
		totalTokens += llmResp.Usage.InputTokens + llmResp.Usage.OutputTokens

		if !llmResp.HasToolCalls() {
			return &Response{
				Message:     llmResp.Content,
				TokensUsed:  totalTokens,
				Iterations:  iterations,
				ToolResults: allToolResults,
			}, nil
		}

		history = append(history, llmResp.AssistantMessage())

		o.logger.InfoContext(ctx, "executing tool calls",
			slog.Int("iteration", iterations),
			slog.Int("tool_calls", len(llmResp.ToolCalls)),
			slog.String("correlation_id", input.CorrelationID),
		)

		msgs, results := o.executeToolCalls(ctx, cache, llmResp.ToolCalls)
		history = append(history, msgs...)
		allToolResults = append(allToolResults, results...)
	}

	o.logger.WarnContext(ctx, "max tool-use iterations reached",
		slog.Int("max_iterations", maxIter),
		slog.String("correlation_id", input.CorrelationID),
	)
	return &Response{
		Message:     MaxIterationsMessage,
		TokensUsed:  totalTokens,
		Iterations:  iterations,
		ToolResults: allToolResults,
	}, nil
}

// executeToolCalls runs each call in order and builds one tool message per call.
// Failures are reported back to the model as text, never returned.
func (o *Orchestrator) executeToolCalls(ctx context.Context, cache *ToolCache, calls []llm.ToolCall) ([]llm.Message, []ToolCallResult) {
	msgs := make([]llm.Message, 0, len(calls))
	results := make([]ToolCallResult, 0, len(calls))
	ctx = tools.ContextWithCaller(ctx, "agent")

	for _, call := range calls {
		var output string
		hit, ok := false, true
		if cache != nil {
			output, hit = cache.Get(call.Name, call.Arguments)
		}
		if hit {
			o.logger.DebugContext(ctx, "tool cache hit", slog.String("tool", call.Name))
		} else {
			output, ok = o.executeTool(ctx, call)
			if ok && cache != nil {
				cache.Put(call.Name, call.Arguments, output)
			}
		}
		msgs = append(msgs, llm.ToolResultMessage(call, truncate(output, maxToolOutputBytes)))
		results = append(results, ToolCallResult{ToolName: call.Name, Success: ok})
	}
	return msgs, results
}

func (o *Orchestrator) executeTool(ctx context.Context, call llm.ToolCall) (string, bool) {
	var tool tools.Tool
	if o.toolRegistry != nil {
		tool = o.toolRegistry.Get(call.Name)
	}
	if tool == nil {
		o.logger.WarnContext(ctx, "model requested unknown tool", slog.String("tool", call.Name))
		return fmt.Sprintf("Error: unknown tool %q", call.Name), false
	}

	res, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return fmt.Sprintf("Error: %s", err.Error()), false
	}
	return res.Output, res.Success
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[output truncated]"
}

var _ Agent = (*Orchestrator)(nil)
