// Package safeshell implements the safe_shell tool: validate untrusted command
// text, run it confined to the sandbox, and render the outcome as text.
// Every error is converted to text at this boundary.
package safeshell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/safeshell/internal/audit"
	"github.com/jkaninda/safeshell/internal/sandbox"
	"github.com/jkaninda/safeshell/internal/tools"
)

// Status is the terminal state of one invocation.
type Status string

const (
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusFailed    Status = "failed"
)

// KindInternal marks a recovered panic.
const KindInternal sandbox.Kind = "internal_error"

// NoOutput is rendered when a command succeeds without printing anything.
const NoOutput = "(no output)"

// Outcome is the result of Run before rendering.
type Outcome struct {
	Status  Status
	Message string // Human-readable reason for rejected/failed.
	Result  *sandbox.ExecutionResult
	Kind    sandbox.Kind
}

// Recorder receives per-invocation measurements.
// *observability.MetricsCollector satisfies it.
type Recorder interface {
	RecordToolInvocation(tool, status, kind string, d time.Duration)
	RecordAuditWrite(err error)
}

// Tool is the safe_shell tool. Safe for concurrent use.
type Tool struct {
	validator *sandbox.Validator
	executor  sandbox.Executor
	desc      Descriptor
	timeout   time.Duration
	audit     audit.Store
	metrics   Recorder
	logger    *slog.Logger
}

// Option configures a Tool.
type Option func(*Tool)

// WithTimeout overrides the executor's default timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) { t.timeout = d }
}

// WithAudit records every invocation in store.
func WithAudit(store audit.Store) Option {
	return func(t *Tool) {
		if store != nil {
			t.audit = store
		}
	}
}

// WithMetrics reports every invocation to r.
func WithMetrics(r Recorder) Option {
	return func(t *Tool) { t.metrics = r }
}

// New creates the tool around an already configured validator and executor.
func New(validator *sandbox.Validator, executor sandbox.Executor, logger *slog.Logger, opts ...Option) *Tool {
	t := &Tool{
		validator: validator,
		executor:  executor,
		desc:      Describe(validator.Verbs()),
		audit:     audit.NopStore{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Name() string                { return t.desc.Name }
func (t *Tool) Description() string         { return t.desc.Description }
func (t *Tool) InputSchema() map[string]any { return t.desc.JSONSchema() }

// Descriptor returns the declaration for this tool's configured allow-list.
func (t *Tool) Descriptor() Descriptor { return t.desc }

// Run takes one command through Validating, Executing and a terminal state.
// It never panics; a recovered panic yields StatusFailed with KindInternal.
func (t *Tool) Run(ctx context.Context, raw string) (out Outcome) {
	start := time.Now()
	rec := audit.Record{
		ID:     uuid.New(),
		Tool:   Definition.Name,
		Caller: tools.CallerFromContext(ctx),
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.ErrorContext(ctx, "safe_shell panic recovered",
				slog.String("invocation_id", rec.ID.String()),
				slog.Any("panic", r),
			)
			out = Outcome{Status: StatusFailed, Message: "internal error", Kind: KindInternal}
		}
		t.finish(ctx, rec, out, time.Since(start))
	}()

	argv, err := t.validator.Validate(raw)
	if err != nil {
		return rejected(err)
	}
	rec.Verb = argv[0]
	rec.ArgCount = len(argv) - 1

	// Paths may have been swapped for symlinks since Validate resolved them.
	if err := t.validator.Recheck(argv); err != nil {
		return rejected(err)
	}

	result, err := t.executor.Execute(ctx, sandbox.ExecutionRequest{Argv: argv, Timeout: t.timeout})
	if err != nil {
		kind := sandbox.KindOf(err)
		if kind == "" {
			kind = sandbox.KindSpawnFailure
		}
		return Outcome{Status: StatusFailed, Message: err.Error(), Kind: kind}
	}
	if result.TimedOut {
		return Outcome{Status: StatusTimedOut, Result: result}
	}
	return Outcome{Status: StatusCompleted, Result: result}
}

// Invoke runs raw and renders the outcome. It never fails: problems come back
// as "error: <message>".
func (t *Tool) Invoke(ctx context.Context, raw string) string {
	return t.Run(ctx, raw).Render()
}

// Execute implements tools.Tool. The command is read from params["cmd"].
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	raw, err := commandParam(params)
	if err != nil {
		return &tools.Result{Output: "error: " + err.Error()}, nil
	}

	out := t.Run(ctx, raw)
	meta := map[string]any{"status": string(out.Status)}
	if out.Kind != "" {
		meta["kind"] = string(out.Kind)
	}
	if out.Result != nil {
		meta["exit_code"] = out.Result.ExitStatus()
		meta["truncated"] = out.Result.Truncated
		meta["duration"] = out.Result.Duration.String()
	}
	return &tools.Result{
		Output:   out.Render(),
		Success:  out.Status == StatusCompleted && out.Result.ExitStatus() == 0,
		Metadata: meta,
	}, nil
}

// Render converts the outcome to the single string returned to callers.
func (o Outcome) Render() string {
	switch o.Status {
	case StatusRejected, StatusFailed:
		return "error: " + o.Message
	case StatusTimedOut:
		note := "[timed out]"
		if o.Result != nil && o.Result.Duration > 0 {
			note = fmt.Sprintf("[timed out after %s]", o.Result.Duration.Round(100*time.Millisecond))
		}
		if text := trimmedOutput(o.Result); text != "" {
			return text + "\n" + note
		}
		return note
	default:
		if text := trimmedOutput(o.Result); text != "" {
			return text
		}
		return NoOutput
	}
}

func (t *Tool) finish(ctx context.Context, rec audit.Record, out Outcome, d time.Duration) {
	rec.Status = string(out.Status)
	rec.Kind = string(out.Kind)
	rec.Duration = d
	rec.CreatedAt = time.Now().UTC()
	if r := out.Result; r != nil {
		rec.ExitCode = r.ExitCode
		rec.TimedOut = r.TimedOut
		rec.Truncated = r.Truncated
		rec.OutputBytes = len(r.Output)
	}

	// Audit writes are best-effort and must outlive a cancelled request.
	err := t.audit.Append(context.WithoutCancel(ctx), rec)
	if err != nil {
		t.logger.WarnContext(ctx, "audit write failed",
			slog.String("invocation_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if t.metrics != nil {
		t.metrics.RecordToolInvocation(rec.Tool, rec.Status, rec.Kind, d)
		t.metrics.RecordAuditWrite(err)
	}

	attrs := []any{
		slog.String("invocation_id", rec.ID.String()),
		slog.String("caller", rec.Caller),
		slog.String("verb", rec.Verb),
		slog.String("status", rec.Status),
		slog.Duration("duration", d),
	}
	if rec.Kind != "" {
		attrs = append(attrs, slog.String("kind", rec.Kind))
	}
	if out.Status == StatusRejected {
		t.logger.InfoContext(ctx, "safe_shell rejected", attrs...)
		return
	}
	if rec.ExitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *rec.ExitCode))
	}
	t.logger.InfoContext(ctx, "safe_shell finished", attrs...)
}

func rejected(err error) Outcome {
	kind := sandbox.KindOf(err)
	msg := err.Error()
	var se *sandbox.Error
	if !errors.As(err, &se) {
		kind = KindInternal
	}
	return Outcome{Status: StatusRejected, Message: msg, Kind: kind}
}

func trimmedOutput(r *sandbox.ExecutionResult) string {
	if r == nil {
		return ""
	}
	return strings.TrimRight(string(r.Output), " \t\r\n")
}

// commandParam extracts the required "cmd" parameter.
func commandParam(params map[string]any) (string, error) {
	v, ok := params["cmd"]
	if !ok {
		return "", fmt.Errorf("missing required parameter: cmd")
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter cmd must be a string, got %T", v)
	}
	return s, nil
}

var _ tools.Tool = (*Tool)(nil)
