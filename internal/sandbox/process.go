package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// DefaultMaxOutputBytes caps combined output returned to the caller.
	DefaultMaxOutputBytes = 8000

	// TruncationMarker is appended when output hits the cap.
	TruncationMarker = "\n... [truncated]"

	defaultTimeout    = 3 * time.Second
	defaultCPUSeconds = 10
	defaultMemoryMB   = 256
	waitDelay         = time.Second
)

// ProcessConfig configures the process executor.
type ProcessConfig struct {
	Root           string // Working directory for every process. Must be the canonical sandbox root.
	DefaultTimeout time.Duration
	MaxOutputBytes int
	DefaultLimits  ResourceLimits
}

// ProcessExecutor spawns each argument vector as a single OS process.
//
//   - No shell: argv[0] is executed directly with argv[1:] as arguments
//   - Working directory is always the sandbox root
//   - Own process group, killed as a whole on timeout
//   - Minimal environment, nothing inherited from the host process
//   - CPU and address-space limits on Linux
//   - Combined output capped in memory
type ProcessExecutor struct {
	root           string
	defaultTimeout time.Duration
	maxOutput      int
	limits         ResourceLimits
	logger         *slog.Logger
}

// NewProcessExecutor creates a process executor rooted at cfg.Root.
func NewProcessExecutor(cfg ProcessConfig, logger *slog.Logger) *ProcessExecutor {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	limits := cfg.DefaultLimits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}
	return &ProcessExecutor{
		root:           cfg.Root,
		defaultTimeout: timeout,
		maxOutput:      maxOutput,
		limits:         limits,
		logger:         logger,
	}
}

// Execute runs req.Argv and waits for it to exit or time out.
// A non-zero exit status and a timeout are both reported in the result;
// only a failure to start the process is returned as an error.
func (e *ProcessExecutor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Argv) == 0 {
		return nil, newError(KindEmptyCommand, "Empty command", nil)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	// Once started, an invocation runs to exit or timeout regardless of the caller.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = e.root
	cmd.Env = e.buildEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Set only when the deadline actually fires the kill, so a process that
	// exits on its own just before the deadline is not reported as timed out.
	var killed atomic.Bool
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		killed.Store(true)
		// Negative PID = the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	out := &cappedBuffer{limit: e.maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	e.logger.DebugContext(ctx, "executing",
		slog.String("verb", req.Argv[0]),
		slog.Int("args", len(req.Argv)-1),
		slog.String("dir", e.root),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, newError(KindSpawnFailure, fmt.Sprintf("failed to start %s: %v", req.Argv[0], err), err)
	}
	pid := cmd.Process.Pid
	if err := applyLimits(pid, e.limits); err != nil {
		e.logger.WarnContext(ctx, "failed to apply resource limits",
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	var exitCode *int
	if st := cmd.ProcessState; st != nil && st.ExitCode() >= 0 {
		code := st.ExitCode()
		exitCode = &code
	}
	// The kill can race a normal exit; an exit status means the process won.
	timedOut := killed.Load() && exitCode == nil

	var exitErr *exec.ExitError
	if waitErr != nil && !timedOut && !errors.As(waitErr, &exitErr) {
		e.logger.WarnContext(ctx, "wait returned error",
			slog.String("verb", req.Argv[0]),
			slog.String("error", waitErr.Error()),
		)
	}
	if timedOut {
		e.logger.WarnContext(ctx, "execution timed out",
			slog.String("verb", req.Argv[0]),
			slog.Duration("timeout", timeout),
		)
	}

	output, truncated := out.result()
	result := &ExecutionResult{
		Output:    output,
		Truncated: truncated,
		ExitCode:  exitCode,
		TimedOut:  timedOut,
		PID:       pid,
		Duration:  duration,
	}

	e.logger.DebugContext(ctx, "execution completed",
		slog.String("verb", req.Argv[0]),
		slog.Int("exit_code", result.ExitStatus()),
		slog.Bool("timed_out", timedOut),
		slog.Bool("truncated", truncated),
		slog.Int("output_bytes", len(output)),
		slog.Duration("duration", duration),
	)

	return result, nil
}

// Root returns the working directory used for every process.
func (e *ProcessExecutor) Root() string { return e.root }

// buildEnv constructs a minimal environment. The parent environment is never
// inherited so credentials cannot leak into sandboxed commands.
func (e *ProcessExecutor) buildEnv() []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + e.root,
		"LANG=C.UTF-8",
		"TERM=dumb",
	}
}

// cappedBuffer is shared by stdout and stderr so writes keep their order.
// Bytes past the limit are discarded but reported as written, so the child
// never sees a broken pipe.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) result() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.buf.Len()+len(TruncationMarker))
	out = append(out, b.buf.Bytes()...)
	if b.truncated {
		out = append(out, TruncationMarker...)
	}
	return out, b.truncated
}
