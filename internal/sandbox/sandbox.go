// Package sandbox confines command execution to a single directory tree.
// Commands are validated into an explicit argument vector and spawned directly,
// never through a shell.
package sandbox

import (
	"context"
	"time"
)

// Executor runs an already-validated argument vector.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Argv is the program and its arguments (e.g. ["ls", "-la"]).
	// It is passed to the OS as-is; nothing interprets it as shell grammar.
	Argv []string

	// Timeout overrides the executor default. Zero = use default.
	Timeout time.Duration
}

// ExecutionResult captures the outcome of one execution. It is built once
// and not modified afterwards.
type ExecutionResult struct {
	// Output is stdout and stderr in the order the process wrote them,
	// capped at the executor's byte limit plus the truncation marker.
	Output    []byte
	Truncated bool

	// ExitCode is nil when the process was killed by a signal (e.g. on timeout).
	ExitCode *int
	TimedOut bool

	PID      int
	Duration time.Duration
}

// ExitStatus returns the exit code, or -1 when there is none.
func (r *ExecutionResult) ExitStatus() int {
	if r == nil || r.ExitCode == nil {
		return -1
	}
	return *r.ExitCode
}

// ResourceLimits constrains the spawned process.
type ResourceLimits struct {
	MaxCPUSeconds int // RLIMIT_CPU.
	MaxMemoryMB   int // RLIMIT_AS in MB.
}
