package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func newTestExecutor(t *testing.T, cfg ProcessConfig) (*ProcessExecutor, *Validator) {
	t.Helper()
	r := newTestRoot(t)
	cfg.Root = r.Root()
	return NewProcessExecutor(cfg, discardLogger()), NewValidator(r, nil)
}

func run(t *testing.T, e *ProcessExecutor, v *Validator, raw string) *ExecutionResult {
	t.Helper()
	argv, err := v.Validate(raw)
	if err != nil {
		t.Fatalf("Validate(%q): %v", raw, err)
	}
	res, err := e.Execute(context.Background(), ExecutionRequest{Argv: argv})
	if err != nil {
		t.Fatalf("Execute(%q): %v", raw, err)
	}
	return res
}

func TestProcessExecutor_Echo(t *testing.T) {
	requireBinary(t, "echo")
	e, v := newTestExecutor(t, ProcessConfig{})

	res := run(t, e, v, "echo a b c")
	if string(res.Output) != "a b c\n" {
		t.Errorf("output = %q, want %q", res.Output, "a b c\n")
	}
	if res.ExitStatus() != 0 || res.TimedOut || res.Truncated {
		t.Errorf("exit = %d, timed_out = %v, truncated = %v", res.ExitStatus(), res.TimedOut, res.Truncated)
	}
}

func TestProcessExecutor_NoShellInterpretation(t *testing.T) {
	requireBinary(t, "echo")
	e, v := newTestExecutor(t, ProcessConfig{})

	res := run(t, e, v, "echo $HOME *")
	if got := strings.TrimSpace(string(res.Output)); got != "$HOME *" {
		t.Errorf("output = %q, want literal arguments", got)
	}
}

func TestProcessExecutor_WorkingDirectoryIsRoot(t *testing.T) {
	requireBinary(t, "pwd")
	e, v := newTestExecutor(t, ProcessConfig{})

	res := run(t, e, v, "pwd")
	if got := strings.TrimSpace(string(res.Output)); got != e.Root() {
		t.Errorf("pwd = %q, want %q", got, e.Root())
	}
}

func TestProcessExecutor_CatInsideRoot(t *testing.T) {
	requireBinary(t, "cat")
	e, v := newTestExecutor(t, ProcessConfig{})

	res := run(t, e, v, "cat docs/readme.txt")
	if string(res.Output) != "hello\n" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestProcessExecutor_NonZeroExit(t *testing.T) {
	requireBinary(t, "ls")
	e, v := newTestExecutor(t, ProcessConfig{})

	res := run(t, e, v, "ls nonexistent_subdir")
	if res.ExitStatus() == 0 {
		t.Error("exit status = 0, want non-zero")
	}
	if !strings.Contains(string(res.Output), "nonexistent_subdir") {
		t.Errorf("stderr not captured: %q", res.Output)
	}
}

func TestProcessExecutor_Truncation(t *testing.T) {
	requireBinary(t, "cat")
	e, v := newTestExecutor(t, ProcessConfig{})
	big := bytes.Repeat([]byte("0123456789"), 2000)
	if err := os.WriteFile(filepath.Join(e.Root(), "big.txt"), big, 0o644); err != nil {
		t.Fatal(err)
	}

	res := run(t, e, v, "cat big.txt")
	if !res.Truncated {
		t.Fatal("Truncated = false")
	}
	if want := DefaultMaxOutputBytes + len(TruncationMarker); len(res.Output) != want {
		t.Errorf("len(output) = %d, want %d", len(res.Output), want)
	}
	if !bytes.HasSuffix(res.Output, []byte(TruncationMarker)) {
		t.Errorf("output does not end with marker")
	}
	if !bytes.Equal(res.Output[:DefaultMaxOutputBytes], big[:DefaultMaxOutputBytes]) {
		t.Error("kept prefix differs from file head")
	}
}

func TestProcessExecutor_Timeout(t *testing.T) {
	requireBinary(t, "tail")
	e, v := newTestExecutor(t, ProcessConfig{DefaultTimeout: 300 * time.Millisecond})

	start := time.Now()
	res := run(t, e, v, "tail -f docs/readme.txt")
	if !res.TimedOut {
		t.Fatalf("TimedOut = false, output %q", res.Output)
	}
	if res.ExitCode != nil {
		t.Errorf("ExitCode = %d, want nil", *res.ExitCode)
	}
	// Output written before the kill is kept.
	if !bytes.Contains(res.Output, []byte("hello")) {
		t.Errorf("partial output lost: %q", res.Output)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("execution took %s", elapsed)
	}
	// The process has been reaped; nothing is left running.
	if err := syscall.Kill(res.PID, 0); !errors.Is(err, syscall.ESRCH) {
		t.Errorf("kill(%d, 0) = %v, want ESRCH", res.PID, err)
	}
}

func TestProcessExecutor_ExitNearDeadline(t *testing.T) {
	requireBinary(t, "echo")
	e, _ := newTestExecutor(t, ProcessConfig{})

	// Commands that finish around the deadline are either timed out (killed,
	// no exit status) or completed (exit status, not timed out); never both.
	for _, timeout := range []time.Duration{time.Millisecond, 2 * time.Millisecond, 5 * time.Millisecond, 10 * time.Millisecond} {
		for i := 0; i < 5; i++ {
			res, err := e.Execute(context.Background(), ExecutionRequest{Argv: []string{"echo", "hi"}, Timeout: timeout})
			if err != nil {
				continue // deadline passed before start
			}
			if res.TimedOut && res.ExitCode != nil {
				t.Fatalf("timeout %s: TimedOut with exit code %d", timeout, *res.ExitCode)
			}
			if !res.TimedOut && res.ExitCode == nil {
				t.Fatalf("timeout %s: neither timed out nor exited", timeout)
			}
		}
	}
}

func TestProcessExecutor_CallerCancelDoesNotAbort(t *testing.T) {
	requireBinary(t, "echo")
	e, v := newTestExecutor(t, ProcessConfig{})
	argv, err := v.Validate("echo still-runs")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Execute(ctx, ExecutionRequest{Argv: argv})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(res.Output)) != "still-runs" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestProcessExecutor_SpawnFailure(t *testing.T) {
	e, _ := newTestExecutor(t, ProcessConfig{})

	res, err := e.Execute(context.Background(), ExecutionRequest{Argv: []string{"definitely-not-a-real-binary-42"}})
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if !errors.Is(err, ErrSpawnFailure) {
		t.Fatalf("error = %v, want ErrSpawnFailure", err)
	}
	if KindOf(err).IsValidation() {
		t.Error("spawn failure classified as validation")
	}
}

func TestProcessExecutor_EmptyArgv(t *testing.T) {
	e, _ := newTestExecutor(t, ProcessConfig{})
	if _, err := e.Execute(context.Background(), ExecutionRequest{}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("error = %v, want ErrEmptyCommand", err)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 5}
	for _, s := range []string{"ab", "cd", "efgh", "ij"} {
		n, err := b.Write([]byte(s))
		if err != nil || n != len(s) {
			t.Fatalf("Write(%q) = %d, %v", s, n, err)
		}
	}
	out, truncated := b.result()
	if !truncated {
		t.Error("truncated = false")
	}
	if string(out) != "abcde"+TruncationMarker {
		t.Errorf("out = %q", out)
	}

	exact := &cappedBuffer{limit: 4}
	exact.Write([]byte("abcd"))
	if out, truncated := exact.result(); truncated || string(out) != "abcd" {
		t.Errorf("exact fit: %q, %v", out, truncated)
	}
}
