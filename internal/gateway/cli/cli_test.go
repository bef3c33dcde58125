package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/safeshell/internal/agent"
	"github.com/jkaninda/safeshell/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeInvoker struct {
	cmds    []string
	callers []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, raw string) string {
	f.cmds = append(f.cmds, raw)
	f.callers = append(f.callers, tools.CallerFromContext(ctx))
	return "out:" + raw
}

type fakeAgent struct {
	messages []string
	err      error
}

func (f *fakeAgent) Process(_ context.Context, in *agent.Input) (*agent.Response, error) {
	f.messages = append(f.messages, in.Message)
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Response{Message: "answer to " + in.Message}, nil
}

func TestREPL_ToolMode(t *testing.T) {
	inv := &fakeInvoker{}
	var out bytes.Buffer
	g := NewGateway(inv, nil, strings.NewReader("ls\n\n  cat a.txt  \nexit\npwd\n"), &out, io.Discard, discardLogger())

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if strings.Join(inv.cmds, "|") != "ls|cat a.txt" {
		t.Errorf("cmds = %q", inv.cmds)
	}
	if inv.callers[0] != "cli" {
		t.Errorf("caller = %q", inv.callers[0])
	}
	for _, want := range []string{"out:ls\n", "out:cat a.txt\n", "Goodbye."} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestREPL_AgentMode(t *testing.T) {
	a := &fakeAgent{}
	var out bytes.Buffer
	g := NewGateway(&fakeInvoker{}, a, strings.NewReader("what is here?\n"), &out, io.Discard, discardLogger())

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(a.messages) != 1 || a.messages[0] != "what is here?" {
		t.Errorf("messages = %q", a.messages)
	}
	if !strings.Contains(out.String(), "answer to what is here?") {
		t.Errorf("output = %q", out.String())
	}
}

func TestREPL_AgentErrorGoesToStderr(t *testing.T) {
	var out, errOut bytes.Buffer
	g := NewGateway(&fakeInvoker{}, &fakeAgent{err: errors.New("model down")}, strings.NewReader("hi\n"), &out, &errOut, discardLogger())

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.Contains(errOut.String(), "Error: model down") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestREPL_Stop(t *testing.T) {
	inv := &fakeInvoker{}
	g := NewGateway(inv, nil, strings.NewReader("ls\n"), io.Discard, io.Discard, discardLogger())
	_ = g.Stop(context.Background())
	_ = g.Stop(context.Background())

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(inv.cmds) != 0 {
		t.Errorf("ran %q after Stop", inv.cmds)
	}
}
