package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/safeshell/internal/tools"
	"github.com/jkaninda/safeshell/internal/tools/safeshell"
)

type fakeInvoker struct {
	cmds    []string
	callers []string
	verbs   []string
}

func (f *fakeInvoker) Descriptor() safeshell.Descriptor {
	if f.verbs == nil {
		return safeshell.Definition
	}
	return safeshell.Describe(f.verbs)
}

func (f *fakeInvoker) Invoke(ctx context.Context, raw string) string {
	f.cmds = append(f.cmds, raw)
	f.callers = append(f.callers, tools.CallerFromContext(ctx))
	return "ran " + raw
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = "safe_shell"
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content = %+v", res.Content)
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	return tc.Text
}

func TestHandleSafeShell(t *testing.T) {
	inv := &fakeInvoker{}
	s := New(inv, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := s.handleSafeShell(context.Background(), callRequest(map[string]any{"cmd": "ls docs"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError || resultText(t, res) != "ran ls docs" {
		t.Errorf("result = %+v", res)
	}
	if len(inv.callers) != 1 || inv.callers[0] != "mcp" {
		t.Errorf("callers = %q", inv.callers)
	}
}

func TestHandleSafeShell_MissingCmd(t *testing.T) {
	inv := &fakeInvoker{}
	s := New(inv, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, args := range []map[string]any{nil, {"cmd": 42}} {
		res, err := s.handleSafeShell(context.Background(), callRequest(args))
		if err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if !res.IsError {
			t.Errorf("args %v: expected an error result", args)
		}
	}
	if len(inv.cmds) != 0 {
		t.Errorf("invoker called with %q", inv.cmds)
	}
}

func TestToolDefinition(t *testing.T) {
	tool := ToolDefinition(safeshell.Definition)
	if tool.Name != "safe_shell" || tool.Description == "" {
		t.Errorf("tool = %+v", tool)
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "cmd" {
		t.Errorf("required = %v", tool.InputSchema.Required)
	}
	if _, ok := tool.InputSchema.Properties["cmd"]; !ok {
		t.Errorf("properties = %v", tool.InputSchema.Properties)
	}
}

func TestToolDefinition_ConfiguredVerbs(t *testing.T) {
	inv := &fakeInvoker{verbs: []string{"wc", "cat"}}
	tool := ToolDefinition(inv.Descriptor())
	if !strings.Contains(tool.Description, "Allowed: cat, wc.") {
		t.Errorf("description = %q", tool.Description)
	}
	if New(inv, "test", slog.New(slog.NewTextHandler(io.Discard, nil))).MCP() == nil {
		t.Fatal("MCP() = nil")
	}
}
