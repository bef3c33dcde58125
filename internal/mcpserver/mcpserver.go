// Package mcpserver exposes the safe_shell tool over the Model Context
// Protocol on stdio, for orchestration frameworks that speak MCP.
package mcpserver

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/safeshell/internal/tools"
	"github.com/jkaninda/safeshell/internal/tools/safeshell"
)

// Invoker runs one command and renders the result. *safeshell.Tool satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, raw string) string
	Descriptor() safeshell.Descriptor
}

// Server wraps an MCP server carrying the single safe_shell tool.
type Server struct {
	mcp    *server.MCPServer
	tool   Invoker
	logger *slog.Logger
}

// New builds the MCP server. version is reported to clients during initialize.
func New(tool Invoker, version string, logger *slog.Logger) *Server {
	s := &Server{
		mcp:    server.NewMCPServer("safeshell", version, server.WithToolCapabilities(false)),
		tool:   tool,
		logger: logger,
	}
	s.mcp.AddTool(ToolDefinition(tool.Descriptor()), s.handleSafeShell)
	return s
}

// ToolDefinition converts a descriptor into an MCP tool.
func ToolDefinition(d safeshell.Descriptor) mcp.Tool {
	return mcp.NewTool(d.Name,
		mcp.WithDescription(d.Description),
		mcp.WithString("cmd",
			mcp.Required(),
			mcp.Description(d.Inputs["cmd"].Description),
		),
	)
}

// ServeStdio blocks serving JSON-RPC on stdin/stdout until EOF or a signal.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio", slog.String("tool", safeshell.Name))
	return server.ServeStdio(s.mcp)
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// handleSafeShell answers tools/call. A rejected or failed command is still a
// successful call: the rendered "error: ..." text is the tool's answer, the
// same text an in-process agent would see.
func (s *Server) handleSafeShell(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cmd, err := req.RequireString("cmd")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ctx = tools.ContextWithCaller(ctx, "mcp")
	return mcp.NewToolResultText(s.tool.Invoke(ctx, cmd)), nil
}
