// Package agent runs the model tool-use loop behind /api/agent.
package agent

import "context"

// Agent answers a user message, calling tools as the model requests.
type Agent interface {
	Process(ctx context.Context, input *Input) (*Response, error)
}

// Input is a user request entering the agent.
type Input struct {
	Message       string
	CorrelationID string
}

// DefaultMaxIterations bounds model round trips per request.
const DefaultMaxIterations = 8

// MaxIterationsMessage is returned when the model keeps requesting tools.
const MaxIterationsMessage = "Maximum tool use iterations reached. Please refine your request."

// DefaultSystemPrompt is used when none is configured.
const DefaultSystemPrompt = "You are a helpful assistant. You can inspect files in a sandbox folder " +
	"with the safe_shell tool, which runs one read-only command (pwd, ls, cat, head, tail, echo) " +
	"with relative paths. Pipes, redirects and chaining are rejected. Answer concisely."

// Response is the agent's final answer.
type Response struct {
	Message     string
	TokensUsed  int
	Iterations  int
	ToolResults []ToolCallResult
}

// ToolCallResult summarizes a single tool execution within the loop.
type ToolCallResult struct {
	ToolName string
	Success  bool
}
