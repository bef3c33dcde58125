// Package tools defines the tool interface shared by the agent loop, the HTTP
// gateway and the MCP server, and a registry to look tools up by name.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/jkaninda/safeshell/internal/llm"
)

// Tool is a capability the model can call.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "safe_shell").
	Name() string
	Description() string

	// InputSchema returns a JSON Schema object describing the parameters.
	InputSchema() map[string]any

	// Execute runs the tool. Tools that must never fail the caller report
	// problems through Result and return a nil error.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

type contextKey int

const callerKey contextKey = iota

// ContextWithCaller tags ctx with the identity of whoever triggered the call
// (client address, API key label, "agent", "mcp"). It ends up in audit records.
func ContextWithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the caller set by ContextWithCaller, or "".
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey).(string); ok {
		return v
	}
	return ""
}

// Registry holds tools keyed by name. Register at startup only.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns the registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ToLLMDefinitions converts the registry into model tool definitions.
func ToLLMDefinitions(reg *Registry) []llm.ToolDefinition {
	all := reg.All()
	defs := make([]llm.ToolDefinition, len(all))
	for i, t := range all {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}
