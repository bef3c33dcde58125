// Package cli implements an interactive REPL over the sandbox tool or the agent.
package cli

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jkaninda/safeshell/internal/agent"
	"github.com/jkaninda/safeshell/internal/gateway"
	"github.com/jkaninda/safeshell/internal/tools"
)

// Invoker runs one command and renders the result. *safeshell.Tool satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, raw string) string
}

// Gateway is the interactive command-line interface.
type Gateway struct {
	tool   Invoker
	agent  agent.Agent // nil = lines are commands for the tool.
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	logger *slog.Logger
	done   chan struct{} // closed by Stop to signal shutdown
}

// NewGateway creates a CLI gateway. With a nil agent every line is run as a
// sandbox command; otherwise lines are prompts for the agent.
func NewGateway(tool Invoker, a agent.Agent, in io.Reader, out, errOut io.Writer, logger *slog.Logger) *Gateway {
	return &Gateway{
		tool:   tool,
		agent:  a,
		in:     in,
		out:    out,
		errOut: errOut,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start runs the REPL. Blocks until ctx is cancelled, Stop is called, input
// ends, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(g.in)
	ctx = tools.ContextWithCaller(ctx, "cli")

	prompt := "safeshell$ "
	if g.agent != nil {
		prompt = "agent> "
		fmt.Fprintln(g.out, "Ask about the files in the sandbox (or \"exit\" to quit).")
	} else {
		fmt.Fprintln(g.out, "Allowed: pwd, ls, cat, head, tail, echo. Relative paths only (or \"exit\" to quit).")
	}

	for {
		fmt.Fprint(g.out, prompt)

		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		}

		if g.agent == nil {
			fmt.Fprintln(g.out, g.tool.Invoke(ctx, line))
			continue
		}
		g.ask(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	fmt.Fprintln(g.out)
	return nil
}

func (g *Gateway) ask(ctx context.Context, line string) {
	correlationID := newCorrelationID()
	g.logger.DebugContext(ctx, "cli request", slog.String("correlation_id", correlationID))

	resp, err := g.agent.Process(ctx, &agent.Input{Message: line, CorrelationID: correlationID})
	if err != nil {
		g.logger.ErrorContext(ctx, "agent processing failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		fmt.Fprintf(g.errOut, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(g.out)
	fmt.Fprintln(g.out, resp.Message)
	fmt.Fprintln(g.out)
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
	default:
		close(g.done)
	}
	return nil
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

var _ gateway.Gateway = (*Gateway)(nil)
