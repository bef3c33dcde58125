// safeshell runs read-only shell commands inside a sandbox folder on behalf
// of a language model, over HTTP, WebSocket, MCP or the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/safeshell/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "safeshell",
	Short: "Sandboxed command execution for language-model agents.",
	Long: `safeshell exposes a single tool, safe_shell, that runs one allow-listed
read-only command (pwd, ls, cat, head, tail, echo) inside a sandbox folder.
No shell is involved: pipes, redirects and chaining are rejected, and every
path must stay inside the sandbox.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file (YAML or JSON)")
	rootCmd.AddCommand(serveCmd, execCmd, mcpCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
