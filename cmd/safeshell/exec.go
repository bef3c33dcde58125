package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/safeshell/internal/tools"
)

var execPersist bool

var execCmd = &cobra.Command{
	Use:   `exec "<command>"`,
	Short: "Run one command through the sandbox and print the result",
	Long: `Runs a single command exactly as the agent tool would and prints the
rendered result. Arguments are joined with spaces, so quoting the whole
command is only needed for quotes and metacharacters.`,
	Example: `  safeshell exec "ls -la docs"
  safeshell exec cat notes.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().BoolVar(&execPersist, "audit", false, "write the invocation to the configured audit store")
}

func runExec(_ *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	sc, err := initShared(ctx, cfg, logger, execPersist)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	out := sc.Tool.Run(tools.ContextWithCaller(ctx, "cli"), strings.Join(args, " "))
	fmt.Fprintln(os.Stdout, out.Render())
	return nil
}
