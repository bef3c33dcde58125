package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jkaninda/safeshell/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the safe_shell tool over MCP on stdio",
	RunE:  runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := initShared(context.Background(), cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return mcpserver.New(sc.Tool, version, logger).ServeStdio()
}
