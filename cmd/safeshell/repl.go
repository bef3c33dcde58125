package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/safeshell/internal/agent"
	"github.com/jkaninda/safeshell/internal/gateway/cli"
)

var replAgent bool

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive prompt: run sandbox commands, or chat with the agent",
	RunE:  runREPL,
}

func init() {
	replCmd.Flags().BoolVar(&replAgent, "agent", false, "send lines to the agent instead of running them")
	rootCmd.AddCommand(replCmd)
}

func runREPL(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	var a agent.Agent
	if replAgent {
		svc := agent.NewService(agent.NewBuilder(cfg, sc.Tools, sc.Obs, logger), logger)
		// Fail before the first prompt rather than on it.
		if a, err = svc.Get(); err != nil {
			return err
		}
	}
	return cli.NewGateway(sc.Tool, a, os.Stdin, os.Stdout, os.Stderr, logger).Start(ctx)
}
