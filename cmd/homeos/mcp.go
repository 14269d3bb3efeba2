package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/homeos/pkg/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the operator tools over MCP stdio",
	Long: `Run workflows on the local durable runtime and expose them to an MCP
client on stdin/stdout: start, status, signal, approve, deny and tasks.
Approval requests and outcomes are pushed to the session that last touched
the workspace.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flush, err := startTelemetry()
	if err != nil {
		return err
	}
	defer flush(context.Background())

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.Close(sctx); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	if _, err := a.Recover(ctx); err != nil {
		return fmt.Errorf("recover workflows: %w", err)
	}
	sched, err := a.Scheduler(cfg.MaintenanceSpec)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()
	watchPolicy(ctx, a)

	srv := a.MCP()
	notifier := mcp.NewNotifier(srv)
	go func() {
		if err := notifier.Run(ctx, a.Hub); err != nil {
			logger.Warn("mcp notifier stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("homeos mcp serving on stdio", slog.String("version", version))
	return srv.Serve(ctx)
}
