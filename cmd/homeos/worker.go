package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"github.com/rendis/homeos/internal/temporal"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run workflows and activities on a Temporal cluster",
	Long: `Poll a Temporal task queue with the homeos workflow bodies and activities.
Starts, signals and approval decisions go through Temporal. With --http-addr
the same process also serves the HTTP control plane.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

var workerHTTPAddr string

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerHTTPAddr, "http-addr", "", "also serve the control plane on this address")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flush, err := startTelemetry()
	if err != nil {
		return err
	}
	defer flush(context.Background())

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHostPort,
		Namespace: cfg.TemporalNamespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return fmt.Errorf("unable to create Temporal client: %w", err)
	}
	defer c.Close()

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
	a.UseControl(temporal.NewClient(c, cfg.TemporalTaskQueue, logger))

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
	temporal.Register(w, a.Workflows, a.Proxy, a.Activities.Names(), temporal.Options{Logger: logger})

	sched, err := a.Scheduler(cfg.MaintenanceSpec)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()
	watchPolicy(ctx, a)

	if workerHTTPAddr != "" {
		go func() {
			if err := a.HTTP(cfg.CORSOrigins).ListenAndServe(ctx, workerHTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("control plane stopped", slog.String("error", err.Error()))
				stop()
			}
		}()
	}

	if err := w.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	logger.Info("worker started", slog.String("task_queue", cfg.TemporalTaskQueue), slog.String("host", cfg.TemporalHostPort))
	<-ctx.Done()
	w.Stop()
	logger.Info("worker stopped")
	return nil
}
