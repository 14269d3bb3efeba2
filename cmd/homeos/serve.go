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

	"github.com/rendis/homeos/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow runtime and the HTTP control plane",
	Long: `Run workflows on the local durable runtime and serve the control plane:
internal endpoints for workers, approval decisions, workflow control, task
queries and the live event stream.

Instances left running by a previous process are resumed on start. SIGHUP
reloads settings.json: the log level and CORS origins apply immediately,
other fields need a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}

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

	router := newRouterSwap(cfg.CORSOrigins, func(origins []string) http.Handler {
		return a.HTTP(origins).Handler()
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	writePID()
	defer removePID()
	logger.Info("homeos serving", slog.String("addr", cfg.ListenAddr), slog.String("version", version))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-hup:
			reload(router)
		case <-ctx.Done():
			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		}
	}
}

// reload applies the settings that can change without a restart.
func reload(router *routerSwap) {
	next := loadConfig()
	d := diffConfigs(cfg, next)
	if d.LogLevelChanged {
		logLevel.Set(logging.ParseLevel(next.LogLevel))
		cfg.LogLevel = next.LogLevel
		logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	if d.CORSChanged && router.Rebuild(next.CORSOrigins) {
		cfg.CORSOrigins = router.Origins()
		logger.Info("cors origins changed", slog.Any("origins", cfg.CORSOrigins))
	}
	if len(d.RestartNeeded) > 0 {
		logger.Warn("settings changed that need a restart", slog.Any("fields", d.RestartNeeded))
	}
}
