package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rendis/homeos/internal/app"
	"github.com/rendis/homeos/internal/telemetry"
)

// openApp wires a process from the loaded configuration.
func openApp(ctx context.Context) (*app.App, error) {
	key, err := cfg.vaultKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return app.New(ctx, app.Config{
		DBPath:          cfg.DBPath,
		PolicyPath:      cfg.PolicyPath,
		VaultKey:        key,
		ServiceToken:    cfg.ServiceToken,
		ControlPlaneURL: cfg.ControlPlaneURL,
		TokenTTL:        cfg.TokenTTL,
		PoolSize:        cfg.PoolSize,
		Logger:          logger,
	})
}

// startTelemetry creates the metric instruments and, when tracing is on,
// exports spans as JSON lines to traces.jsonl. The returned func flushes.
func startTelemetry() (func(context.Context) error, error) {
	if err := telemetry.InitMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if !cfg.Tracing {
		return func(context.Context) error { return nil }, nil
	}
	f, err := os.OpenFile(filepath.Join(homeosDir(), "traces.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	shutdown, err := telemetry.Init("homeos", version, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		f.Close()
		return err
	}, nil
}

// watchPolicy hot-reloads the policy file until ctx ends.
func watchPolicy(ctx context.Context, a *app.App) {
	if cfg.PolicyPath == "" {
		return
	}
	if err := a.Policy.Watch(ctx); err != nil {
		logger.Warn("policy watch disabled", "path", cfg.PolicyPath, "error", err)
	}
}

func writePID() {
	_ = os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func removePID() {
	_ = os.Remove(pidPath())
}

// signalRunningServer sends SIGHUP to a running homeos server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return proc.Signal(syscall.SIGHUP) == nil
}
