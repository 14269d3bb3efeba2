package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/homeos/internal/logging"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/homeos/
var version = "dev"

var (
	cfg       Config
	logLevel  = new(slog.LevelVar)
	logger    *slog.Logger
	flagLevel string
	flagFmt   string
)

var rootCmd = &cobra.Command{
	Use:   "homeos",
	Short: "Approval-gated household task orchestration",
	Long: `homeos runs durable household automations (reservation calls, marketplace
listings, hiring helpers, new integrations, chat turns) that pause for an
explicit human decision before any risky step.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		cfg = loadConfig()
		if flagLevel != "" {
			cfg.LogLevel = flagLevel
		}
		if flagFmt != "" {
			cfg.LogFormat = flagFmt
		}
		logLevel.Set(logging.ParseLevel(cfg.LogLevel))
		// stdout belongs to the MCP transport, so logs always go to stderr.
		logger = logging.NewLeveled(os.Stderr, logLevel, cfg.LogFormat)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagFmt, "log-format", "",
		"log format (text, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
