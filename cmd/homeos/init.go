package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/homeos/internal/policy"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write settings.json with fresh keys and the default policy",
	Long: `Create ~/.homeos/settings.json (or $HOMEOS_HOME) with a random vault key
and service token, and write the built-in policy to policy.yaml for editing.
Existing keys are kept: replacing the vault key makes stored secrets
unreadable. A running server is signalled to reload.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var (
	initListenAddr string
	initLogLevel   string
	initCORS       []string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initListenAddr, "listen-addr", "", "TCP listen address")
	initCmd.Flags().StringVar(&initLogLevel, "log-level-default", "", "log level stored in settings")
	initCmd.Flags().StringSliceVar(&initCORS, "cors-origin", nil, "allowed CORS origin (repeatable)")
}

func runInit(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	dir := homeosDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	// Start from what is on disk, not from the environment.
	c := defaultConfig()
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("read %s: %w", settingsPath(), err)
		}
	}

	if c.VaultKey == "" {
		key, err := randomBytes(32)
		if err != nil {
			return err
		}
		c.VaultKey = base64.StdEncoding.EncodeToString(key)
		fmt.Fprintln(out, "Generated vault key")
	}
	if c.ServiceToken == "" {
		tok, err := randomBytes(32)
		if err != nil {
			return err
		}
		c.ServiceToken = hex.EncodeToString(tok)
		fmt.Fprintln(out, "Generated service token")
	}
	if initListenAddr != "" {
		c.ListenAddr = initListenAddr
	}
	if initLogLevel != "" {
		c.LogLevel = initLogLevel
	}
	if len(initCORS) > 0 {
		c.CORSOrigins = initCORS
	}

	if c.PolicyPath == "" {
		path := filepath.Join(dir, "policy.yaml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			data, err := yaml.Marshal(policy.DefaultFile())
			if err != nil {
				return err
			}
			if err := renameio.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Fprintf(out, "Policy written to %s\n", path)
		}
		c.PolicyPath = path
	}

	if err := saveConfig(c); err != nil {
		return fmt.Errorf("write %s: %w", settingsPath(), err)
	}
	fmt.Fprintf(out, "Config written to %s\n", settingsPath())

	if signalRunningServer() {
		fmt.Fprintln(out, "Signaled running server to reload configuration")
	}
	return nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate random bytes: %w", err)
	}
	return b, nil
}
