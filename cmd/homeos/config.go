package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// Config holds all homeos process configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string   `json:"listen_addr"`
	DBPath          string   `json:"db_path"`
	PolicyPath      string   `json:"policy_path,omitempty"`
	LogLevel        string   `json:"log_level"`
	LogFormat       string   `json:"log_format"`
	PoolSize        int      `json:"pool_size"`
	VaultKey        string   `json:"vault_key,omitempty"`
	ServiceToken    string   `json:"service_token,omitempty"`
	ControlPlaneURL string   `json:"control_plane_url,omitempty"`
	CORSOrigins     []string `json:"cors_origins,omitempty"`
	TokenTTL        int      `json:"token_ttl_seconds,omitempty"`
	MaintenanceSpec string   `json:"maintenance_spec"`
	Tracing         bool     `json:"tracing"`

	TemporalHostPort  string `json:"temporal_host_port"`
	TemporalNamespace string `json:"temporal_namespace"`
	TemporalTaskQueue string `json:"temporal_task_queue"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:4300",
		DBPath:            filepath.Join(homeosDir(), "homeos.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		PoolSize:          10,
		MaintenanceSpec:   "@every 30s",
		TemporalHostPort:  "localhost:7233",
		TemporalNamespace: "default",
		TemporalTaskQueue: "homeos",
	}
}

func homeosDir() string {
	if v := os.Getenv("HOMEOS_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".homeos"
	}
	return filepath.Join(home, ".homeos")
}

func settingsPath() string {
	return filepath.Join(homeosDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(homeosDir(), "homeos.pid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	envString("HOMEOS_LISTEN_ADDR", &cfg.ListenAddr)
	envString("HOMEOS_DB_PATH", &cfg.DBPath)
	envString("HOMEOS_POLICY_PATH", &cfg.PolicyPath)
	envString("HOMEOS_LOG_LEVEL", &cfg.LogLevel)
	envString("HOMEOS_LOG_FORMAT", &cfg.LogFormat)
	envString("HOMEOS_VAULT_KEY", &cfg.VaultKey)
	envString("HOMEOS_SERVICE_TOKEN", &cfg.ServiceToken)
	envString("HOMEOS_CONTROL_PLANE_URL", &cfg.ControlPlaneURL)
	envString("HOMEOS_MAINTENANCE_SPEC", &cfg.MaintenanceSpec)
	envString("HOMEOS_TEMPORAL_HOST_PORT", &cfg.TemporalHostPort)
	envString("HOMEOS_TEMPORAL_NAMESPACE", &cfg.TemporalNamespace)
	envString("HOMEOS_TEMPORAL_TASK_QUEUE", &cfg.TemporalTaskQueue)
	envInt("HOMEOS_POOL_SIZE", &cfg.PoolSize)
	envInt("HOMEOS_TOKEN_TTL_SECONDS", &cfg.TokenTTL)
	if v := os.Getenv("HOMEOS_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("HOMEOS_TRACING"); v != "" {
		cfg.Tracing = v == "true" || v == "1"
	}

	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// vaultKey decodes the base64 vault key.
func (c Config) vaultKey() ([]byte, error) {
	if c.VaultKey == "" {
		return nil, fmt.Errorf("no vault key configured: run `homeos init` or set HOMEOS_VAULT_KEY")
	}
	key, err := base64.StdEncoding.DecodeString(c.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	return key, nil
}

// saveConfig writes cfg to settings.json atomically. The file holds the vault
// key, so it is readable by the owner only.
func saveConfig(cfg Config) error {
	if err := os.MkdirAll(homeosDir(), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(settingsPath(), data, 0o600)
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	CORSChanged     bool
	RestartNeeded   []string // fields that require a process restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if !slices.Equal(old.CORSOrigins, new.CORSOrigins) {
		d.CORSChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.VaultKey != new.VaultKey {
		d.RestartNeeded = append(d.RestartNeeded, "vault_key")
	}
	if old.ServiceToken != new.ServiceToken {
		d.RestartNeeded = append(d.RestartNeeded, "service_token")
	}
	return d
}
