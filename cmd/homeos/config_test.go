package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOMEOS_HOME", dir)

	c := loadConfig()
	assert.Equal(t, "127.0.0.1:4300", c.ListenAddr)
	assert.Equal(t, filepath.Join(dir, "homeos.db"), c.DBPath)
	assert.Equal(t, 10, c.PoolSize)
	assert.Equal(t, "@every 30s", c.MaintenanceSpec)
	assert.Equal(t, "homeos", c.TemporalTaskQueue)
}

func TestLoadConfig_SettingsThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOMEOS_HOME", dir)

	saved := defaultConfig()
	saved.ListenAddr = ":5000"
	saved.LogLevel = "debug"
	saved.PoolSize = 3
	require.NoError(t, saveConfig(saved))

	info, err := os.Stat(settingsPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	c := loadConfig()
	assert.Equal(t, ":5000", c.ListenAddr)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 3, c.PoolSize)

	t.Setenv("HOMEOS_LISTEN_ADDR", ":6000")
	t.Setenv("HOMEOS_POOL_SIZE", "7")
	t.Setenv("HOMEOS_CORS_ORIGINS", "http://a.local, ,http://b.local")
	t.Setenv("HOMEOS_TRACING", "1")

	c = loadConfig()
	assert.Equal(t, ":6000", c.ListenAddr)
	assert.Equal(t, 7, c.PoolSize)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, c.CORSOrigins)
	assert.True(t, c.Tracing)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestLoadConfig_BadIntIgnored(t *testing.T) {
	t.Setenv("HOMEOS_HOME", t.TempDir())
	t.Setenv("HOMEOS_POOL_SIZE", "many")

	assert.Equal(t, 10, loadConfig().PoolSize)
}

func TestConfigVaultKey(t *testing.T) {
	_, err := Config{}.vaultKey()
	assert.Error(t, err)

	_, err = Config{VaultKey: "not base64!"}.vaultKey()
	assert.Error(t, err)

	raw := make([]byte, 32)
	raw[0] = 9
	key, err := Config{VaultKey: base64.StdEncoding.EncodeToString(raw)}.vaultKey()
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	d := diffConfigs(old, old)
	assert.False(t, d.LogLevelChanged)
	assert.False(t, d.CORSChanged)
	assert.Empty(t, d.RestartNeeded)

	next := old
	next.LogLevel = "debug"
	next.CORSOrigins = []string{"http://x.local"}
	next.ListenAddr = ":9999"
	next.VaultKey = "rotated"

	d = diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.CORSChanged)
	assert.Equal(t, []string{"listen_addr", "vault_key"}, d.RestartNeeded)
}
