package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:4200", cfg.BaseURL)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, 4, cfg.MaxConcurrentRuns)
	assert.Equal(t, 5*time.Second, cfg.TimerInterval)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 3, cfg.WebhookAttempts)
	assert.True(t, cfg.MCPHTTP)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.OAuth)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chainflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
pool_size: 3
timer_interval: 2s
vault_key: correct horse battery staple
oauth:
  github:
    client_id: abc
    client_secret: shh
    auth_url: https://github.com/login/oauth/authorize
    token_url: https://github.com/login/oauth/access_token
    scopes: [repo, read:user]
`), 0o600))
	t.Setenv("CHAINFLOW_POOL_SIZE", "12")
	t.Setenv("CHAINFLOW_LOG_LEVEL", "debug")

	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 12, cfg.PoolSize, "env wins over the file")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.TimerInterval)
	assert.Equal(t, "correct horse battery staple", cfg.VaultKey)

	gh, ok := cfg.OAuth["github"]
	require.True(t, ok)
	assert.Equal(t, "abc", gh.ClientID)
	assert.Equal(t, []string{"repo", "read:user"}, gh.Scopes)
	assert.Equal(t, "http://localhost:9000/api/v1/credentials/github/callback", gh.RedirectURL)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := loadConfig(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfigDSN(t *testing.T) {
	assert.Equal(t, "file:/var/lib/chainflow.db", Config{DBPath: "/var/lib/chainflow.db"}.dsn())
	assert.Equal(t, "file:/tmp/x.db", Config{DBPath: "file:/tmp/x.db"}.dsn())
	assert.Equal(t, "libsql://db.example.turso.io", Config{DBPath: "libsql://db.example.turso.io"}.dsn())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
