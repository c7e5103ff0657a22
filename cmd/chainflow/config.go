package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/chainflow/internal/credentials"
)

// Config holds all chainflow configuration.
// Priority: CHAINFLOW_* env vars > chainflow.yaml|json > defaults.
type Config struct {
	ListenAddr        string                                `mapstructure:"listen_addr"`
	BaseURL           string                                `mapstructure:"base_url"`
	DBPath            string                                `mapstructure:"db_path"`
	LogLevel          string                                `mapstructure:"log_level"`
	PoolSize          int                                   `mapstructure:"pool_size"`
	MaxConcurrentRuns int                                   `mapstructure:"max_concurrent_runs"`
	PollInterval      time.Duration                         `mapstructure:"poll_interval"`
	TimerInterval     time.Duration                         `mapstructure:"timer_interval"`
	ShutdownTimeout   time.Duration                         `mapstructure:"shutdown_timeout"`
	WebhookTimeout    time.Duration                         `mapstructure:"webhook_timeout"`
	WebhookAttempts   int                                   `mapstructure:"webhook_attempts"`
	VaultKey          string                                `mapstructure:"vault_key"`
	MCPHTTP           bool                                  `mapstructure:"mcp_http"`
	OAuth             map[string]credentials.ProviderConfig `mapstructure:"oauth"`
}

func chainflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainflow"
	}
	return filepath.Join(home, ".chainflow")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("base_url", "")
	v.SetDefault("db_path", filepath.Join(chainflowDir(), "chainflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("pool_size", 8)
	v.SetDefault("max_concurrent_runs", 4)
	v.SetDefault("poll_interval", time.Minute)
	v.SetDefault("timer_interval", 5*time.Second)
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("webhook_timeout", 10*time.Second)
	v.SetDefault("webhook_attempts", 3)
	v.SetDefault("vault_key", "")
	v.SetDefault("mcp_http", true)
}

// loadConfig reads the configuration. An explicit path must exist; without
// one, chainflow.{yaml,json} is looked up in the working directory and in
// ~/.chainflow, and a missing file is fine.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("CHAINFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chainflow")
		v.AddConfigPath(".")
		v.AddConfigPath(chainflowDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	for name, p := range cfg.OAuth {
		if p.RedirectURL == "" {
			p.RedirectURL = fmt.Sprintf("%s/api/v1/credentials/%s/callback", cfg.BaseURL, name)
			cfg.OAuth[name] = p
		}
	}
	return cfg, nil
}

// dsn turns a db_path setting into a libSQL data source name.
func (c Config) dsn() string {
	if strings.Contains(c.DBPath, ":") && !filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
