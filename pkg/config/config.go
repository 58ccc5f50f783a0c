// Package config loads daemon configuration from file, environment,
// and flags via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon configuration
type Config struct {
	// SessionRoot is the directory holding one work-<key> directory
	// per session.
	SessionRoot string `mapstructure:"session_root"`
	// ListenAddr is the API listen address.
	ListenAddr string `mapstructure:"listen_addr"`

	// WorkerBinary is the worker executable launched per session.
	WorkerBinary string `mapstructure:"worker_binary"`
	// WorkerArgs precede the per-session arguments.
	WorkerArgs []string `mapstructure:"worker_args"`

	// RestartWindow, RestartCooldown, RestartMaxAttempts parameterize
	// the crash-recovery budget.
	RestartWindow      time.Duration `mapstructure:"restart_window"`
	RestartCooldown    time.Duration `mapstructure:"restart_cooldown"`
	RestartMaxAttempts int           `mapstructure:"restart_max_attempts"`

	// LockTimeout bounds per-key lock acquisition.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	// ShutdownHorizon is the global deadline for graceful shutdown of
	// all workers; whatever survives it gets force-killed.
	ShutdownHorizon time.Duration `mapstructure:"shutdown_horizon"`
	// ReconcileInterval paces the background reconciliation loop.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	// EventDB is the SQLite audit database path; empty keeps events in
	// memory only.
	EventDB string `mapstructure:"event_db"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// setDefaults registers default values on v
func setDefaults(v *viper.Viper) {
	v.SetDefault("session_root", "./sessions")
	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("worker_binary", "session-worker")
	v.SetDefault("worker_args", []string{})
	v.SetDefault("restart_window", 120*time.Second)
	v.SetDefault("restart_cooldown", 30*time.Second)
	v.SetDefault("restart_max_attempts", 3)
	v.SetDefault("lock_timeout", 90*time.Second)
	v.SetDefault("shutdown_horizon", 30*time.Second)
	v.SetDefault("reconcile_interval", 5*time.Minute)
	v.SetDefault("event_db", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration from cfgFile (or the default search path
// when empty), with SESSIOND_* environment overrides.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".sessiond"))
		}
		v.AddConfigPath("/etc/sessiond")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SESSIOND")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config is fine, defaults apply; a broken one is not,
		// wherever it was found.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
