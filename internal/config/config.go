// Package config loads ambient settings (schema prefix, batch sizing,
// scheduler concurrency, logging, state-store location): a single viper
// instance, a project-local config file found by walking up from the
// working directory, and environment variables that override it.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the resolved ambient configuration for a single run.
type Settings struct {
	SchemaPrefix      string
	DefaultBatchSize  int
	ConcurrentTasks   int
	LogLevel          string
	StateDSN          string
	LockTimeout       time.Duration
	CategorizationMode string
}

// Load resolves settings from (in increasing precedence): built-in
// defaults, one config file, and SQLMESH_-prefixed environment variables.
// The config file is the project's .sqlmesh/config.yaml found by walking up
// from the working directory; only when there is none is the user config
// file (sqlmesh-core/config.yaml under os.UserConfigDir) read instead.
func Load() (Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path, ok := findProjectConfig(); ok {
		v.SetConfigFile(path)
	} else if path, ok := findUserConfig(); ok {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("SQLMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("schema-prefix", "sqlmesh")
	v.SetDefault("default-batch-size", 0)
	v.SetDefault("concurrent-tasks", 4)
	v.SetDefault("log-level", "info")
	v.SetDefault("state-dsn", ".sqlmesh/state.db")
	v.SetDefault("lock-timeout", "30s")
	v.SetDefault("categorization-mode", "SEMI")

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, err
		}
	}

	lockTimeout, err := time.ParseDuration(v.GetString("lock-timeout"))
	if err != nil {
		return Settings{}, err
	}

	return Settings{
		SchemaPrefix:       v.GetString("schema-prefix"),
		DefaultBatchSize:   v.GetInt("default-batch-size"),
		ConcurrentTasks:    v.GetInt("concurrent-tasks"),
		LogLevel:           v.GetString("log-level"),
		StateDSN:           v.GetString("state-dsn"),
		LockTimeout:        lockTimeout,
		CategorizationMode: v.GetString("categorization-mode"),
	}, nil
}

// findProjectConfig walks up from the working directory looking for
// .sqlmesh/config.yaml, so subcommands work the same from any subdirectory
// of a project.
func findProjectConfig() (string, bool) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		path := filepath.Join(dir, ".sqlmesh", "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func findUserConfig() (string, bool) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", false
	}
	path := filepath.Join(configDir, "sqlmesh-core", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return "", false
}
