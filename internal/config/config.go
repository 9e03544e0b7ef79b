// Package config loads recall settings from defaults, an optional config
// file, RECALL_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. RECALL_DB_PATH.
const EnvPrefix = "RECALL"

// Keys understood in config files and the environment.
const (
	KeyDBPath         = "db_path"
	KeyLogLevel       = "log.level"
	KeyLogFile        = "log.file"
	KeyLogMaxSizeMB   = "log.max_size_mb"
	KeyLogMaxBackups  = "log.max_backups"
	KeySessionLimit   = "session.limit"
	KeySyncInterval   = "sync.interval"
	KeySyncDebounce   = "sync.debounce"
	KeySyncFolder     = "sync.folder"
	KeyCatalogFile    = "catalog.file"
	defaultConfigName = "config"
)

// Config is the resolved configuration.
type Config struct {
	DBPath  string
	Log     LogConfig
	Session SessionConfig
	Sync    SyncConfig
	// CatalogFile replaces the embedded problem catalog when set. It is only
	// read when the database is empty.
	CatalogFile string
}

// LogConfig controls where logs go.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// SessionConfig controls the daily review session.
type SessionConfig struct {
	Limit int
}

// SyncConfig controls background sync.
type SyncConfig struct {
	Interval time.Duration
	Debounce time.Duration
	// Folder seeds the sync_folder_path preference on first run.
	Folder string
}

// Dir returns the directory recall keeps its config and data in:
// $XDG_CONFIG_HOME/recall when XDG_CONFIG_HOME is set, ~/.recall otherwise.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "recall")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recall"
	}
	return filepath.Join(home, ".recall")
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyDBPath, filepath.Join(Dir(), "recall.db"))
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyLogMaxSizeMB, 10)
	v.SetDefault(KeyLogMaxBackups, 3)
	v.SetDefault(KeySessionLimit, 5)
	v.SetDefault(KeySyncInterval, time.Hour)
	v.SetDefault(KeySyncDebounce, 500*time.Millisecond)
	v.SetDefault(KeySyncFolder, "")
	v.SetDefault(KeyCatalogFile, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds command-line flags to their keys. Flags not present in
// the set are ignored.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, name := range map[string]string{
		KeyDBPath:       "db",
		KeyLogLevel:     "log-level",
		KeyLogFile:      "log-file",
		KeySessionLimit: "session-limit",
	} {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the config file and returns the resolved configuration. An
// explicit file must exist; without one, config.yaml in Dir() is read when
// present.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		DBPath: v.GetString(KeyDBPath),
		Log: LogConfig{
			Level:      v.GetString(KeyLogLevel),
			File:       v.GetString(KeyLogFile),
			MaxSizeMB:  v.GetInt(KeyLogMaxSizeMB),
			MaxBackups: v.GetInt(KeyLogMaxBackups),
		},
		Session: SessionConfig{Limit: v.GetInt(KeySessionLimit)},
		Sync: SyncConfig{
			Interval: v.GetDuration(KeySyncInterval),
			Debounce: v.GetDuration(KeySyncDebounce),
			Folder:   v.GetString(KeySyncFolder),
		},
		CatalogFile: v.GetString(KeyCatalogFile),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the rest of the program cannot work with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("%s must not be empty", KeyDBPath)
	}
	if c.Session.Limit <= 0 {
		return fmt.Errorf("%s must be positive, got %d", KeySessionLimit, c.Session.Limit)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeySyncInterval, c.Sync.Interval)
	}
	if c.Sync.Debounce <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeySyncDebounce, c.Sync.Debounce)
	}
	return nil
}
