// SPDX-License-Identifier: Apache-2.0

// Package config loads respmerge settings from a config file, the
// environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sam-fredrickson/respmerge"
	"github.com/sam-fredrickson/respmerge/internal/docfmt"
)

// EnvPrefix prefixes every environment variable the config reads, for
// example RESPMERGE_DEDUPE or RESPMERGE_AGGREGATE_MATCHPATH.
const EnvPrefix = "RESPMERGE"

// Config holds every setting of a merge run.
type Config struct {
	Dedupe          bool            `json:"dedupe" mapstructure:"dedupe"`
	DedupeKey       string          `json:"dedupeKey" mapstructure:"dedupeKey"`
	UniversalFilter string          `json:"universalFilter" mapstructure:"universalFilter"`
	RecordSelector  string          `json:"recordSelector" mapstructure:"recordSelector"`
	Format          string          `json:"format" mapstructure:"format"`
	Compact         bool            `json:"compact" mapstructure:"compact"`
	Aggregate       AggregateConfig `json:"aggregate" mapstructure:"aggregate"`
	History         HistoryConfig   `json:"history" mapstructure:"history"`
	Log             LogConfig       `json:"log" mapstructure:"log"`
}

// AggregateConfig configures value counting over merged records.
type AggregateConfig struct {
	MatchPath  string `json:"matchPath" mapstructure:"matchPath"`
	MatchValue string `json:"matchValue" mapstructure:"matchValue"`
	CountPath  string `json:"countPath" mapstructure:"countPath"`
}

// Enabled reports whether any aggregation path is configured.
func (a AggregateConfig) Enabled() bool {
	return a.MatchPath != "" || a.CountPath != ""
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	DBPath  string `json:"dbPath" mapstructure:"dbPath"`
}

// LogConfig configures diagnostics on stderr.
type LogConfig struct {
	Level string `json:"level" mapstructure:"level"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		DedupeKey: respmerge.DefaultDedupeKey,
		Log:       LogConfig{Level: "warn"},
	}
}

// flagKeys maps command line flag names to config keys.
var flagKeys = map[string]string{
	"dedupe":      "dedupe",
	"dedupe-key":  "dedupeKey",
	"filter":      "universalFilter",
	"selector":    "recordSelector",
	"format":      "format",
	"compact":     "compact",
	"match-path":  "aggregate.matchPath",
	"match-value": "aggregate.matchValue",
	"count-path":  "aggregate.countPath",
	"history":     "history.enabled",
	"history-db":  "history.dbPath",
	"log-level":   "log.level",
}

// Load reads the config file at path, or searches for respmerge.{yaml,json,toml}
// in the working directory and the user config directory when path is empty.
// Environment variables override the file and flags that were set on the
// command line override both. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	def := DefaultConfig()
	v.SetDefault("dedupe", def.Dedupe)
	v.SetDefault("dedupeKey", def.DedupeKey)
	v.SetDefault("universalFilter", "")
	v.SetDefault("recordSelector", "")
	v.SetDefault("format", "")
	v.SetDefault("compact", false)
	v.SetDefault("aggregate.matchPath", "")
	v.SetDefault("aggregate.matchValue", "")
	v.SetDefault("aggregate.countPath", "")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dbPath", "")
	v.SetDefault("log.level", def.Log.Level)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %q: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("respmerge")
		v.AddConfigPath(".")
		if dir := configDir(); dir != "" {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// configDir returns $XDG_CONFIG_HOME/respmerge or ~/.config/respmerge.
func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "respmerge")
}

// Validate checks the settings that can be wrong independently of any input.
func (c *Config) Validate() error {
	if _, err := docfmt.Parse(c.Format); err != nil {
		return &ConfigError{Field: "format", Message: err.Error()}
	}
	if c.Dedupe && strings.TrimSpace(c.DedupeKey) == "" {
		return &ConfigError{Field: "dedupeKey", Message: "must not be empty when dedupe is enabled"}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return &ConfigError{Field: "log.level", Message: err.Error()}
	}
	if c.Aggregate.Enabled() {
		if err := respmerge.ValidatePath(c.Aggregate.MatchPath); err != nil {
			return &ConfigError{Field: "aggregate.matchPath", Message: err.Error()}
		}
		if err := respmerge.ValidatePath(c.Aggregate.CountPath); err != nil {
			return &ConfigError{Field: "aggregate.countPath", Message: err.Error()}
		}
	}
	return nil
}

// Options converts the merge settings to library options.
func (c *Config) Options() respmerge.Options {
	return respmerge.Options{
		Dedupe:         c.Dedupe,
		DedupeKey:      c.DedupeKey,
		RecordSelector: c.RecordSelector,
	}
}

// LogLevel returns the configured slog level, or warn when it is not valid.
func (c *Config) LogLevel() slog.Level {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelWarn
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
