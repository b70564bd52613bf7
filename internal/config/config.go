// Package config loads goob configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (GOOB_*, e.g. GOOB_STORE_PATH)
//  2. Configuration file (YAML)
//  3. Default values
//
// Durations accept Go duration strings ("5s", "1m") or a number of seconds.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/maloquacious/goobstore/internal/logger"
	"github.com/maloquacious/goobstore/internal/store"
)

// Config represents the goob configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"oneof=text json" yaml:"format"`
}

// StoreConfig holds the store attached by the host and its attach options.
type StoreConfig struct {
	// Path of the store file or of a directory holding goob.db.
	// Empty means an in-memory store.
	Path string `mapstructure:"path" yaml:"path"`

	// Configuration is the optional configuration name of the store.
	Configuration string `mapstructure:"configuration" yaml:"configuration"`

	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`
	AutoMigrate  bool          `mapstructure:"auto_migrate" yaml:"auto_migrate"`
	InferMapping bool          `mapstructure:"infer_mapping" yaml:"infer_mapping"`
	JournalMode  string        `mapstructure:"journal_mode" validate:"oneof=WAL DELETE TRUNCATE PERSIST MEMORY OFF" yaml:"journal_mode"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ServerConfig holds the serve command settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lt=65536" yaml:"port"`
	AdminPort       int           `mapstructure:"admin_port" validate:"gt=0,lt=65536" yaml:"admin_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// Logger returns the logger configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}

// Options returns the attach options described by the store section.
func (s StoreConfig) Options() store.Options {
	return store.MergeOptions(store.Options{
		store.OptionTimeout:      s.Timeout,
		store.OptionAutoMigrate:  s.AutoMigrate,
		store.OptionInferMapping: s.InferMapping,
		store.OptionJournalMode:  s.JournalMode,
	})
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("store.path", store.GetDBPath(store.GetStorePath()))
	v.SetDefault("store.configuration", "")
	v.SetDefault("store.timeout", store.DefaultTimeout)
	v.SetDefault("store.auto_migrate", true)
	v.SetDefault("store.infer_mapping", true)
	v.SetDefault("store.journal_mode", store.DefaultJournalMode)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_port", 8383)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
}

// Default returns the default configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

// Load loads configuration from configPath (optional), the environment and
// defaults, then validates it. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GOOB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration constraints.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg as YAML to path, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook converts strings and numbers of seconds to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			// Environment variables always arrive as strings.
			if secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}
