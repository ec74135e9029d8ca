// Package config loads settings from .sentinel.yaml, a .env file, SENTINEL_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment variables, e.g. SENTINEL_SCAN_WORKERS
const EnvPrefix = "SENTINEL"

// Config holds all configuration options for sentinel
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Registry RegistryConfig `mapstructure:"registry"`
	Server   ServerConfig   `mapstructure:"server"`
	Review   ReviewConfig   `mapstructure:"review"`
}

// LogConfig controls the zap logger and optional rotated log file
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "console" or "json"
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max-size"` // megabytes
	MaxBackups int    `mapstructure:"max-backups"`
	MaxAge     int    `mapstructure:"max-age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// ScanConfig bounds the scanning work
type ScanConfig struct {
	Workers   int           `mapstructure:"workers"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RulesFile string        `mapstructure:"rules-file"`
}

// RegistryConfig selects the npm registry and how hard to hit it
type RegistryConfig struct {
	URL             string        `mapstructure:"url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimit       float64       `mapstructure:"rate-limit"` // requests per second
	MaxTarballBytes int64         `mapstructure:"max-tarball-bytes"`
}

// ServerConfig configures the HTTP/WebSocket server
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ReviewConfig configures the optional model review
type ReviewConfig struct {
	APIKey      string `mapstructure:"api-key"`
	BaseURL     string `mapstructure:"base-url"`
	Model       string `mapstructure:"model"`
	Concurrency int    `mapstructure:"concurrency"`
}

// Enabled reports whether a model review can run
func (r ReviewConfig) Enabled() bool {
	return r.APIKey != ""
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
		Scan: ScanConfig{
			Workers: 4,
			Timeout: 30 * time.Second,
		},
		Registry: RegistryConfig{
			URL:             "https://registry.npmjs.org",
			Timeout:         60 * time.Second,
			RateLimit:       10,
			MaxTarballBytes: 50 << 20,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Review: ReviewConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-5-mini",
			Concurrency: 2,
		},
	}
}

// Setup registers defaults, the config file search path and environment
// binding on v
func Setup(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max-size", d.Log.MaxSize)
	v.SetDefault("log.max-backups", d.Log.MaxBackups)
	v.SetDefault("log.max-age", d.Log.MaxAge)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("scan.workers", d.Scan.Workers)
	v.SetDefault("scan.timeout", d.Scan.Timeout)
	v.SetDefault("scan.rules-file", d.Scan.RulesFile)
	v.SetDefault("registry.url", d.Registry.URL)
	v.SetDefault("registry.timeout", d.Registry.Timeout)
	v.SetDefault("registry.rate-limit", d.Registry.RateLimit)
	v.SetDefault("registry.max-tarball-bytes", d.Registry.MaxTarballBytes)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("review.api-key", d.Review.APIKey)
	v.SetDefault("review.base-url", d.Review.BaseURL)
	v.SetDefault("review.model", d.Review.Model)
	v.SetDefault("review.concurrency", d.Review.Concurrency)

	v.SetConfigName(".sentinel")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load reads .env (if present), then the config file at path or the first
// .sentinel.yaml on the search path, and decodes the result. A missing
// default config file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	// .env only fills variables that are not already set
	_ = godotenv.Load()

	Setup(v)
	if path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return Get(v)
}

// Get returns a Config populated from v's current state
func Get(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the rest of the program cannot work with
func (c *Config) Validate() error {
	if c.Scan.Workers < 1 {
		return fmt.Errorf("scan.workers must be at least 1, got %d", c.Scan.Workers)
	}
	if c.Scan.Timeout < 0 {
		return fmt.Errorf("scan.timeout must not be negative, got %s", c.Scan.Timeout)
	}
	if c.Registry.URL == "" {
		return errors.New("registry.url must be set")
	}
	if c.Registry.MaxTarballBytes <= 0 {
		return fmt.Errorf("registry.max-tarball-bytes must be positive, got %d", c.Registry.MaxTarballBytes)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}
