// Package config loads the application configuration from a config file,
// COLLAGENT_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. COLLAGENT_PORT.
const EnvPrefix = "COLLAGENT"

// Config is the process-wide configuration shared by the CLI and the server.
type Config struct {
	// Providers
	ProvidersFile  string `mapstructure:"providers_file"`  // Registry YAML; empty uses the embedded default
	SecretsDir     string `mapstructure:"secrets_dir"`     // Directory for secret: credential references
	ProbeEndpoints bool   `mapstructure:"probe_endpoints"` // Probe provider endpoints at start-up

	// Sessions
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	MaxInFlight       int           `mapstructure:"max_in_flight"` // Research slots per job
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	EventBuffer       int           `mapstructure:"event_buffer"`
	Retention         time.Duration `mapstructure:"retention"`

	// Job defaults
	MaxTurns        int `mapstructure:"max_turns"`
	MaxInstitutions int `mapstructure:"max_institutions"`
	Top             int `mapstructure:"top"`

	// Service
	DatabaseURL string `mapstructure:"database_url"`
	LogLevel    string `mapstructure:"log_level"`
	Port        int    `mapstructure:"port"`
	RateLimit   int    `mapstructure:"rate_limit"` // Job submissions per client per hour; 0 disables
}

// SetDefaults registers every key with its default so env overrides apply
// even when no config file is present.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("providers_file", "")
	v.SetDefault("secrets_dir", ".secrets")
	v.SetDefault("probe_endpoints", true)
	v.SetDefault("max_concurrent_jobs", 4)
	v.SetDefault("max_in_flight", 5)
	v.SetDefault("job_timeout", 15*time.Minute)
	v.SetDefault("call_timeout", 2*time.Minute)
	v.SetDefault("event_buffer", 1024)
	v.SetDefault("retention", 10*time.Minute)
	v.SetDefault("max_turns", 10)
	v.SetDefault("max_institutions", 5)
	v.SetDefault("top", 5)
	v.SetDefault("database_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 5000)
	v.SetDefault("rate_limit", 10)
}

// NewViper returns a viper instance with defaults and env binding. When path
// is empty it looks for collagent.yaml in the working directory and in
// ~/.config/collagent.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collagent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "collagent"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Read loads the config file into v. A missing file is only an error when
// one was named explicitly.
func Read(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) && v.ConfigFileUsed() == "" {
		return nil
	}
	return fmt.Errorf("failed to read config file: %w", err)
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every limit is usable.
func (c *Config) Validate() error {
	positive := []struct {
		key   string
		value int64
	}{
		{"max_concurrent_jobs", int64(c.MaxConcurrentJobs)},
		{"max_in_flight", int64(c.MaxInFlight)},
		{"job_timeout", int64(c.JobTimeout)},
		{"call_timeout", int64(c.CallTimeout)},
		{"event_buffer", int64(c.EventBuffer)},
		{"retention", int64(c.Retention)},
		{"max_turns", int64(c.MaxTurns)},
		{"max_institutions", int64(c.MaxInstitutions)},
		{"top", int64(c.Top)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("config error: '%s' must be positive", p.key)
		}
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be between 1 and 65535")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("config error: 'rate_limit' must be non-negative")
	}
	if c.ProvidersFile != "" {
		if _, err := os.Stat(c.ProvidersFile); os.IsNotExist(err) {
			return fmt.Errorf("config error: providers file not found: %s", c.ProvidersFile)
		}
	}
	return nil
}
