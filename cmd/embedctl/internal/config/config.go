// Package config manages embedctl configuration
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config holds the embedctl configuration
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Manifests ManifestsConfig `mapstructure:"manifests"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Stop      StopConfig      `mapstructure:"stop"`
}

// LogConfig controls the slog handler
type LogConfig struct {
	Level  slog.Level `mapstructure:"level"`
	Format string     `mapstructure:"format"`
}

// ManifestsConfig locates launch manifests referenced by name
type ManifestsConfig struct {
	Dir string `mapstructure:"dir"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	// Address serves /metrics, /health and /ready. Empty disables it.
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
}

// HealthConfig holds the gRPC health service settings
type HealthConfig struct {
	// Address serves grpc.health.v1.Health. Empty disables it.
	Address string `mapstructure:"address"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"`
}

// StopConfig bounds shutdown
type StopConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load loads configuration from file, EMBEDCTL_* environment variables and
// defaults. An empty path searches $HOME/.prism and the working directory
// for embedctl.yaml; a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("embedctl")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.prism")
		v.AddConfigPath(".")
	}

	// Environment variable overrides: EMBEDCTL_METRICS_ADDRESS etc.
	v.SetEnvPrefix("EMBEDCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SetDefaults registers every default so environment overrides are seen by
// Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("manifests.dir", "./servers")
	v.SetDefault("metrics.address", "")
	v.SetDefault("metrics.namespace", "embed")
	v.SetDefault("health.address", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("stop.timeout", "30s")
}

// Validate checks values the decoder cannot
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Stop.Timeout <= 0 {
		return fmt.Errorf("stop.timeout must be positive, got %v", c.Stop.Timeout)
	}
	return nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		logLevelDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s" to time.Duration
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// logLevelDecodeHook converts "debug", "info", "warn" or "error" to a
// slog.Level
func logLevelDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(slog.Level(0)) {
			return data, nil
		}

		s, ok := data.(string)
		if !ok {
			return data, nil
		}

		var level slog.Level
		if err := level.UnmarshalText([]byte(s)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s, err)
		}
		return level, nil
	}
}
