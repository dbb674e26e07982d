// Package config loads oplockd's configuration. It follows the
// teacher's viper/mapstructure/validator layering: environment
// variables (OPLOCKD_ prefix) override the config file, which overrides
// built-in defaults. The environment is consulted only when a config
// file is found, and no command-line flags are layered onto the result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/netshare/oplockd/pkg/oplock"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is oplockd's configuration. Recognised options are exactly
// those enumerated in spec.md §6, plus the ambient Logging/Telemetry/
// Metrics sections this tree always carries.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Oplock contains the oplock coordination core's own settings.
	Oplock OplockConfig `mapstructure:"oplock" yaml:"oplock"`

	// ShutdownTimeout bounds how long the start command waits for the
	// metrics HTTP server to shut down after a shutdown signal.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// OplockConfig carries the settings the break engine itself consumes.
// Its fields mirror oplock.Config field-for-field so cmd/oplockd can
// convert one into the other without a lossy translation layer.
type OplockConfig struct {
	// BreakWaitMs paces a locally-provoked break: at least this many
	// milliseconds must have elapsed since the last packet from the
	// client before the break is sent. Range: 0-1000.
	BreakWaitMs int `mapstructure:"break_wait_ms" validate:"gte=0,lte=1000" yaml:"break_wait_ms"`

	// KernelOplocksEnabled gates installing the kernel notification
	// source (fsnotify-backed) alongside the inter-process transport.
	KernelOplocksEnabled bool `mapstructure:"kernel_oplocks" yaml:"kernel_oplocks"`

	// Level2OplocksPerShare gates granting level-II oplocks on a
	// per-share basis.
	Level2OplocksPerShare bool `mapstructure:"level2_oplocks_per_share" yaml:"level2_oplocks_per_share"`

	// BreakTimeout bounds how long the break engine waits for a break
	// to be acknowledged before forcing it off.
	BreakTimeout time.Duration `mapstructure:"break_timeout" validate:"required,gt=0" yaml:"break_timeout"`

	// BreakTimeoutFudgeFactor is added to BreakTimeout when a sender
	// awaits a peer's reply, to tolerate the peer spending up to
	// BreakTimeout talking to its own client.
	BreakTimeoutFudgeFactor time.Duration `mapstructure:"break_timeout_fudge_factor" validate:"gte=0" yaml:"break_timeout_fudge_factor"`
}

// AsEngineConfig converts the loaded OplockConfig into the oplock
// package's own Config type.
func (o OplockConfig) AsEngineConfig() oplock.Config {
	return oplock.Config{
		BreakWaitMs:             o.BreakWaitMs,
		BreakTimeout:            o.BreakTimeout,
		BreakTimeoutFudgeFactor: o.BreakTimeoutFudgeFactor,
		KernelOplocksEnabled:    o.KernelOplocksEnabled,
		Level2OplocksPerShare:   o.Level2OplocksPerShare,
	}
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from defaults, file, and environment, in
// that ascending order of precedence. When no config file is found it
// returns DefaultConfig() without consulting the environment. No
// command-line flags are applied.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !found {
		cfg := DefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	explicit := cfg
	ApplyDefaults(&cfg)
	if v.IsSet("oplock.break_wait_ms") {
		cfg.Oplock.BreakWaitMs = explicit.Oplock.BreakWaitMs
	}
	if v.IsSet("oplock.break_timeout_fudge_factor") {
		cfg.Oplock.BreakTimeoutFudgeFactor = explicit.Oplock.BreakTimeoutFudgeFactor
	}
	if v.IsSet("telemetry.sample_rate") {
		cfg.Telemetry.SampleRate = explicit.Telemetry.SampleRate
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration, returning a user-friendly error when
// no config file exists at the default location.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  oplockd init\n\n"+
				"Or specify a custom config file:\n"+
				"  oplockd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in YAML, respecting the struct's yaml
// tags, with owner-only permissions.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("OPLOCKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// durationDecodeHook converts strings like "30s" and bare numbers
// (nanoseconds) into time.Duration during mapstructure decoding.
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

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "oplockd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "oplockd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the
// default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir exposes the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
