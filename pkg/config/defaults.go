package config

import (
	"strings"
	"time"
)

// Default values for the oplock coordination core (spec.md §6) and the
// ambient sections every oplockd config carries regardless of which
// protocol features are in scope.
const (
	defaultBreakWaitMs             = 100
	defaultBreakTimeout            = 35 * time.Second
	defaultBreakTimeoutFudgeFactor = 5 * time.Second
	defaultShutdownTimeout         = 10 * time.Second
	defaultMetricsPort             = 9090
)

// DefaultConfig returns a Config populated entirely with defaults. Load
// returns it as-is when no config file is found.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills any zero-valued fields of cfg with sensible
// defaults, following the teacher's ApplyDefaults shape: non-zero
// values are preserved. It cannot tell an explicit zero from a missing
// value; Load restores the explicit zeros a config file sets for the
// fields whose zero value is itself meaningful (oplock.break_wait_ms,
// oplock.break_timeout_fudge_factor, telemetry.sample_rate).
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyOplockDefaults(&cfg.Oplock)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 0.1
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = defaultMetricsPort
	}
}

// applyOplockDefaults fills the break engine's own settings.
func applyOplockDefaults(cfg *OplockConfig) {
	if cfg.BreakWaitMs == 0 {
		cfg.BreakWaitMs = defaultBreakWaitMs
	}
	if cfg.BreakTimeout == 0 {
		cfg.BreakTimeout = defaultBreakTimeout
	}
	if cfg.BreakTimeoutFudgeFactor == 0 {
		cfg.BreakTimeoutFudgeFactor = defaultBreakTimeoutFudgeFactor
	}
}
