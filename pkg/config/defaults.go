package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Service sections are defaulted when their descriptor is built
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyMetricsDefaults(&cfg.Metrics)
	applyEventsDefaults(&cfg.Events)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
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

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.SelectTimeout == 0 {
		cfg.SelectTimeout = 10 * time.Second
	}
	if cfg.AcceptRate > 0 && cfg.AcceptBurst == 0 {
		cfg.AcceptBurst = int(cfg.AcceptRate)
		if cfg.AcceptBurst < 1 {
			cfg.AcceptBurst = 1
		}
	}
	if cfg.HostAcceptRate > 0 && cfg.HostAcceptBurst == 0 {
		cfg.HostAcceptBurst = int(cfg.HostAcceptRate)
		if cfg.HostAcceptBurst < 1 {
			cfg.HostAcceptBurst = 1
		}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyEventsDefaults(cfg *EventsConfig) {
	if cfg.Subject == "" {
		cfg.Subject = "gridrpc.events"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
}

// GetDefaultConfig returns a Config with all defaults applied and an
// empty hierarchical store.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.store = NewMapStore(nil)
	return cfg
}
