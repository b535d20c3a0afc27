package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// KeyDelimiter separates path components in configuration keys, so that
// hierarchical paths such as "Services/Framework/Gateway/Port" are native
// keys.
const KeyDelimiter = "/"

// EnvPrefix is prepended to environment overrides: GRIDRPC_SERVER_MAX_CONNECTIONS
// overrides server/max_connections.
const EnvPrefix = "GRIDRPC"

// Config represents the complete gridrpc configuration.
//
// It has two parts:
//   - Typed process sections (logging, server, tls, metrics, events),
//     decoded into structs, defaulted and validated.
//   - The hierarchical Registry and Services trees, read on demand
//     through Store by the service descriptor builder and the
//     authorization registry.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (GRIDRPC_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains reactor-wide settings
	Server ServerConfig `mapstructure:"server"`

	// TLS locates host credentials and trust anchors for the tls protocol
	TLS TLSConfig `mapstructure:"tls"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Events configures lifecycle event publishing
	Events EventsConfig `mapstructure:"events"`

	store Store
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains settings shared by every endpoint of the process.
type ServerConfig struct {
	// Host is the address listeners bind to (empty = all interfaces)
	Host string `mapstructure:"host"`

	// ShutdownTimeout is the maximum time to wait for in-flight
	// connections during graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// SelectTimeout is how long the reactor waits for a connection before
	// running its periodic checks (context renewal)
	SelectTimeout time.Duration `mapstructure:"select_timeout" validate:"required,gt=0"`

	// MaxConnections bounds concurrently handled connections across all
	// endpoints (0 = unlimited)
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0"`

	// AcceptRate limits new connections per second per endpoint (0 = unlimited)
	AcceptRate float64 `mapstructure:"accept_rate" validate:"gte=0"`

	// AcceptBurst is the burst allowed above AcceptRate
	AcceptBurst int `mapstructure:"accept_burst" validate:"gte=0"`

	// HostAcceptRate limits new connections per second from a single
	// client address (0 = unlimited)
	HostAcceptRate float64 `mapstructure:"host_accept_rate" validate:"gte=0"`

	// HostAcceptBurst is the burst allowed above HostAcceptRate
	HostAcceptBurst int `mapstructure:"host_accept_burst" validate:"gte=0"`

	// BannedIPs are closed immediately after accept
	BannedIPs []string `mapstructure:"banned_ips" validate:"dive,ip"`
}

// TLSConfig locates the host certificate and the trust anchors.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	// CAFile is a PEM bundle of trusted CAs
	CAFile string `mapstructure:"ca_file"`

	// CADir is a grid certificates directory (every PEM file is loaded)
	CADir string `mapstructure:"ca_dir"`

	// CRLDir holds revocation lists; empty disables revocation checks
	CRLDir string `mapstructure:"crl_dir"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// EventsConfig controls lifecycle event publishing over NATS.
type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url" validate:"required_if=Enabled true"`

	// Subject prefix; events go to <prefix>.<event name>
	Subject string `mapstructure:"subject" validate:"required"`

	// ConnectTimeout bounds the initial connection to the broker
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gte=0"`
}

// Store returns the hierarchical view of the configuration.
func (c *Config) Store() Store {
	if c.store == nil {
		return NewMapStore(nil)
	}
	return c.store
}

// WithStore replaces the hierarchical store, used by tests that build a
// Config in memory.
func (c *Config) WithStore(s Store) *Config {
	c.store = s
	return c
}

// typedKeys are bound to environment variables so that overrides work even
// when the file does not mention them.
var typedKeys = []string{
	"logging/level", "logging/format", "logging/output",
	"server/host", "server/shutdown_timeout", "server/select_timeout",
	"server/max_connections", "server/accept_rate", "server/accept_burst",
	"server/host_accept_rate", "server/host_accept_burst", "server/banned_ips",
	"tls/cert_file", "tls/key_file", "tls/ca_file", "tls/ca_dir", "tls/crl_dir",
	"metrics/enabled", "metrics/port",
	"events/enabled", "events/url", "events/subject", "events/connect_timeout",
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := newViper()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	return fromViper(v)
}

// LoadBytes loads a YAML document, with the same environment overrides as Load.
func LoadBytes(data []byte) (*Config, error) {
	v := newViper()
	setupViper(v, "")
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return fromViper(v)
}

func newViper() *viper.Viper {
	return viper.NewWithOptions(viper.KeyDelimiter(KeyDelimiter))
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg.store = &viperStore{v: v}
	return &cfg, nil
}

// setupViper configures environment variables and config file lookup.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(KeyDelimiter, "_"))
	v.AutomaticEnv()
	for _, key := range typedKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/gridrpc, ~/.config/gridrpc, or "."
// when no home directory can be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gridrpc")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "gridrpc")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
