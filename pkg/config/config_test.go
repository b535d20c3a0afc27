package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
logging:
  level: "debug"

server:
  max_connections: 50
  banned_ips: ["10.0.0.66"]

tls:
  cert_file: /etc/grid-security/hostcert.pem
  key_file: /etc/grid-security/hostkey.pem
  ca_dir: /etc/grid-security/certificates

Registry:
  DefaultGroup: user
  TrustedHosts: /O=Grid/CN=host.example.org, /O=Grid/CN=other.example.org
  Users:
    alice:
      DN: /C=IT/O=Grid/CN=alice
  Groups:
    user:
      Users: [alice]
      Properties: NormalUser

Services:
  Framework:
    Gateway:
      Port: 9135
    SandboxStore:
      Port: 9196
      Protocol: plain
      ContextLifeTime: 3600
      SSLSessionTimeout: 45s
      CloneCount: 3
      IgnoreCRLs: yes
      CompressTransfers: true
      Backend: filesystem
      BasePath: /tmp/sandboxes
      Authorization:
        Default: authenticated
        removeSandbox: SandboxAdministrator
        FileTransfer:
          FromClient: user, admin
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultsAndTypedSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.SelectTimeout != 10*time.Second {
		t.Errorf("Expected default select_timeout 10s, got %v", cfg.Server.SelectTimeout)
	}
	assert.Equal(t, 50, cfg.Server.MaxConnections)
	assert.Equal(t, []string{"10.0.0.66"}, cfg.Server.BannedIPs)
	assert.Equal(t, "/etc/grid-security/certificates", cfg.TLS.CADir)
	assert.Equal(t, "gridrpc.events", cfg.Events.Subject)
}

func TestLoad_NoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	assert.Empty(t, cfg.Store().Children("Services"))
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "logging: [unclosed"))
	if err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("GRIDRPC_SERVER_MAX_CONNECTIONS", "7")
	t.Setenv("GRIDRPC_LOGGING_FORMAT", "json")

	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Server.MaxConnections)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "TRACE" }, "Level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "Format"},
		{"negative connections", func(c *Config) { c.Server.MaxConnections = -1 }, "MaxConnections"},
		{"bad banned ip", func(c *Config) { c.Server.BannedIPs = []string{"not-an-ip"} }, "BannedIPs"},
		{"duplicate banned ip", func(c *Config) { c.Server.BannedIPs = []string{"10.0.0.1", "10.0.0.1"} }, "duplicate"},
		{"events without url", func(c *Config) { c.Events.Enabled = true }, "URL"},
		{"cert without key", func(c *Config) { c.TLS.CertFile = "/x.pem" }, "key_file"},
		{"metrics port", func(c *Config) { c.Metrics.Port = 70000 }, "Port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSampleYAMLLoads(t *testing.T) {
	data, err := SampleYAML()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "Services:"))

	cfg, err := LoadBytes(data)
	require.NoError(t, err)

	d, err := BuildServiceDescriptor(cfg.Store(), "Framework/SandboxStore", "localhost")
	require.NoError(t, err)
	assert.Equal(t, 9196, d.Port)
	assert.True(t, d.CompressTransfers)
}
