package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type sampleLogging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type sampleServer struct {
	Host            string   `yaml:"host"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	SelectTimeout   string   `yaml:"select_timeout"`
	MaxConnections  int      `yaml:"max_connections"`
	AcceptRate      float64  `yaml:"accept_rate"`
	AcceptBurst     int      `yaml:"accept_burst"`
	HostAcceptRate  float64  `yaml:"host_accept_rate"`
	HostAcceptBurst int      `yaml:"host_accept_burst"`
	BannedIPs       []string `yaml:"banned_ips"`
}

type sampleTLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CADir    string `yaml:"ca_dir"`
	CRLDir   string `yaml:"crl_dir"`
}

type sampleMetrics struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type sampleEvents struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type sampleFile struct {
	Logging  sampleLogging  `yaml:"logging"`
	Server   sampleServer   `yaml:"server"`
	TLS      sampleTLS      `yaml:"tls"`
	Metrics  sampleMetrics  `yaml:"metrics"`
	Events   sampleEvents   `yaml:"events"`
	Registry map[string]any `yaml:"Registry"`
	Services map[string]any `yaml:"Services"`
}

// SampleYAML renders an example configuration with every section
// populated, printed by --print-config.
func SampleYAML() ([]byte, error) {
	sample := sampleFile{
		Logging: sampleLogging{Level: "INFO", Format: "text", Output: "stdout"},
		Server: sampleServer{
			ShutdownTimeout: "30s",
			SelectTimeout:   "10s",
			MaxConnections:  1000,
			AcceptRate:      200,
			AcceptBurst:     400,
			HostAcceptRate:  20,
			HostAcceptBurst: 40,
			BannedIPs:       []string{},
		},
		TLS: sampleTLS{
			CertFile: "/etc/grid-security/hostcert.pem",
			KeyFile:  "/etc/grid-security/hostkey.pem",
			CADir:    "/etc/grid-security/certificates",
			CRLDir:   "/etc/grid-security/certificates",
		},
		Metrics: sampleMetrics{Enabled: false, Port: 9090},
		Events:  sampleEvents{Enabled: false, URL: "nats://127.0.0.1:4222", Subject: "gridrpc.events"},
		Registry: map[string]any{
			"DefaultGroup": "user",
			"TrustedHosts": []string{"/C=IT/O=Grid/OU=hosts/CN=gateway.example.org"},
			"Users": map[string]any{
				"alice": map[string]any{"DN": "/C=IT/O=Grid/CN=alice"},
			},
			"Groups": map[string]any{
				"user":  map[string]any{"Users": []string{"alice"}, "Properties": []string{"NormalUser"}},
				"admin": map[string]any{"Users": []string{}, "Properties": []string{"ServiceAdministrator", "SandboxAdministrator"}},
			},
		},
		Services: map[string]any{
			"Framework": map[string]any{
				"Gateway": map[string]any{
					"Port":          9135,
					"Authorization": map[string]any{"Default": "authenticated"},
				},
				"SandboxStore": map[string]any{
					"Port":              9196,
					"CompressTransfers": true,
					"Backend":           "filesystem",
					"BasePath":          "/var/lib/gridrpc/sandboxes",
					"Index":             "badger",
					"IndexPath":         "/var/lib/gridrpc/sandbox-index",
					"MaxSize":           1 << 30,
					"Retention":         "720h",
					"Authorization": map[string]any{
						"Default":      "authenticated",
						"FileTransfer": map[string]any{"FromClient": "authenticated", "ToClient": "authenticated"},
					},
				},
			},
		},
	}

	out, err := yaml.Marshal(&sample)
	if err != nil {
		return nil, fmt.Errorf("render sample config: %w", err)
	}
	return out, nil
}
