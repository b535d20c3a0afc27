package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const sampleHeader = `# gridrpc configuration file
#
# Typed sections (logging, server, tls, metrics, events) can be
# overridden with GRIDRPC_<SECTION>_<KEY> environment variables.
# Registry and Services are hierarchical; keys are case-insensitive.

`

// InitConfig writes the sample configuration to the default path and
// returns that path. An existing file is kept unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the sample configuration to path, creating its
// directory.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	data, err := SampleYAML()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(sampleHeader), data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
