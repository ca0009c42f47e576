package command

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haroldDOTsh/fulcrum/backend"
	"github.com/haroldDOTsh/fulcrum/registry"
)

// FileConfig is the on-disk shape of a fulcrum config file. Sections not
// present keep their defaults.
type FileConfig struct {
	LogLevel string           `yaml:"log_level"`
	Registry *registry.Config `yaml:"registry"`
	Backend  *backend.Config  `yaml:"backend"`
}

// LoadConfig reads a YAML config file, overlaying it on the defaults. A
// missing file (or empty path) yields pure defaults.
func LoadConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{
		LogLevel: "INFO",
		Registry: registry.DefaultConfig(),
		Backend:  backend.DefaultConfig(),
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	cfg.Registry = cfg.Registry.Merge(file.Registry)
	cfg.Backend = cfg.Backend.Merge(file.Backend)
	return cfg, nil
}
