// Package config loads the CLI configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk CLI configuration. Every field is optional; zero
// values defer to store defaults or existing settings-table entries.
type Config struct {
	// RelationalPath is the application database file.
	RelationalPath string `yaml:"relational_path"`
	// KBRoot overrides the derived knowledge-base root directory.
	KBRoot string `yaml:"kb_root"`
	// CacheCap bounds the embedding cache entry count.
	CacheCap int `yaml:"cache_cap"`
	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Settings are written into the settings table on startup, seeding
	// retrieval and tokenizer knobs before first use.
	Settings map[string]string `yaml:"settings"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RelationalPath: "deep-student.db",
		LogLevel:       "info",
	}
}

// Load reads a YAML config file, layering it over the defaults. A missing
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.RelationalPath == "" {
		cfg.RelationalPath = Default().RelationalPath
	}
	return cfg, nil
}
