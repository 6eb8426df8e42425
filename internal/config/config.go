// Package config loads and validates the server configuration from
// defaults, an optional YAML file, and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as
// strings like "5m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Persistence controls the on-disk log writer.
type Persistence struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	MaxFileSize int64  `yaml:"maxFileSize"`
	MaxFiles    int    `yaml:"maxFiles"`
	Compress    bool   `yaml:"compress"`
}

// Config is the full server configuration.
type Config struct {
	IngestAddr string `yaml:"ingestAddr"`
	QueryAddr  string `yaml:"queryAddr"`

	MaxClients int `yaml:"maxClients"` // Concurrent producer connections
	Capacity   int `yaml:"capacity"`   // In-memory entries kept
	MaxLineLen int `yaml:"maxLineLen"` // Bytes per line before truncation

	// IdleTimeout closes connections with no traffic. Zero disables
	// the deadline.
	IdleTimeout Duration `yaml:"idleTimeout"`

	Persistence Persistence `yaml:"persistence"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		IngestAddr:  ":9999",
		QueryAddr:   ":9998",
		MaxClients:  64,
		Capacity:    10000,
		MaxLineLen:  1024,
		IdleTimeout: Duration(5 * time.Minute),
		Persistence: Persistence{
			Dir:         "./logs",
			MaxFileSize: 10 * 1024 * 1024,
			MaxFiles:    10,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults untouched; a path that cannot be read is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first problem with the configuration.
func (c Config) Validate() error {
	if c.IngestAddr == "" || c.QueryAddr == "" {
		return errors.New("listen addresses must not be empty")
	}
	if c.IngestAddr == c.QueryAddr {
		return fmt.Errorf("ingest and query addresses are both %s", c.IngestAddr)
	}
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("maxClients must be positive, got %d", c.MaxClients)
	}
	if c.MaxLineLen < 1 {
		return fmt.Errorf("maxLineLen must be positive, got %d", c.MaxLineLen)
	}
	if c.IdleTimeout < 0 {
		return errors.New("idleTimeout must not be negative")
	}

	if c.Persistence.Enabled {
		if c.Persistence.Dir == "" {
			return errors.New("persistence.dir is required when persistence is enabled")
		}
		if c.Persistence.MaxFileSize < 1 {
			return fmt.Errorf("persistence.maxFileSize must be positive, got %d", c.Persistence.MaxFileSize)
		}
		if c.Persistence.MaxFiles < 1 {
			return fmt.Errorf("persistence.maxFiles must be positive, got %d", c.Persistence.MaxFiles)
		}
	}
	return nil
}
