// Package config loads the bridge configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from yaml strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the responder settings. Every field is optional; zero values
// take the defaults below.
type Config struct {
	// Port to bind on loopback; 0 picks an ephemeral port.
	Port int `yaml:"port"`
	// AllowedOrigins for CORS. The only hot-reloadable field.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// InvokeKey pins the shared secret; empty generates a per-process key.
	InvokeKey string `yaml:"invoke_key"`
	// DispatchTimeout bounds a single command execution.
	DispatchTimeout Duration `yaml:"dispatch_timeout"`
	// LogLevel is a zerolog level name.
	LogLevel string `yaml:"log_level"`
}

// Default is the configuration used when no file exists.
func Default() *Config {
	return &Config{
		AllowedOrigins:  []string{"*"},
		DispatchTimeout: Duration(30 * time.Second),
		LogLevel:        "info",
	}
}

// Path resolves the config file location, creating the state dir on the way.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".invokehttp")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the default config file. A missing file yields the defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads and defaults a config file at an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = Duration(30 * time.Second)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// EnsureInvokeKey returns the pinned key or generates a per-process one. The
// key protects the responder from other local processes, so a fresh key per
// process is the default.
func (c *Config) EnsureInvokeKey() string {
	if c.InvokeKey != "" {
		return c.InvokeKey
	}
	return uuid.New().String()
}
