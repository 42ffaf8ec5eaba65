// Package config holds server configuration: programmatic defaults, an
// optional YAML file, and validation. Flag overrides are applied by the
// command layer.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the IANA-registered USB/IP port.
const DefaultPort = 3240

type Config struct {
	// ListenAddress is the interface to bind; empty means all.
	ListenAddress string `yaml:"listen_address"`
	Port          int    `yaml:"port"`

	// MaxConnections bounds concurrent client sessions; further
	// connection attempts are rejected at accept time.
	MaxConnections int `yaml:"max_connections"`

	// RequestTimeout bounds a single transfer when the client supplies
	// no interval-derived timeout of its own.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ShutdownGrace bounds how long Stop waits for sessions to drain
	// before force-closing them.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// HelperSocket is the unix socket of the privileged claim helper.
	// Empty selects the in-process provider.
	HelperSocket string `yaml:"helper_socket"`

	// HealthInterval is the provider health poll period.
	HealthInterval time.Duration `yaml:"health_interval"`
}

func Default() *Config {
	return &Config{
		Port:           DefaultPort,
		MaxConnections: 16,
		RequestTimeout: 5 * time.Second,
		ShutdownGrace:  10 * time.Second,
		HealthInterval: 5 * time.Second,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	// Port 0 selects an ephemeral port, which is useful for testing.
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("config: max_connections must be at least 1, got %d", c.MaxConnections)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be positive")
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("config: shutdown_grace must be positive")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("config: health_interval must be positive")
	}
	return nil
}

// Addr is the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}
