package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// APIKeys are accepted bearer tokens. Empty disables authentication,
	// which is only sensible behind a trusted proxy.
	APIKeys []string `yaml:"api_keys"`

	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// DiagnosticsConfig configures unauthenticated operational endpoints.
type DiagnosticsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Health    string `yaml:"health"`
	Readiness string `yaml:"readiness"`
	Detail    string `yaml:"detail"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate checks server invariants.
func (s *ServerConfig) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", s.Port)
	}
	for name, raw := range map[string]string{
		"server.read_timeout":     s.ReadTimeout,
		"server.write_timeout":    s.WriteTimeout,
		"server.shutdown_timeout": s.ShutdownTimeout,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s %q is not a valid duration: %w", name, raw, err)
		}
	}
	return nil
}

// ParseTimeout parses a duration string with a fallback default.
func ParseTimeout(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
