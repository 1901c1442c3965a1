// Package config holds all concierge configuration: providers, specialist
// catalog wiring, the state pipeline and its thresholds, server, and logging.
// Configuration is YAML on disk with environment-variable overrides applied
// after load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all concierge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Model providers and model selection
	Providers ProvidersConfig `yaml:"providers"`
	Models    ModelsConfig    `yaml:"models"`
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Public API surface
	API APIConfig `yaml:"api"`

	// Specialist catalog
	Specialists SpecialistsConfig `yaml:"specialists"`

	// Stateful turn capture
	State StateConfig `yaml:"state"`

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// Runtime behavior
	Runtime RuntimeConfig `yaml:"runtime"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "concierge",
		Version: "1.2.0",

		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				BaseURL: "https://api.openai.com/v1",
				Timeout: "120s",
			},
			Gemini: ProviderConfig{},
		},

		Models: ModelsConfig{
			Router:    "gpt-4.1-mini",
			Fallbacks: []string{},
		},

		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},

		API: APIConfig{
			PublicModelID: "concierge",
			Attribution: AttributionConfig{
				Enabled:        true,
				IncludeModel:   true,
				IncludeGeneral: false,
				Template:       "Answered by {display_name} (the {domain_label} specialist){model_suffix}.",
			},
		},

		Specialists: SpecialistsConfig{
			PromptsDirectory: "prompts",
			AutoReload:       true,
			RouterPromptFile: "router.md",
			ByDomain:         map[string]SpecialistDomainConfig{},
		},

		State: DefaultStateConfig(),

		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			APIKeys:         []string{},
			ReadTimeout:     "60s",
			WriteTimeout:    "300s",
			ShutdownTimeout: "10s",
			Diagnostics: DiagnosticsConfig{
				Enabled:   true,
				Health:    "/healthz",
				Readiness: "/readyz",
				Detail:    "/diagnostics",
			},
		},

		Runtime: RuntimeConfig{
			InjectCurrentTimestamp: true,
			Timezone:               "UTC",
		},

		Logging: LoggingConfig{
			Level:     "info",
			Directory: "data/logs",
			Enabled:   true,
			Audit:     true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults
// so a fresh checkout can start with environment variables alone.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides lets deployment environments inject secrets and paths
// without editing the YAML file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.Providers.OpenAI.BaseURL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("CONCIERGE_API_KEY"); v != "" {
		c.Server.APIKeys = append(c.Server.APIKeys, v)
	}
	if v := os.Getenv("CONCIERGE_DB_PATH"); v != "" {
		c.State.DatabasePath = v
	}
	if v := os.Getenv("CONCIERGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CONCIERGE_PROMPTS_DIR"); v != "" {
		c.Specialists.PromptsDirectory = v
	}
	if v := os.Getenv("CONCIERGE_STATE_DIR"); v != "" {
		c.State.Projection.Directory = v
	}
}

// Validate checks structural invariants that must hold before serving.
// Domain-set completeness is enforced by the catalog, which owns the fixed
// domain list.
func (c *Config) Validate() error {
	if c.API.PublicModelID == "" {
		return fmt.Errorf("api.public_model_id must not be empty")
	}
	if c.API.Attribution.Enabled && c.API.Attribution.Template == "" {
		return fmt.Errorf("api.attribution.template must not be empty when attribution is enabled")
	}
	if c.Models.Router == "" {
		return fmt.Errorf("models.router must not be empty")
	}
	if c.Specialists.PromptsDirectory == "" {
		return fmt.Errorf("specialists.prompts_directory must not be empty")
	}
	for domain, spec := range c.Specialists.ByDomain {
		if spec.Model == "" {
			return fmt.Errorf("specialists.by_domain.%s.model must not be empty", domain)
		}
		if spec.PromptFile == "" {
			return fmt.Errorf("specialists.by_domain.%s.prompt_file must not be empty", domain)
		}
	}
	if _, err := time.LoadLocation(c.Runtime.Timezone); err != nil {
		return fmt.Errorf("runtime.timezone %q is not a valid IANA timezone: %w", c.Runtime.Timezone, err)
	}
	if err := c.State.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	return nil
}

// RuntimeConfig controls per-request runtime behavior.
type RuntimeConfig struct {
	// InjectCurrentTimestamp prepends an authoritative current-time line to
	// specialist prompts so "today" means the same thing to every model.
	InjectCurrentTimestamp bool   `yaml:"inject_current_timestamp"`
	Timezone               string `yaml:"timezone"`
}

// TimestampContextLine renders the authoritative current-time line.
func (r RuntimeConfig) TimestampContextLine(now time.Time) string {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		loc = time.UTC
	}
	localized := now.In(loc)
	return fmt.Sprintf(
		"Current timestamp: %s (%s). Use this as the authoritative current date and time for this request.",
		localized.Format(time.RFC3339), r.Timezone,
	)
}
