package config

import "concierge/internal/logging"

// LoggingConfig configures file-based category logging and the audit trail.
type LoggingConfig struct {
	Level      string          `yaml:"level"`       // debug, info, warn, error
	Directory  string          `yaml:"directory"`   // log file directory
	Enabled    bool            `yaml:"enabled"`     // master toggle
	JSONFormat bool            `yaml:"json_format"` // JSON lines instead of text
	Categories map[string]bool `yaml:"categories"`  // per-category toggles
	Audit      bool            `yaml:"audit"`       // JSONL audit trail
}

// Options converts the YAML shape into logging initialization options.
func (c *LoggingConfig) Options() logging.Options {
	return logging.Options{
		Directory:  c.Directory,
		Level:      c.Level,
		Enabled:    c.Enabled,
		JSONFormat: c.JSONFormat,
		Categories: c.Categories,
	}
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Unlisted categories default to enabled.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.Enabled {
		return false
	}
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}
