package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverridesApplyOnLoad(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-openai")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:9999/v1")
	t.Setenv("GEMINI_API_KEY", "g-test")
	t.Setenv("CONCIERGE_API_KEY", "bearer-test")
	t.Setenv("CONCIERGE_DB_PATH", "/tmp/override.db")
	t.Setenv("CONCIERGE_LOG_LEVEL", "debug")
	t.Setenv("CONCIERGE_PROMPTS_DIR", "/tmp/prompts")
	t.Setenv("CONCIERGE_STATE_DIR", "/tmp/state")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sk-test-openai", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, "http://localhost:9999/v1", cfg.Providers.OpenAI.BaseURL)
	assert.Equal(t, "g-test", cfg.Providers.Gemini.APIKey)
	assert.Equal(t, []string{"bearer-test"}, cfg.Server.APIKeys)
	assert.Equal(t, "/tmp/override.db", cfg.State.DatabasePath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/prompts", cfg.Specialists.PromptsDirectory)
	assert.Equal(t, "/tmp/state", cfg.State.Projection.Directory)
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Providers.OpenAI.APIKey = "sk-from-file"
	require.NoError(t, cfg.Save(path))

	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", loaded.Providers.OpenAI.APIKey)
}

func TestEnvOverridesIgnoreEmptyValues(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CONCIERGE_API_KEY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Empty(t, cfg.Providers.OpenAI.APIKey)
	assert.Empty(t, cfg.Server.APIKeys)
}
