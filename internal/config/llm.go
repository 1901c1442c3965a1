package config

// ProvidersConfig holds upstream model provider credentials and endpoints.
// The OpenAI entry covers any OpenAI-compatible server (including local
// gateways) via base_url; the Gemini entry uses the official SDK.
type ProvidersConfig struct {
	OpenAI ProviderConfig `yaml:"openai"`
	Gemini ProviderConfig `yaml:"gemini"`
}

// ProviderConfig configures a single upstream provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// ModelsConfig selects which models drive each pipeline stage. Specialist
// models are configured per domain in SpecialistsConfig; the entries here
// cover the shared stages.
type ModelsConfig struct {
	// Router is the model used for specialist selection. It should be fast
	// and cheap; it only ever emits a three-field JSON object.
	Router string `yaml:"router"`

	// Fallbacks are tried in order when a specialist's configured model
	// fails. Empty means no fallback.
	Fallbacks []string `yaml:"fallbacks"`
}

// EmbeddingConfig configures the embedding engine used for semantic memory
// retrieval.
type EmbeddingConfig struct {
	// Provider selects the embedding backend: openai or gemini.
	Provider string `yaml:"provider"`

	// Model is the embedding model identifier.
	Model string `yaml:"model"`

	// Dimensions is the expected embedding width. Vector tables are created
	// with this dimensionality; a mismatch at runtime disables semantic
	// retrieval rather than corrupting the index.
	Dimensions int `yaml:"dimensions"`
}
