package config

// SpecialistsConfig wires the specialist catalog: where prompts live on disk
// and which model answers for each domain. The set of valid domains is fixed
// by the catalog package; entries here configure members of that set.
type SpecialistsConfig struct {
	// PromptsDirectory is the directory holding specialist system prompts,
	// one markdown file per domain plus the router prompt.
	PromptsDirectory string `yaml:"prompts_directory"`

	// AutoReload re-reads a prompt file when its mtime changes, so prompt
	// edits land without a restart.
	AutoReload bool `yaml:"auto_reload"`

	// RouterPromptFile is the router's system prompt, relative to
	// PromptsDirectory.
	RouterPromptFile string `yaml:"router_prompt_file"`

	// ByDomain maps domain name to specialist settings. Domains missing
	// here fall back to catalog defaults (prompt file "<domain>.md", the
	// router model, title-cased display name).
	ByDomain map[string]SpecialistDomainConfig `yaml:"by_domain"`
}

// SpecialistDomainConfig configures one specialist domain.
type SpecialistDomainConfig struct {
	// Model is the model identifier that answers for this domain.
	Model string `yaml:"model"`

	// PromptFile is the system prompt path relative to PromptsDirectory.
	PromptFile string `yaml:"prompt_file"`

	// DisplayName is the human-facing specialist name used in attribution,
	// e.g. "Dr. Hart" for the health domain.
	DisplayName string `yaml:"display_name"`
}

// APIConfig shapes the public OpenAI-compatible surface.
type APIConfig struct {
	// PublicModelID is the single model id advertised by /v1/models and
	// accepted by /v1/chat/completions. The internal specialist fan-out is
	// invisible to clients.
	PublicModelID string `yaml:"public_model_id"`

	Attribution AttributionConfig `yaml:"attribution"`
}

// AttributionConfig controls the italic attribution line prepended to
// answers.
type AttributionConfig struct {
	Enabled bool `yaml:"enabled"`

	// IncludeModel appends the answering model id to the attribution line.
	IncludeModel bool `yaml:"include_model"`

	// IncludeGeneral also attributes answers from the general specialist,
	// which are unattributed by default.
	IncludeGeneral bool `yaml:"include_general"`

	// Template is the attribution line with {display_name}, {domain_label}
	// and {model_suffix} placeholders.
	Template string `yaml:"template"`
}
