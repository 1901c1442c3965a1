package config

import "fmt"

// StateConfig configures the stateful turn-capture pipeline: the decision
// engine that reads each exchange, the three write channels it can open, and
// the projection of durable state back to markdown.
type StateConfig struct {
	// Enabled gates the whole pipeline. When false a turn produces an
	// answer and nothing else.
	Enabled bool `yaml:"enabled"`

	// DatabasePath is the SQLite file holding users, turn events, tracks,
	// check-ins, journal entries and memory cards.
	DatabasePath string `yaml:"database_path"`

	Decision   DecisionConfig   `yaml:"decision"`
	Checkin    CheckinConfig    `yaml:"checkin"`
	Journal    JournalConfig    `yaml:"journal"`
	Memory     MemoryConfig     `yaml:"memory"`
	Semantic   SemanticConfig   `yaml:"semantic"`
	UserScope  UserScopeConfig  `yaml:"user_scope"`
	Projection ProjectionConfig `yaml:"projection"`
}

// DecisionConfig configures the per-turn decision engine.
type DecisionConfig struct {
	// Model is the model asked to decide what, if anything, to record.
	Model string `yaml:"model"`

	// MaxJSONRetries is how many corrective re-asks follow an unparseable
	// or schema-violating decision. Total attempts are 1 + this value.
	MaxJSONRetries int `yaml:"max_json_retries"`

	// StrictGrounding drops any proposed write whose evidence quote does
	// not appear verbatim in the user's message.
	StrictGrounding bool `yaml:"strict_grounding"`

	// FactsOnly replaces model-phrased summaries with the evidence quotes
	// themselves, keeping recorded state in the user's own words.
	FactsOnly bool `yaml:"facts_only"`

	// MinConfidence discards writes below this confidence. Zero keeps all.
	MinConfidence float64 `yaml:"min_confidence"`

	// MaxUserChars / MaxAssistantChars bound the transcript excerpts shown
	// to the decision model.
	MaxUserChars      int `yaml:"max_user_chars"`
	MaxAssistantChars int `yaml:"max_assistant_chars"`

	// OnFailure selects behavior when every decision attempt fails:
	// "footer_warning" answers normally and appends a state warning to the
	// reply; "skip_writes" answers normally and stays silent.
	OnFailure string `yaml:"on_failure"`
}

// CheckinConfig configures the check-in write channel.
type CheckinConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxWins, MaxBarriers and MaxNextActions cap the list lengths stored
	// per check-in.
	MaxWins        int `yaml:"max_wins"`
	MaxBarriers    int `yaml:"max_barriers"`
	MaxNextActions int `yaml:"max_next_actions"`
}

// JournalConfig configures the journal write channel.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// IncludeAssistantExcerpt appends a truncated assistant reply to the
	// journal body for context.
	IncludeAssistantExcerpt  bool `yaml:"include_assistant_excerpt"`
	MaxAssistantExcerptChars int  `yaml:"max_assistant_excerpt_chars"`
}

// MemoryConfig configures the durable memory channel and its curator.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxSummaryChars truncates the memory text before embedding and
	// storage.
	MaxSummaryChars int `yaml:"max_summary_chars"`

	// MaxExistingChars bounds the candidate-card context shown to the
	// verifier model.
	MaxExistingChars int `yaml:"max_existing_chars"`

	// VerifierModel decides merge-vs-new against candidate cards. Empty
	// reuses the decision model.
	VerifierModel string `yaml:"verifier_model"`
}

// SemanticConfig configures vector retrieval over memory cards.
type SemanticConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxDistance is the cosine-distance ceiling for a card to count as a
	// semantic candidate.
	MaxDistance float64 `yaml:"max_distance"`

	// MaxCandidates caps how many nearest cards are considered.
	MaxCandidates int `yaml:"max_candidates"`
}

// UserScopeConfig controls how requests map to state owners.
type UserScopeConfig struct {
	// Policy is "per_user" (scope by forwarded identity headers) or
	// "single" (everything under one anonymous owner).
	Policy string `yaml:"policy"`

	// AnonymousUserKey is the owner used when no identity is forwarded.
	AnonymousUserKey string `yaml:"anonymous_user_key"`
}

// ProjectionConfig controls markdown export of durable state.
type ProjectionConfig struct {
	Enabled bool `yaml:"enabled"`

	// Directory is the root of the projected tree; per-user state lands
	// under <directory>/users/<safe_user>/.
	Directory string `yaml:"directory"`
}

// DefaultStateConfig returns state-pipeline defaults.
func DefaultStateConfig() StateConfig {
	return StateConfig{
		Enabled:      true,
		DatabasePath: "data/concierge.db",
		Decision: DecisionConfig{
			Model:             "gpt-4.1-mini",
			MaxJSONRetries:    1,
			StrictGrounding:   true,
			FactsOnly:         true,
			MinConfidence:     0,
			MaxUserChars:      4000,
			MaxAssistantChars: 2000,
			OnFailure:         "footer_warning",
		},
		Checkin: CheckinConfig{
			Enabled:        true,
			MaxWins:        5,
			MaxBarriers:    5,
			MaxNextActions: 5,
		},
		Journal: JournalConfig{
			Enabled:                  true,
			IncludeAssistantExcerpt:  false,
			MaxAssistantExcerptChars: 600,
		},
		Memory: MemoryConfig{
			Enabled:          true,
			MaxSummaryChars:  500,
			MaxExistingChars: 4000,
			VerifierModel:    "",
		},
		Semantic: SemanticConfig{
			Enabled:       true,
			MaxDistance:   0.55,
			MaxCandidates: 5,
		},
		UserScope: UserScopeConfig{
			Policy:           "per_user",
			AnonymousUserKey: "anonymous",
		},
		Projection: ProjectionConfig{
			Enabled:   true,
			Directory: "state",
		},
	}
}

// Validate checks state-pipeline invariants.
func (s *StateConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.DatabasePath == "" {
		return fmt.Errorf("state.database_path must not be empty when state is enabled")
	}
	if s.Decision.Model == "" {
		return fmt.Errorf("state.decision.model must not be empty when state is enabled")
	}
	if s.Decision.MaxJSONRetries < 0 {
		return fmt.Errorf("state.decision.max_json_retries must not be negative")
	}
	if s.Decision.MinConfidence < 0 || s.Decision.MinConfidence > 1 {
		return fmt.Errorf("state.decision.min_confidence must be in [0,1]")
	}
	switch s.Decision.OnFailure {
	case "", "footer_warning", "skip_writes":
	default:
		return fmt.Errorf("state.decision.on_failure %q is not supported", s.Decision.OnFailure)
	}
	switch s.UserScope.Policy {
	case "per_user", "single":
	default:
		return fmt.Errorf("state.user_scope.policy must be per_user or single, got %q", s.UserScope.Policy)
	}
	if s.UserScope.AnonymousUserKey == "" {
		return fmt.Errorf("state.user_scope.anonymous_user_key must not be empty")
	}
	if s.Semantic.Enabled && s.Semantic.MaxCandidates <= 0 {
		return fmt.Errorf("state.semantic.max_candidates must be positive when semantic retrieval is enabled")
	}
	if s.Projection.Enabled && s.Projection.Directory == "" {
		return fmt.Errorf("state.projection.directory must not be empty when projection is enabled")
	}
	return nil
}
