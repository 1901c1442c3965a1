// Package gateway provides chat completion clients for the upstream model
// providers. Every model call in the pipeline (routing, synthesis, decisions,
// memory verification) goes through a Client so callers never touch provider
// wire formats.
package gateway

import "context"

// Role values used in conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation context.
type Message struct {
	Role    string
	Content string
}

// Request is a completion request against a specific model. System is kept
// separate from Messages because providers carry system prompts differently.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Completion is the text result of a model call.
type Completion struct {
	Text         string
	Model        string
	PromptTokens int
	OutputTokens int
}

// Client completes chat requests against one provider.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Provider() string
}

// UserOnly builds the single-message conversation used by internal stages
// (routing, decisions) that never carry history.
func UserOnly(content string) []Message {
	return []Message{{Role: RoleUser, Content: content}}
}
