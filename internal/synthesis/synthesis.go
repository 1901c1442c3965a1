// Package synthesis turns a routed turn into the specialist's answer: it
// assembles the system prompt (specialist prompt, timestamp line, state
// context), sanitizes conversation history, calls the specialist's model,
// and renders the attribution prefix.
package synthesis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"concierge/internal/catalog"
	"concierge/internal/config"
	"concierge/internal/gateway"
	"concierge/internal/logging"
)

// Completer is the gateway surface the synthesizer needs: a completion
// with model fallbacks.
type Completer interface {
	CompleteWithFallbacks(ctx context.Context, req gateway.Request, fallbacks []string) (*gateway.Completion, error)
}

// Request is one synthesis job.
type Request struct {
	Domain string

	// History is the inbound conversation, oldest first. It is sanitized
	// before the model sees it.
	History []gateway.Message

	// StateContext is the rendered per-user state snapshot, or "" when
	// stateful mode is off or the user has no state yet.
	StateContext string
}

// Result is the specialist's answer plus its presentation pieces.
type Result struct {
	// Answer is the raw specialist output, without attribution or footer.
	Answer string

	// Attribution is the italic prefix (with trailing blank line), or "".
	Attribution string

	// Model is the model that produced the answer.
	Model string

	// Domain echoes the routed domain.
	Domain string
}

// Synthesizer generates specialist answers.
type Synthesizer struct {
	client    Completer
	catalog   *catalog.Catalog
	api       config.APIConfig
	runtime   config.RuntimeConfig
	fallbacks []string
	now       func() time.Time
}

// New creates a synthesizer. fallbacks lists models to try when the
// specialist's model fails.
func New(client Completer, cat *catalog.Catalog, api config.APIConfig, runtime config.RuntimeConfig, fallbacks []string) *Synthesizer {
	return &Synthesizer{
		client:    client,
		catalog:   cat,
		api:       api,
		runtime:   runtime,
		fallbacks: fallbacks,
		now:       time.Now,
	}
}

// Synthesize produces the answer for a routed turn. A failure here is the
// one turn-fatal error in the pipeline.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*Result, error) {
	spec, err := s.catalog.Specialist(req.Domain)
	if err != nil {
		// Startup validation makes this unreachable; guard anyway.
		return nil, fmt.Errorf("synthesis for unknown domain: %w", err)
	}

	timer := logging.StartTimer(logging.CategorySynthesis, "Synthesize")
	defer timer.Stop()

	completion, err := s.client.CompleteWithFallbacks(ctx, gateway.Request{
		Model:       spec.Model,
		System:      s.systemPrompt(spec, req.StateContext),
		Messages:    SanitizeHistory(req.History),
		Temperature: 0.7,
	}, s.fallbacks)
	if err != nil {
		return nil, fmt.Errorf("specialist answer failed (domain=%s model=%s): %w", spec.Domain, spec.Model, err)
	}

	answer := strings.TrimSpace(completion.Text)
	if answer == "" {
		return nil, fmt.Errorf("specialist returned empty answer (domain=%s model=%s)", spec.Domain, completion.Model)
	}

	logging.SynthesisDebug("Synthesized answer domain=%s model=%s chars=%d", spec.Domain, completion.Model, len(answer))
	return &Result{
		Answer:      answer,
		Attribution: Attribution(s.api.Attribution, spec, completion.Model),
		Model:       completion.Model,
		Domain:      spec.Domain,
	}, nil
}

// systemPrompt assembles timestamp line, specialist prompt, and the
// per-user state context, separated by blank lines.
func (s *Synthesizer) systemPrompt(spec catalog.Specialist, stateContext string) string {
	var parts []string
	if s.runtime.InjectCurrentTimestamp {
		parts = append(parts, s.runtime.TimestampContextLine(s.now()))
	}
	parts = append(parts, s.catalog.Prompt(spec.Domain))
	if trimmed := strings.TrimSpace(stateContext); trimmed != "" {
		parts = append(parts, trimmed)
	}
	return strings.Join(parts, "\n\n")
}
