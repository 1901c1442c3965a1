package gateway

import (
	"context"
	"strings"
	"time"

	"concierge/internal/config"
	"concierge/internal/logging"
)

// DetectProvider maps a model identifier to its provider. Gemini models are
// recognized by name; everything else goes to the OpenAI-compatible endpoint,
// which also fronts local gateways.
func DetectProvider(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	m = strings.TrimPrefix(m, "models/")
	if strings.HasPrefix(m, "gemini") {
		return "gemini"
	}
	return "openai"
}

// Gateway dispatches completion requests to the right provider client based
// on the requested model.
type Gateway struct {
	openai Client
	gemini Client
}

// New builds a Gateway from provider configuration.
func New(cfg config.ProvidersConfig) *Gateway {
	return &Gateway{
		openai: NewOpenAIClient(
			cfg.OpenAI.APIKey,
			cfg.OpenAI.BaseURL,
			config.ParseTimeout(cfg.OpenAI.Timeout, 2*time.Minute),
		),
		gemini: NewGeminiClient(
			cfg.Gemini.APIKey,
			cfg.Gemini.BaseURL,
			config.ParseTimeout(cfg.Gemini.Timeout, 2*time.Minute),
		),
	}
}

// NewWithClients builds a Gateway from explicit clients. Used in tests.
func NewWithClients(openai, gemini Client) *Gateway {
	return &Gateway{openai: openai, gemini: gemini}
}

// Complete dispatches the request to the provider owning the model. Every
// call is audited with its duration and outcome.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Completion, error) {
	client := g.openai
	if DetectProvider(req.Model) == "gemini" {
		client = g.gemini
	}
	start := time.Now()
	completion, err := client.Complete(ctx, req)
	logging.Audit().ModelCall(req.Model, time.Since(start).Milliseconds(), err)
	return completion, err
}

// Provider returns the dispatching gateway name.
func (g *Gateway) Provider() string {
	return "gateway"
}

// CompleteWithFallbacks tries the request's model first, then each fallback
// model in order. The first success wins; the error from the last attempt is
// returned when everything fails.
func (g *Gateway) CompleteWithFallbacks(ctx context.Context, req Request, fallbacks []string) (*Completion, error) {
	completion, err := g.Complete(ctx, req)
	if err == nil {
		return completion, nil
	}

	for _, fallback := range fallbacks {
		if fallback == "" || fallback == req.Model {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		logging.Gateway("falling back from model=%s to model=%s after %v", req.Model, fallback, err)
		retry := req
		retry.Model = fallback
		completion, err = g.Complete(ctx, retry)
		if err == nil {
			return completion, nil
		}
	}
	return nil, err
}
