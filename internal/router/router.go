// Package router classifies each turn into exactly one specialist domain.
// Routing is fail-safe: any model, transport, or parse problem degrades to
// the general domain with a tagged reason, never a turn failure.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"concierge/internal/catalog"
	"concierge/internal/gateway"
	"concierge/internal/logging"
)

// Decision is the routing verdict for one turn.
type Decision struct {
	Domain      string
	Confidence  float64
	Reason      string
	RouterModel string
}

// Completer is the slice of the model gateway the router needs.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (*gateway.Completion, error)
}

// Router picks a specialist domain via a small classification model call.
type Router struct {
	client  Completer
	catalog *catalog.Catalog
	model   string
}

// New creates a router using the given classification model.
func New(client Completer, cat *catalog.Catalog, model string) *Router {
	return &Router{client: client, catalog: cat, model: model}
}

// Route classifies the latest user message. recentDomains (oldest first)
// carries session continuity into the prompt; pass nil for a fresh
// conversation.
func (r *Router) Route(ctx context.Context, userText string, recentDomains []string) Decision {
	text := strings.TrimSpace(userText)
	if text == "" {
		return Decision{Domain: catalog.DomainGeneral, Confidence: 0, Reason: "empty-user-message"}
	}

	completion, err := r.client.Complete(ctx, gateway.Request{
		Model:       r.model,
		System:      r.systemPrompt(recentDomains),
		Messages:    gateway.UserOnly(text),
		Temperature: 0,
	})
	if err != nil {
		kind := gateway.KindOf(err)
		logging.Get(logging.CategoryRouting).Warn("Routing model call failed (%s): %v", kind, err)
		return Decision{
			Domain:     catalog.DomainGeneral,
			Confidence: 0,
			Reason:     fmt.Sprintf("router-error:%s", kind),
		}
	}

	payload := extractJSONObject(completion.Text)
	domain := catalog.NormalizeDomain(stringField(payload, "specialist"))
	if domain == "" {
		// Non-JSON or unrecognized output: scan the raw text, where the
		// first valid domain token wins.
		if domain = catalog.NormalizeDomain(completion.Text); domain == "" {
			logging.Get(logging.CategoryRouting).Warn("Routing model returned invalid specialist %q; using general", stringField(payload, "specialist"))
			return Decision{
				Domain:      catalog.DomainGeneral,
				Confidence:  0,
				Reason:      "invalid-specialist",
				RouterModel: completion.Model,
			}
		}
		logging.RoutingDebug("Recovered domain=%s from ambiguous router output", domain)
		return Decision{
			Domain:      domain,
			Confidence:  clamp01(floatField(payload, "confidence")),
			Reason:      "first-valid-token",
			RouterModel: completion.Model,
		}
	}

	confidence := clamp01(floatField(payload, "confidence"))
	reason := strings.TrimSpace(stringField(payload, "reason"))

	logging.RoutingDebug("Routed domain=%s confidence=%.2f reason=%q model=%s", domain, confidence, reason, completion.Model)
	return Decision{
		Domain:      domain,
		Confidence:  confidence,
		Reason:      reason,
		RouterModel: completion.Model,
	}
}

// systemPrompt assembles the classification instructions: the catalog's
// routing preamble, the hard JSON contract, the allowed domains with their
// hints, and the continuity instruction when the session has history.
func (r *Router) systemPrompt(recentDomains []string) string {
	var b strings.Builder
	b.WriteString(r.catalog.RouterPrompt())
	b.WriteString("\n\n")
	b.WriteString("Choose exactly ONE specialist for the latest user message.\n")
	b.WriteString("Always respond with ONLY a single JSON object and nothing else.\n")
	b.WriteString("Do not include markdown, code fences, commentary, or extra keys.\n")
	b.WriteString("JSON schema:\n")
	b.WriteString(`{"specialist":"<one of allowed domains>","confidence":<float 0..1>,"reason":"<short reason>"}`)
	b.WriteString("\n")
	b.WriteString("If unsure, choose general.\n")
	b.WriteString("Allowed specialists:\n")
	for _, spec := range r.catalog.Specialists() {
		b.WriteString("- ")
		b.WriteString(spec.Domain)
		b.WriteString(": ")
		b.WriteString(spec.RoutingHint)
		b.WriteString("\n")
	}

	if len(recentDomains) > 0 {
		b.WriteString("Recent specialists for this conversation (oldest first): ")
		b.WriteString(strings.Join(recentDomains, ", "))
		b.WriteString(".\n")
		b.WriteString("Prefer continuity: stay with the most recent specialist unless the latest message clearly belongs to a different domain.\n")
	}
	return b.String()
}

var jsonFenceRE = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSONObject pulls one JSON object out of model output: a fenced
// block wins, then the outermost brace slice. Returns nil when nothing
// parses.
func extractJSONObject(text string) map[string]interface{} {
	candidate := strings.TrimSpace(text)
	if m := jsonFenceRE.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	} else {
		start := strings.Index(candidate, "{")
		end := strings.LastIndex(candidate, "}")
		if start != -1 && end > start {
			candidate = candidate[start : end+1]
		}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return nil
	}
	return payload
}

func stringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// floatField coerces a payload field to float64, tolerating string and
// integer encodings the way routing models actually emit them.
func floatField(payload map[string]interface{}, key string) float64 {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
