// Package catalog defines the fixed specialist domain set and serves each
// specialist's model, display name, and system prompt. Prompt bodies live in
// a prompts directory and are cached with mtime-based invalidation so edits
// land without a restart.
package catalog

import (
	"strings"
)

// Specialist domains. The set is fixed: routing, synthesis, and state
// capture all assume exactly these six.
const (
	DomainGeneral             = "general"
	DomainHealth              = "health"
	DomainParenting           = "parenting"
	DomainRelationships       = "relationships"
	DomainHomelab             = "homelab"
	DomainPersonalDevelopment = "personal_development"
)

// Specialist describes one domain expert: who answers, under what name, and
// with which prompt file.
type Specialist struct {
	Domain      string
	DisplayName string
	RoutingHint string
	Model       string
	PromptFile  string
}

// defaults is the built-in specialist registry, in routing-prompt order.
// Config entries override model, prompt file, and display name per domain.
var defaults = []Specialist{
	{
		Domain:      DomainGeneral,
		DisplayName: "General",
		RoutingHint: "everyday questions, small talk, and anything not clearly owned by another specialist",
		PromptFile:  "general.md",
	},
	{
		Domain:      DomainHealth,
		DisplayName: "Health & Fitness",
		RoutingHint: "workouts, nutrition, sleep, symptoms, and wellness habits",
		PromptFile:  "health.md",
	},
	{
		Domain:      DomainParenting,
		DisplayName: "Parenting",
		RoutingHint: "children, family routines, school, and child development",
		PromptFile:  "parenting.md",
	},
	{
		Domain:      DomainRelationships,
		DisplayName: "Relationships",
		RoutingHint: "partners, friendships, family dynamics, communication, and conflict",
		PromptFile:  "relationships.md",
	},
	{
		Domain:      DomainHomelab,
		DisplayName: "Homelab",
		RoutingHint: "self-hosting, home networking, servers, containers, and smart-home setups",
		PromptFile:  "homelab.md",
	},
	{
		Domain:      DomainPersonalDevelopment,
		DisplayName: "Personal Development",
		RoutingHint: "goals, habits, productivity, accountability, and learning plans",
		PromptFile:  "personal_development.md",
	},
}

// Domains returns the fixed domain set in registry order.
func Domains() []string {
	out := make([]string, len(defaults))
	for i, s := range defaults {
		out[i] = s.Domain
	}
	return out
}

// IsValidDomain reports whether domain names a member of the fixed set.
func IsValidDomain(domain string) bool {
	for _, s := range defaults {
		if s.Domain == domain {
			return true
		}
	}
	return false
}

// domainAliases maps common variants to canonical domain names.
var domainAliases = map[string]string{
	"relationship":         DomainRelationships,
	"home_lab":             DomainHomelab,
	"personal_dev":         DomainPersonalDevelopment,
	"personal_growth":      DomainPersonalDevelopment,
	"self_improvement":     DomainPersonalDevelopment,
	"fitness":              DomainHealth,
	"family":               DomainParenting,
	"default":              DomainGeneral,
	"none":                 DomainGeneral,
	"general_assistant":    DomainGeneral,
	"personal development": DomainPersonalDevelopment,
}

// NormalizeDomain maps raw model output to a canonical domain name. An
// exact or aliased match wins; otherwise the first valid domain token in
// the string wins (handles outputs like "health or parenting"). Returns ""
// when nothing matches.
func NormalizeDomain(raw string) string {
	cleaned := strings.ToLower(strings.TrimSpace(raw))
	cleaned = strings.Trim(cleaned, `"'.,;:!`)
	if cleaned == "" {
		return ""
	}
	candidate := strings.ReplaceAll(strings.ReplaceAll(cleaned, "-", "_"), " ", "_")
	if IsValidDomain(candidate) {
		return candidate
	}
	if alias, ok := domainAliases[candidate]; ok {
		return alias
	}
	if alias, ok := domainAliases[cleaned]; ok {
		return alias
	}

	// Ambiguous output: first valid domain token wins.
	for _, token := range strings.FieldsFunc(cleaned, func(r rune) bool {
		return !(r == '_' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9'))
	}) {
		if IsValidDomain(token) {
			return token
		}
		if alias, ok := domainAliases[token]; ok {
			return alias
		}
	}
	return ""
}
