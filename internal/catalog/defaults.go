package catalog

// Fallback prompt bodies, used when a prompt file is missing, empty, or
// unreadable. They keep the service answering while the operator fixes the
// prompts directory.

const routerFallbackPrompt = "You route each user message to exactly one specialist. " +
	"Judge only the latest message, using the conversation so far for context."

var fallbackPrompts = map[string]string{
	routerPromptKey: routerFallbackPrompt,
	DomainGeneral: "You are a reliable general assistant. Give one coherent answer " +
		"with practical next steps.",
	DomainHealth: "You are the health and fitness specialist. Be practical and " +
		"cautious. Never claim a diagnosis; recommend professional care for " +
		"high-risk symptoms.",
	DomainParenting: "You are the parenting specialist. Give empathetic, " +
		"actionable, age-appropriate guidance.",
	DomainRelationships: "You are the relationships specialist. Support " +
		"respectful communication, boundaries, and practical conflict resolution.",
	DomainHomelab: "You are the homelab specialist. Prefer reliable, " +
		"reproducible, rollback-friendly solutions, and say when a change is risky.",
	DomainPersonalDevelopment: "You are the personal development specialist. " +
		"Help with habits, planning, accountability, and measurable progress.",
}
