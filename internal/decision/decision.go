// Package decision turns one finished exchange into a structured verdict
// about durable state: should this turn append a check-in, a journal entry,
// a memory card, some of them, or nothing. The verdict comes from a model
// held to a strict JSON contract with bounded corrective retries, then gets
// re-checked mechanically: every surviving block must quote the user's own
// words. A decision failure is never a turn failure.
package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"concierge/internal/catalog"
	"concierge/internal/config"
	"concierge/internal/gateway"
	"concierge/internal/logging"
	"concierge/internal/store"
)

// CheckinBlock is one proposed check-in write: a progress event appended to
// a goal, habit, or system track.
type CheckinBlock struct {
	Domain      string
	TrackType   string
	Title       string
	Summary     string
	Outcome     string
	Confidence  float64
	Wins        []string
	Barriers    []string
	NextActions []string
	Tags        []string
	Mood        string
	Evidence    string
}

// JournalBlock is one proposed journal entry.
type JournalBlock struct {
	EntryTS     time.Time
	Title       string
	BodyMD      string
	DomainHints []string
	Evidence    string
}

// MemoryBlock is one proposed durable memory.
type MemoryBlock struct {
	Domain   string
	Memory   string
	Evidence string
}

// Decision is the engine's verdict for one turn. A nil channel block means
// no write on that channel; the per-channel reasons record why either way.
type Decision struct {
	Checkin *CheckinBlock
	Journal *JournalBlock
	Memory  *MemoryBlock

	CheckinReason string
	JournalReason string
	MemoryReason  string

	// Reason is the model's overall rationale, extended with filter tags
	// when grounding guards drop blocks after the fact.
	Reason string

	// Confidence is the model's overall decision confidence in [0,1].
	Confidence float64

	// SchemaValid reports whether a model response passed the JSON
	// contract. False only on failure decisions.
	SchemaValid bool

	SourceModel string

	// IsFailure marks a decision produced by exhausting every attempt.
	// The turn still answers; the footer carries a warning instead.
	IsFailure bool
}

// HasWrites reports whether any channel survived with a write.
func (d *Decision) HasWrites() bool {
	return d != nil && (d.Checkin != nil || d.Journal != nil || d.Memory != nil)
}

// Completer is the slice of the model gateway the engine needs.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (*gateway.Completion, error)
}

// Request carries one finished exchange into Decide.
type Request struct {
	UserText      string
	AssistantText string
	RoutedDomain  string

	// Context is the user's current state snapshot; nil is treated as a
	// fresh user with no history.
	Context *store.ContextSnapshot

	// Now stamps journal entries. Zero means time.Now in UTC.
	Now time.Time
}

// Engine extracts write decisions from finished exchanges.
type Engine struct {
	client Completer
	cfg    config.StateConfig
	model  string
}

// New creates a decision engine. fallbackModel is used when no dedicated
// decision model is configured.
func New(client Completer, cfg config.StateConfig, fallbackModel string) *Engine {
	model := strings.TrimSpace(cfg.Decision.Model)
	if model == "" {
		model = fallbackModel
	}
	return &Engine{client: client, cfg: cfg, model: model}
}

// Decide asks the decision model for a schema-valid verdict, retrying with
// corrective feedback up to the configured bound, then normalizes and
// grounds the result. The returned decision is never nil.
func (e *Engine) Decide(ctx context.Context, req Request) *Decision {
	timer := logging.StartTimer(logging.CategoryDecision, "Decide")
	defer timer.Stop()

	userText := strings.TrimSpace(req.UserText)
	if userText == "" {
		return &Decision{
			Reason:        "empty-user-text",
			CheckinReason: "empty user text",
			JournalReason: "empty user text",
			MemoryReason:  "empty user text",
			SchemaValid:   true,
		}
	}

	trimmedUser := truncateRunes(userText, e.cfg.Decision.MaxUserChars)
	trimmedAssistant := truncateRunes(strings.TrimSpace(req.AssistantText), e.cfg.Decision.MaxAssistantChars)
	contextBlock := renderContext(req.Context)
	maxAttempts := 1 + e.cfg.Decision.MaxJSONRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	retryFeedback := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		completion, err := e.client.Complete(ctx, gateway.Request{
			Model:       e.model,
			System:      systemPrompt,
			Messages:    gateway.UserOnly(e.userPayload(req.RoutedDomain, trimmedUser, trimmedAssistant, contextBlock, retryFeedback)),
			Temperature: 0,
		})
		if err != nil {
			kind := gateway.KindOf(err)
			logging.Get(logging.CategoryDecision).Warn("Decision model call failed model=%s attempt=%d/%d kind=%s: %v",
				e.model, attempt, maxAttempts, kind, err)
			retryFeedback = fmt.Sprintf("Model call failed with %s. Return ONLY strict JSON matching the schema.", kind)
			continue
		}

		payload := extractJSONObject(completion.Text)
		if payload == nil {
			logging.DecisionDebug("Attempt %d/%d returned unparseable output (%d chars)", attempt, maxAttempts, len(completion.Text))
			retryFeedback = "Previous output was not parseable as a JSON object. Return ONLY valid JSON and no markdown/code fences."
			continue
		}
		if problem := shapeProblem(payload); problem != "" {
			logging.DecisionDebug("Attempt %d/%d violated schema: %s", attempt, maxAttempts, problem)
			retryFeedback = "Previous JSON did not match required schema keys/types (" + problem + "). " +
				"Include top-level keys checkin, journal, memory, reason; and each channel must include boolean write."
			continue
		}

		d := e.normalize(payload, req.RoutedDomain, userText, now, completion.Model)
		e.applyGuards(d, userText)
		logging.Decision("Decision ready checkin=%t journal=%t memory=%t confidence=%.2f reason=%q",
			d.Checkin != nil, d.Journal != nil, d.Memory != nil, d.Confidence, d.Reason)
		return d
	}

	logging.Get(logging.CategoryDecision).Warn("Decision model produced no valid decision after %d attempt(s)", maxAttempts)
	return &Decision{
		Reason:        "state-model-unavailable",
		CheckinReason: "state decision model unavailable",
		JournalReason: "state decision model unavailable",
		MemoryReason:  "state decision model unavailable",
		IsFailure:     true,
	}
}

// systemPrompt is the fixed decision contract. It is deliberately rigid:
// the retry loop depends on the model knowing exactly what shape failed.
const systemPrompt = `You are the concierge state decision engine.
Task: Decide whether to write a check-in, journal entry, and/or memory for the current user turn.
You must be conservative, facts-only, and grounded in user text.
Output requirements (MANDATORY):
- Output EXACTLY one JSON object.
- No markdown. No code fences. No commentary.
- Do not add extra top-level keys.
Top-level schema (all keys required):
{
  "checkin": {
    "write": boolean,
    "domain": string,
    "track_type": "goal|habit|system",
    "title": string,
    "summary": string,
    "outcome": "win|partial|miss|note",
    "wins": string[],
    "barriers": string[],
    "next_actions": string[],
    "tags": string[],
    "mood": string,
    "evidence": string,
    "reason": string
  },
  "journal": {
    "write": boolean,
    "title": string,
    "body_md": string,
    "domain_hints": string[],
    "evidence": string,
    "reason": string
  },
  "memory": {
    "write": boolean,
    "domain": string,
    "memory": string,
    "evidence": string,
    "reason": string
  },
  "confidence": number,
  "reason": string
}
Policy:
- One message may trigger 0-3 writes.
- Facts only: never invent details that are not in user text.
- Never persist assistant advice as fact unless user explicitly confirms it.
- For each write=true block, evidence must be an exact quote from user_text.
- If uncertain, set write=false (especially for memory).
- Memory text must be self-contained and explicit; no vague pronouns.
- If latest user text conflicts with an existing durable memory, produce updated memory text (do not add contradictory fact).
- Ignore sarcasm/jokes/non-literal claims for memory unless user explicitly confirms literal intent.
- For EACH channel, include a short reason (<=12 words) for why write is true/false.
- Set confidence to your overall decision confidence in [0,1].
Triage ladder:
1) Memory: durable preferences, recurring patterns, long-term facts/commitments.
2) Check-in: ongoing goal/habit/system plus progress/barrier/accountability/coaching signal.
3) Journal: user explicitly asks to journal/log the day, or offers a dated reflection to keep.
Canonical positive examples:
- 'I am lactose intolerant.' -> memory only.
- 'Fat-loss check-in: this week I trained 4 times ... keep me on the plan.' -> check-in only.
- 'Journal this: today I finally presented the homelab migration and it went well.' -> journal only.
- 'For months I have been eating sweets late at night; track this weekly.' -> memory + check-in.
- 'Today I decided to quit smoking for good; day 1, I want daily coaching.' -> memory + check-in.
Canonical negative examples:
- 'Today I planted 3 raspberry bushes, 2 currant bushes, and a cherry tree.' -> no state writes.
- 'How should I prune currant bushes?' -> no state writes.
- If channel is not justified, set write=false and use empty strings/lists.
- Keep titles concise and stable.
- Keep reason short and specific.
`

// userPayload assembles the per-turn sections the model decides from.
func (e *Engine) userPayload(routedDomain, user, assistant, contextBlock, retryFeedback string) string {
	sections := []string{
		"routed_domain=" + routedDomain,
		"user_text:",
		user,
		"",
		"assistant_text:",
		assistant,
		"",
		"context:",
		contextBlock,
	}
	if f := strings.TrimSpace(retryFeedback); f != "" {
		sections = append(sections, "", "retry_feedback:", f)
	}
	return strings.TrimSpace(strings.Join(sections, "\n")) + "\n"
}

// renderContext summarizes the user's current state for the decision
// prompt: active tracks, recent check-ins, recent memory cards.
func renderContext(snap *store.ContextSnapshot) string {
	if snap == nil {
		return "none"
	}
	var lines []string
	if len(snap.Tracks) > 0 {
		lines = append(lines, "active_tracks:")
		for _, t := range snap.Tracks {
			lines = append(lines, fmt.Sprintf("- %s: %s (domain=%s status=%s)", t.Slug, t.Title, t.Domain, t.Status))
		}
	}
	if len(snap.RecentCheckins) > 0 {
		lines = append(lines, "recent_checkins:")
		for _, c := range snap.RecentCheckins {
			lines = append(lines, fmt.Sprintf("- %s @ %s: %s", c.TrackSlug, c.EntryTS.Format(time.RFC3339), c.Summary))
		}
	}
	if len(snap.MemoryCards) > 0 {
		lines = append(lines, "recent_memory_cards:")
		for _, m := range snap.MemoryCards {
			lines = append(lines, fmt.Sprintf("- %s/%s: %s", m.Domain, m.Slug, m.Memory))
		}
	}
	if len(lines) == 0 {
		return "none"
	}
	return strings.Join(lines, "\n")
}

// shapeProblem validates the JSON contract and names the first violation,
// or returns "" when the payload is acceptable. The violation text feeds
// the retry prompt.
func shapeProblem(payload map[string]interface{}) string {
	for _, key := range []string{"checkin", "journal", "memory", "reason"} {
		if _, ok := payload[key]; !ok {
			return "missing top-level key " + key
		}
	}
	if _, ok := payload["reason"].(string); !ok {
		return "top-level reason must be a string"
	}

	channelFields := map[string][]string{
		"checkin": {"domain", "track_type", "title", "summary", "outcome", "evidence"},
		"journal": {"title", "body_md", "evidence"},
		"memory":  {"domain", "memory", "evidence"},
	}
	for _, name := range []string{"checkin", "journal", "memory"} {
		block, ok := payload[name].(map[string]interface{})
		if !ok {
			return name + " must be an object"
		}
		write, ok := block["write"].(bool)
		if !ok {
			return name + ".write must be a boolean"
		}
		reason, ok := block["reason"].(string)
		if !ok || strings.TrimSpace(reason) == "" {
			return name + ".reason must be a non-empty string"
		}
		if !write {
			continue
		}
		for _, field := range channelFields[name] {
			if _, ok := block[field].(string); !ok {
				return fmt.Sprintf("%s.%s must be a string when write=true", name, field)
			}
		}
	}
	return ""
}

// normalize converts an accepted payload into a Decision, filling gaps with
// derivations from the user's own text and coercing enums to their
// defaults. Per-channel config disables are applied here.
func (e *Engine) normalize(payload map[string]interface{}, routedDomain, userText string, now time.Time, sourceModel string) *Decision {
	d := &Decision{
		Reason:      compactReason(stringField(payload, "reason")),
		SchemaValid: true,
		SourceModel: sourceModel,
	}
	if d.Reason == "" {
		d.Reason = "state-model"
	}
	if _, ok := payload["confidence"]; ok {
		d.Confidence = clamp01(floatField(payload, "confidence"))
	}

	checkinBlock, _ := payload["checkin"].(map[string]interface{})
	d.CheckinReason = compactReason(stringField(checkinBlock, "reason"))
	switch {
	case !e.cfg.Checkin.Enabled:
		d.CheckinReason = "check-in channel disabled by config"
	case boolField(checkinBlock, "write"):
		d.Checkin = e.normalizeCheckin(checkinBlock, routedDomain, userText)
	}
	if d.CheckinReason == "" {
		d.CheckinReason = "missing check-in reason from state decision model"
	}

	journalBlock, _ := payload["journal"].(map[string]interface{})
	d.JournalReason = compactReason(stringField(journalBlock, "reason"))
	switch {
	case !e.cfg.Journal.Enabled:
		d.JournalReason = "journal channel disabled by config"
	case boolField(journalBlock, "write"):
		d.Journal = normalizeJournal(journalBlock, userText, now)
	}
	if d.JournalReason == "" {
		d.JournalReason = "missing journal reason from state decision model"
	}

	memoryBlock, _ := payload["memory"].(map[string]interface{})
	d.MemoryReason = compactReason(stringField(memoryBlock, "reason"))
	switch {
	case !e.cfg.Memory.Enabled:
		d.MemoryReason = "memory channel disabled by config"
	case boolField(memoryBlock, "write"):
		d.Memory = normalizeMemory(memoryBlock, routedDomain, userText)
	}
	if d.MemoryReason == "" {
		d.MemoryReason = "missing memory reason from state decision model"
	}

	return d
}

func (e *Engine) normalizeCheckin(block map[string]interface{}, routedDomain, userText string) *CheckinBlock {
	domain := catalog.NormalizeDomain(stringField(block, "domain"))
	if domain == "" {
		domain = routedDomain
	}
	title := strings.TrimSpace(stringField(block, "title"))
	if title == "" {
		title = defaultTitleFromText(userText)
	}
	summary := strings.TrimSpace(stringField(block, "summary"))
	if summary == "" {
		summary = firstWords(userText, 14)
		if summary == "" {
			summary = "Check-in update."
		}
	}
	outcome := strings.ToLower(strings.TrimSpace(stringField(block, "outcome")))
	switch outcome {
	case "win", "partial", "miss", "note":
	default:
		outcome = "note"
	}
	trackType := strings.ToLower(strings.TrimSpace(stringField(block, "track_type")))
	switch trackType {
	case "goal", "habit", "system":
	default:
		trackType = "goal"
	}

	confidence := 0.0
	if _, ok := block["confidence"]; ok {
		confidence = clamp01(floatField(block, "confidence"))
	}

	return &CheckinBlock{
		Domain:      domain,
		TrackType:   trackType,
		Title:       title,
		Summary:     summary,
		Outcome:     outcome,
		Confidence:  confidence,
		Wins:        normalizeItems(block["wins"], e.cfg.Checkin.MaxWins),
		Barriers:    normalizeItems(block["barriers"], e.cfg.Checkin.MaxBarriers),
		NextActions: normalizeItems(block["next_actions"], e.cfg.Checkin.MaxNextActions),
		Tags:        normalizeItems(block["tags"], maxTags),
		Mood:        strings.TrimSpace(stringField(block, "mood")),
		Evidence:    strings.TrimSpace(stringField(block, "evidence")),
	}
}

func normalizeJournal(block map[string]interface{}, userText string, now time.Time) *JournalBlock {
	title := strings.TrimSpace(stringField(block, "title"))
	if title == "" {
		title = defaultTitleFromText(userText)
	}
	body := strings.TrimSpace(stringField(block, "body_md"))
	if body == "" {
		body = strings.TrimSpace(userText)
	}

	var hints []string
	for _, raw := range normalizeItems(block["domain_hints"], maxDomainHints) {
		if domain := catalog.NormalizeDomain(raw); domain != "" {
			hints = append(hints, domain)
		}
	}

	return &JournalBlock{
		EntryTS:     now,
		Title:       title,
		BodyMD:      body,
		DomainHints: hints,
		Evidence:    strings.TrimSpace(stringField(block, "evidence")),
	}
}

func normalizeMemory(block map[string]interface{}, routedDomain, userText string) *MemoryBlock {
	domain := catalog.NormalizeDomain(stringField(block, "domain"))
	if domain == "" {
		domain = routedDomain
	}
	memory := strings.TrimSpace(stringField(block, "memory"))
	if memory == "" {
		memory = firstWords(userText, 16)
		if memory == "" {
			memory = strings.TrimSpace(userText)
		}
	}
	return &MemoryBlock{
		Domain:   domain,
		Memory:   memory,
		Evidence: strings.TrimSpace(stringField(block, "evidence")),
	}
}

const (
	maxTags        = 8
	maxDomainHints = 4
)
