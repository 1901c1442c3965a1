// Package memory curates durable memory cards. Each accepted memory write
// is checked against the user's existing cards in the same domain so a
// recurring fact reinforces one card instead of accumulating near-duplicates.
// Arbitration is semantic: embedding search shortlists candidate cards and a
// verifier model decides merge-versus-new. When that machinery fails the
// curator degrades to an unverified insert, accepting duplication risk over
// losing the fact.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"concierge/internal/config"
	"concierge/internal/gateway"
	"concierge/internal/logging"
	"concierge/internal/store"
)

// evidenceExcerptLimit caps the user-text excerpt stored alongside a card.
const evidenceExcerptLimit = 512

// Completer is the single-call surface the curator needs from a model
// client.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (*gateway.Completion, error)
}

// Write is one memory write accepted by the decision engine, ready for
// curation.
type Write struct {
	Domain        string
	Memory        string
	Confidence    float64
	RequestHash   string
	SourceExcerpt string

	// Now stamps narrative lines; zero means current UTC time.
	Now time.Time
}

// Outcome reports what curation did with a write.
type Outcome struct {
	// Action is "insert" or "merge".
	Action string
	CardID int64
	Slug   string
	Domain string

	// Unverified is set when the card was stored without verifier
	// arbitration because embedding or the verifier model failed.
	Unverified bool
}

// Curator decides whether each new memory becomes its own card or folds
// into an existing one.
type Curator struct {
	client Completer
	store  *store.Store
	cfg    config.StateConfig
	model  string
}

// NewCurator builds a curator. The verifier model falls back to the
// decision model when none is configured.
func NewCurator(client Completer, st *store.Store, cfg config.StateConfig) *Curator {
	model := strings.TrimSpace(cfg.Memory.VerifierModel)
	if model == "" {
		model = cfg.Decision.Model
	}
	return &Curator{client: client, store: st, cfg: cfg, model: model}
}

// Curate records one memory write for a user, merging into an existing card
// when the verifier model judges the new memory to be the same recurring
// fact. The stored text and the embedded text are identical: both are the
// memory truncated to the configured summary length.
func (c *Curator) Curate(ctx context.Context, userID int64, w Write) (*Outcome, error) {
	text := truncateRunes(strings.TrimSpace(w.Memory), c.cfg.Memory.MaxSummaryChars)
	if text == "" {
		return nil, fmt.Errorf("memory text is required")
	}
	at := w.Now
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if !c.cfg.Semantic.Enabled {
		return c.insert(userID, w, text, at, false)
	}

	recent, err := c.store.MemoryCardsByDomain(userID, w.Domain, c.cfg.Semantic.MaxCandidates)
	if err != nil {
		logging.Get(logging.CategoryMemory).Warn("Candidate lookup failed for user %d domain %s: %v", userID, w.Domain, err)
		return c.insert(userID, w, text, at, true)
	}
	if len(recent) == 0 {
		// First memory in this domain; nothing to merge into.
		return c.insert(userID, w, text, at, false)
	}

	shortlist, degraded := c.shortlist(ctx, userID, w.Domain, embedText(text), recent)
	if degraded {
		return c.insert(userID, w, text, at, true)
	}

	target, verified := c.verify(ctx, w.Domain, text, shortlist)
	if !verified {
		return c.insert(userID, w, text, at, true)
	}
	if target != nil {
		return c.merge(ctx, target, w, text, at)
	}
	return c.insert(userID, w, text, at, false)
}

// embedText is the canonical embedding input for a card, shared by curation
// queries and post-write vector sync.
func embedText(memory string) string {
	return "memory: " + memory
}

// shortlist gathers merge candidates: semantic neighbours first, then the
// domain's most recent cards, deduped by slug and bounded by the candidate
// limit. A true second return means embedding failed and curation should
// degrade.
func (c *Curator) shortlist(ctx context.Context, userID int64, domain, query string, recent []*store.MemoryCard) ([]*store.MemoryCard, bool) {
	var cards []*store.MemoryCard
	seen := make(map[string]bool)

	if c.store.EmbeddingEngine() != nil {
		neighbours, err := c.store.SemanticMemoryCandidates(
			ctx, userID, domain, query,
			c.cfg.Semantic.MaxCandidates, c.cfg.Semantic.MaxDistance,
		)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("Semantic candidate search failed for user %d domain %s: %v", userID, domain, err)
			return nil, true
		}
		for i := range neighbours {
			card := neighbours[i].Card
			if card.Slug == "" || seen[card.Slug] {
				continue
			}
			seen[card.Slug] = true
			cards = append(cards, &card)
		}
	}

	for _, card := range recent {
		if card.Slug == "" || seen[card.Slug] {
			continue
		}
		seen[card.Slug] = true
		cards = append(cards, card)
	}

	if limit := c.cfg.Semantic.MaxCandidates; limit > 0 && len(cards) > limit {
		cards = cards[:limit]
	}
	return cards, false
}

const verifierSystemPrompt = `You decide whether a new memory should MERGE into an existing memory card.
Output EXACTLY one JSON object and nothing else.
Schema:
{"action":"merge|new","target_slug":"<slug when action=merge, else empty string>","reason":"<short reason>","confidence":<number 0..1>}
Rules:
- Use action=merge only when semantic meaning is effectively the same recurring memory.
- If candidate is related but not equivalent, choose action=new.
- If unsure, choose action=new.
`

// verify asks the verifier model whether the new memory merges into one of
// the shortlisted cards. It returns the merge target (nil means a fresh
// card) and whether the verifier actually answered; retries are bounded and
// exhaustion counts as a failed verification.
func (c *Curator) verify(ctx context.Context, domain, memory string, shortlist []*store.MemoryCard) (*store.MemoryCard, bool) {
	if len(shortlist) == 0 {
		return nil, true
	}

	bySlug := make(map[string]*store.MemoryCard, len(shortlist))
	var lines []string
	budget := c.cfg.Memory.MaxExistingChars
	used := 0
	for _, card := range shortlist {
		line := fmt.Sprintf("- slug=%s | memory=%s", card.Slug, card.Memory)
		if budget > 0 && used > 0 && used+len(line) > budget {
			break
		}
		used += len(line)
		lines = append(lines, line)
		bySlug[card.Slug] = card
	}
	candidateBlock := strings.Join(lines, "\n")

	maxAttempts := 1 + c.cfg.Decision.MaxJSONRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	retryFeedback := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		payload := fmt.Sprintf("domain=%s\nnew_memory:\n%s\n\ncandidate_memories:\n%s\n", domain, embedText(memory), candidateBlock)
		if retryFeedback != "" {
			payload += "\nretry_feedback:\n" + retryFeedback + "\n"
		}

		completion, err := c.client.Complete(ctx, gateway.Request{
			Model:       c.model,
			System:      verifierSystemPrompt,
			Messages:    gateway.UserOnly(payload),
			Temperature: 0,
		})
		if err != nil {
			kind := gateway.KindOf(err)
			logging.Get(logging.CategoryMemory).Warn("Verifier call failed model=%s attempt=%d/%d kind=%s: %v",
				c.model, attempt, maxAttempts, kind, err)
			retryFeedback = fmt.Sprintf("model failure %s; output strict JSON schema.", kind)
			continue
		}

		response := extractJSON(completion.Text)
		if response == nil {
			retryFeedback = "previous output was not valid JSON."
			continue
		}
		action := strings.ToLower(stringField(response, "action"))
		targetSlug := stringField(response, "target_slug")
		if action == "merge" && targetSlug != "" {
			if card, ok := bySlug[targetSlug]; ok {
				logging.MemoryDebug("Verifier chose merge into %s/%s", domain, targetSlug)
				return card, true
			}
			// Slug pointing outside the shortlist is an answer, just a
			// useless one; treat it as new.
			logging.MemoryDebug("Verifier returned unknown slug %q, inserting new card", targetSlug)
			return nil, true
		}
		if action == "new" {
			return nil, true
		}
		retryFeedback = "invalid action/target_slug. use action merge|new and target_slug for merge."
	}

	logging.Get(logging.CategoryMemory).Warn("Verifier exhausted %d attempts for domain %s", maxAttempts, domain)
	return nil, false
}

// merge reinforces an existing card with the new observation.
func (c *Curator) merge(ctx context.Context, card *store.MemoryCard, w Write, text string, at time.Time) (*Outcome, error) {
	line := fmt.Sprintf("- %s: %s", at.Format(time.RFC3339), text)
	if err := c.store.MergeMemoryCard(card.ID, text, line, w.Confidence); err != nil {
		return nil, fmt.Errorf("failed to merge memory card %s: %w", card.Slug, err)
	}
	c.recordEvidence(card.ID, card.UserID, w)
	c.syncVector(ctx, card.ID, text)

	logging.Memory("Merged memory into %s/%s for user %d", card.Domain, card.Slug, card.UserID)
	return &Outcome{
		Action: "merge",
		CardID: card.ID,
		Slug:   card.Slug,
		Domain: card.Domain,
	}, nil
}

// insert stores the memory as its own card. When the derived slug already
// exists for this user the write folds into that card instead, so repeated
// phrasings of the same fact stay on one card even without the verifier.
func (c *Curator) insert(ctx context.Context, userID int64, w Write, text string, at time.Time, unverified bool) (*Outcome, error) {
	slug := slugify(text)
	existing, err := c.store.GetMemoryCardBySlug(userID, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to check memory slug %s: %w", slug, err)
	}
	if existing != nil {
		out, err := c.merge(ctx, existing, w, text, at)
		if err != nil {
			return nil, err
		}
		out.Unverified = unverified
		return out, nil
	}

	card := &store.MemoryCard{
		UserID:     userID,
		Slug:       slug,
		Domain:     w.Domain,
		Memory:     text,
		Narrative:  fmt.Sprintf("- %s: %s", at.Format(time.RFC3339), text),
		Confidence: w.Confidence,
	}
	if unverified {
		card.Status = store.MemoryStatusUnverified
	}
	id, err := c.store.InsertMemoryCard(card)
	if err != nil {
		return nil, fmt.Errorf("failed to insert memory card: %w", err)
	}
	c.recordEvidence(id, userID, w)
	c.syncVector(ctx, id, text)

	logging.Memory("Inserted memory card %s/%s for user %d (unverified=%t)", w.Domain, slug, userID, unverified)
	return &Outcome{
		Action:     "insert",
		CardID:     id,
		Slug:       slug,
		Domain:     w.Domain,
		Unverified: unverified,
	}, nil
}

// recordEvidence attaches the source excerpt to the card. Evidence loss is
// logged rather than failing the write: the card itself is already durable.
func (c *Curator) recordEvidence(cardID, userID int64, w Write) {
	excerpt := truncateRunes(strings.TrimSpace(w.SourceExcerpt), evidenceExcerptLimit)
	if excerpt == "" {
		return
	}
	_, err := c.store.AddMemoryEvidence(&store.MemoryEvidence{
		CardID:      cardID,
		UserID:      userID,
		RequestHash: w.RequestHash,
		Excerpt:     excerpt,
	})
	if err != nil {
		logging.Get(logging.CategoryMemory).Warn("Failed to record evidence for card %d: %v", cardID, err)
	}
}

// syncVector refreshes the card's embedding row after an applied write so
// the next semantic search sees the new text. Failures are logged, never
// fatal.
func (c *Curator) syncVector(ctx context.Context, cardID int64, text string) {
	if !c.cfg.Semantic.Enabled {
		return
	}
	engine := c.store.EmbeddingEngine()
	if engine == nil {
		return
	}
	vec, err := engine.Embed(ctx, embedText(text))
	if err != nil {
		logging.Get(logging.CategoryMemory).Warn("Failed to embed memory card %d: %v", cardID, err)
		return
	}
	if err := c.store.UpsertMemoryVector(cardID, vec); err != nil {
		logging.Get(logging.CategoryMemory).Warn("Failed to sync memory vector for card %d: %v", cardID, err)
	}
}

// slugifyWords caps how much of the memory text feeds the slug.
const slugifyWords = 8

// slugify derives a card slug from the leading words of the memory text.
func slugify(text string) string {
	words := strings.Fields(text)
	if len(words) > slugifyWords {
		words = words[:slugifyWords]
	}
	return store.Slugify(strings.Join(words, " "), "user-memory")
}

// extractJSON pulls the first JSON object out of model output, tolerating
// code fences and surrounding prose. Returns nil when nothing parses.
func extractJSON(text string) map[string]interface{} {
	candidate := strings.TrimSpace(text)
	candidate = strings.Trim(candidate, "`")
	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start == -1 || end <= start {
		return nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(candidate[start:end+1]), &payload); err != nil {
		return nil
	}
	return payload
}

func stringField(payload map[string]interface{}, key string) string {
	value, _ := payload[key].(string)
	return strings.TrimSpace(value)
}

func truncateRunes(text string, max int) string {
	if max <= 0 {
		return strings.TrimSpace(text)
	}
	runes := []rune(text)
	if len(runes) <= max {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(string(runes[:max]))
}
