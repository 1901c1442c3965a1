package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"concierge/internal/config"
	"concierge/internal/gateway"
	"concierge/internal/store"
)

type stubCompleter struct {
	responses []string
	errs      []error
	calls     int
	payloads  []string
}

func (s *stubCompleter) Complete(ctx context.Context, req gateway.Request) (*gateway.Completion, error) {
	idx := s.calls
	s.calls++
	if len(req.Messages) > 0 {
		s.payloads = append(s.payloads, req.Messages[len(req.Messages)-1].Content)
	}
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	response := ""
	if len(s.responses) > 0 {
		if idx >= len(s.responses) {
			idx = len(s.responses) - 1
		}
		response = s.responses[idx]
	}
	return &gateway.Completion{Text: response, Model: req.Model}, nil
}

type stubEmbedder struct {
	vectors map[string][]float32
	dim     int
	texts   []string
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.texts = append(e.texts, text)
	v, ok := e.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no stub vector for %q", text)
	}
	return v, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *stubEmbedder) Dimensions() int { return e.dim }
func (e *stubEmbedder) Name() string    { return "stub" }

func newTestCurator(t *testing.T, stub *stubCompleter, mutate ...func(*config.StateConfig)) (*Curator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultStateConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	return NewCurator(stub, s, cfg), s
}

func mustEnsureUser(t *testing.T, s *store.Store, key string) *store.User {
	t.Helper()
	u, err := s.EnsureUser(key, "")
	if err != nil {
		t.Fatalf("failed to ensure user: %v", err)
	}
	return u
}

func mustInsertCard(t *testing.T, s *store.Store, userID int64, slug, domain, memory string) int64 {
	t.Helper()
	id, err := s.InsertMemoryCard(&store.MemoryCard{UserID: userID, Slug: slug, Domain: domain, Memory: memory})
	if err != nil {
		t.Fatalf("failed to insert card %s: %v", slug, err)
	}
	return id
}

const verifierNew = `{"action":"new","target_slug":"","reason":"different fact","confidence":0.8}`

func verifierMerge(slug string) string {
	return fmt.Sprintf(`{"action":"merge","target_slug":%q,"reason":"same recurring fact","confidence":0.9}`, slug)
}

func TestCurateFirstMemoryInsertsWithoutVerifier(t *testing.T) {
	stub := &stubCompleter{}
	c, s := newTestCurator(t, stub)
	u := mustEnsureUser(t, s, "alice")

	out, err := c.Curate(context.Background(), u.ID, Write{
		Domain:        "health",
		Memory:        "User is allergic to penicillin",
		Confidence:    0.9,
		RequestHash:   "abc123",
		SourceExcerpt: "I am allergic to penicillin",
	})
	if err != nil {
		t.Fatalf("curate failed: %v", err)
	}
	if out.Action != "insert" {
		t.Errorf("expected insert, got %q", out.Action)
	}
	if out.Unverified {
		t.Error("expected verified insert for first memory")
	}
	if stub.calls != 0 {
		t.Errorf("expected no verifier call without candidates, got %d", stub.calls)
	}

	card, err := s.GetMemoryCard(out.CardID)
	if err != nil || card == nil {
		t.Fatalf("failed to load card: %v", err)
	}
	if card.Status != store.MemoryStatusActive {
		t.Errorf("expected active status, got %q", card.Status)
	}
	if card.Memory != "User is allergic to penicillin" {
		t.Errorf("expected stored memory text, got %q", card.Memory)
	}
	if card.Domain != "health" {
		t.Errorf("expected health domain, got %q", card.Domain)
	}

	evidence, err := s.EvidenceForCard(out.CardID, 5)
	if err != nil {
		t.Fatalf("failed to load evidence: %v", err)
	}
	if len(evidence) != 1 {
		t.Fatalf("expected 1 evidence row, got %d", len(evidence))
	}
	if evidence[0].Excerpt != "I am allergic to penicillin" {
		t.Errorf("expected source excerpt, got %q", evidence[0].Excerpt)
	}
	if evidence[0].RequestHash != "abc123" {
		t.Errorf("expected request hash abc123, got %q", evidence[0].RequestHash)
	}
}

func TestCurateVerifierMergesIntoExistingCard(t *testing.T) {
	stub := &stubCompleter{responses: []string{verifierMerge("drinks-oat-milk")}}
	c, s := newTestCurator(t, stub)
	u := mustEnsureUser(t, s, "bob")
	cardID := mustInsertCard(t, s, u.ID, "drinks-oat-milk", "general", "User drinks oat milk")

	at := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	out, err := c.Curate(context.Background(), u.ID, Write{
		Domain:        "general",
		Memory:        "User always takes oat milk in coffee",
		Confidence:    0.85,
		SourceExcerpt: "always oat milk in my coffee please",
		Now:           at,
	})
	if err != nil {
		t.Fatalf("curate failed: %v", err)
	}
	if out.Action != "merge" {
		t.Errorf("expected merge, got %q", out.Action)
	}
	if out.CardID != cardID {
		t.Errorf("expected merge into card %d, got %d", cardID, out.CardID)
	}
	if out.Slug != "drinks-oat-milk" {
		t.Errorf("expected target slug, got %q", out.Slug)
	}
	if stub.calls != 1 {
		t.Errorf("expected 1 verifier call, got %d", stub.calls)
	}

	card, err := s.GetMemoryCard(cardID)
	if err != nil || card == nil {
		t.Fatalf("failed to load merged card: %v", err)
	}
	if card.Occurrences != 2 {
		t.Errorf("expected occurrences 2, got %d", card.Occurrences)
	}
	if card.Memory != "User always takes oat milk in coffee" {
		t.Errorf("expected latest phrasing to win, got %q", card.Memory)
	}
	wantLine := "- 2026-02-14T09:30:00Z: User always takes oat milk in coffee"
	if !strings.Contains(card.Narrative, wantLine) {
		t.Errorf("expected narrative line %q, got %q", wantLine, card.Narrative)
	}

	evidence, err := s.EvidenceForCard(cardID, 5)
	if err != nil {
		t.Fatalf("failed to load evidence: %v", err)
	}
	if len(evidence) != 1 {
		t.Errorf("expected evidence recorded on merge, got %d rows", len(evidence))
	}
}

func TestCurateVerifierNewInsertsFreshCard(t *testing.T) {
	stub := &stubCompleter{responses: []string{verifierNew}}
	c, s := newTestCurator(t, stub)
	u := mustEnsureUser(t, s, "carol")
	mustInsertCard(t, s, u.ID, "allergic-to-penicillin", "health", "User is allergic to penicillin")

	out, err := c.Curate(context.Background(), u.ID, Write{
		Domain: "health",
		Memory: "User is allergic to shellfish",
	})
	if err != nil {
		t.Fatalf("curate failed: %v", err)
	}
	if out.Action != "insert" {
		t.Errorf("expected insert, got %q", out.Action)
	}
	if out.Unverified {
		t.Error("expected verified insert when verifier answers new")
	}

	count, err := s.CountMemoryCards(u.ID)
	if err != nil {
		t.Fatalf("failed to count cards: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 distinct cards, got %d", count)
	}
}

func TestCurateBackToBackDistinctFactsStayDistinct(t *testing.T) {
	stub := &stubCompleter{responses: []string{verifierNew}}
	c, s := newTestCurator(t, stub)
	u := mustEnsureUser(t, s, "frank")

	first, err := c.Curate(context.Background(), u.ID, Write{
		Domain:        "health",
		Memory:        "User is allergic to peanuts",
		SourceExcerpt: "I'm allergic to peanuts",
	})
	if err != nil {
		t.Fatalf("first curate failed: %v", err)
	}
	if stub.calls != 0 {
		t.Errorf("expected no verifier call for the first memory, got %d", stub.calls)
	}

	second, err := c.Curate(context.Background(), u.ID, Write{
		Domain:        "health",
		Memory:        "User is allergic to shellfish",
		SourceExcerpt: "Also allergic to shellfish",
	})
	if err != nil {
		t.Fatalf("second curate failed: %v", err)
	}
	if stub.calls != 1 {
		t.Errorf("expected one verifier arbitration, got %d", stub.calls)
	}
	if second.Action != "insert" || second.CardID == first.CardID {
		t.Fatalf("expected a distinct second card, got action=%q card=%d vs %d", second.Action, second.CardID, first.CardID)
	}

	cards, err := s.MemoryCardsByDomain(u.ID, "health", 10)
	if err != nil {
		t.Fatalf("failed to list health cards: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("expected 2 health cards, got %d", len(cards))
	}
	peanuts, err := s.GetMemoryCard(first.CardID)
	if err != nil || peanuts == nil {
		t.Fatalf("failed to load first card: %v", err)
	}
	if peanuts.Occurrences != 1 {
		t.Errorf("expected first card untouched by second fact, got occurrences %d", peanuts.Occurrences)
	}
}

func TestCurateScopedToOwningUser(t *testing.T) {
	stub := &stubCompleter{}
	c, s := newTestCurator(t, stub)
	owner := mustEnsureUser(t, s, "grace")
	other := mustEnsureUser(t, s, "henry")
	otherCardID := mustInsertCard(t, s, other.ID, "user-is-allergic-to-peanuts", "health", "User is allergic to peanuts")

	out, err := c.Curate(context.Background(), owner.ID, Write{
		Domain: "health",
		Memory: "User is allergic to peanuts",
	})
	if err != nil {
		t.Fatalf("curate failed: %v", err)
	}
	if out.Action != "insert" {
		t.Errorf("expected insert, got %q", out.Action)
	}
	if stub.calls != 0 {
		t.Errorf("expected no arbitration against another user's card, got %d calls", stub.calls)
	}
	if out.CardID == otherCardID {
		t.Fatal("expected a card owned by the curating user")
	}

	foreign, err := s.GetMemoryCard(otherCardID)
	if err != nil || foreign == nil {
		t.Fatalf("failed to load the other user's card: %v", err)
	}
	if foreign.Occurrences != 1 {
		t.Errorf("expected the other user's card untouched, got occurrences %d", foreign.Occurrences)
	}
}

func TestCurateVerifierUnknownSlugInsertsNew(t *testing.T) {
	stub := &stubCompleter{responses: []string{verifierMerge("no-such-card")}}
	c, s := newTestCurator(t, stub)
	u := mustEnsureUser(t, s, "dave")
	mustInsertCard(t, s, u.ID, "likes-hiking", "general", "User likes hiking")

	out, err := c.Curate(context.Background(), u.ID, Write{
		Domain: "general",
		Memory: "User prefers morning workouts",
	})
	if err != nil {
		t.Fatalf("curate failed: %v", err)
	}
	if out.Action != "insert" {
		t.Errorf("expected insert for unresolvable slug, got %q", out.Action)
	}
	if out.Unverified {
		t.Error("expected active insert: verifier answered, slug was just unknown")
	}
	if stub.calls != 1 {
		t.Errorf("expected 1 verifier call, got %d", stub.calls)
	}
}

func TestCurateVerifierFailureDegradesToUnverifiedInsert(t *testing.T) {
	stub := &stubCompleter{errs: []error{fmt.Errorf("boom"), fmt.Errorf("boom")}}
	c, s := newTestCurator(t, stub)
	u := mustEnsureUser(t, s, "erin")
	mustInsertCard(t, s, u.ID, "existing-card", "general", "User has a standing desk")

	out, err := c.Curate(context.Background(), u.ID, Write{
		Domain: "general",
		Memory: "User switched to a mechanical keyboard",
	})
	if err != nil {
		t.Fatalf("curate failed: %v", err)
	}
	if out.Action != "insert" {
		t.Errorf("expected insert, got %q", out.Action)
	}
	if !out.Unverified {
		t.Error("expected unverified insert after verifier exhaustion")
	}
	if stub.calls != 2 {
		t.Errorf("expected 2 verifier attempts, got %d", stub.calls)
	}

	card, err := s.GetMemoryCard(out.CardID)
	if err != nil || card == nil {
		t.Fatalf("failed to load card: %v", err)
	}
	if card.Status != store.MemoryStatusUnverified {
		t.Errorf("expected unverified status, got %q", card.Status)
	}
}

func TestCurateVerifierRetriesInvalidJSON(t *testing.T) {
	stub := &stubCompleter{responses: []string{"definitely not json", verifierNew}}
	c, s := newTestCurator(t, stub)
	u := mustEnsureUser(t, s, "finn")
	mustInsertCard(t, s, u.ID, "cat-named-biscuit", "general", "User has a cat named Biscuit")

	out, err := c.Curate(context.Background(), u.ID, Write{
		Domain: "general",
		Memory: "User adopted a second cat",
	})
	if err != nil {
		t.Fatalf("curate failed: %v", err)
	}
	if out.Action != "insert" {
		t.Errorf("expected insert, got %q", out.Action)
	}
	if out.Unverified {
		t.Error("expected verified outcome after successful retry")
	}
	if stub.calls != 2 {
		t.Fatalf("expected 2 verifier attempts, got %d", stub.calls)
	}
	if !strings.Contains(stub.payloads[1], "retry_feedback:") {
		t.Errorf("expected retry feedback in second payload, got %q", stub.payloads[1])
	}
	if !strings.Contains(stub.payloads[1], "previous output was not valid JSON") {
		t.Errorf("expected JSON feedback, got %q", stub.payloads[1])
	}
}

func TestCurateEmbeddingFailureDegradesToUnverifiedInsert(t *testing.T) {
	stub := &stubCompleter{}
	c, s := newTestCurator(t, stub)
	u := mustEnsureUser(t, s, "gina")
	mustInsertCard(t, s, u.ID, "existing-card", "homelab", "User runs Proxmox on a NUC")

	// Engine present but with no vector for the query, so embedding fails.
	s.SetEmbeddingEngine(&stubEmbedder{dim: 3, vectors: map[string][]float32{}})

	out, err := c.Curate(context.Background(), u.ID, Write{
		Domain: "homelab",
		Memory: "User migrated storage to ZFS",
	})
	if err != nil {
		t.Fatalf("curate failed: %v", err)
	}
	if !out.Unverified {
		t.Error("expected unverified insert after embedding failure")
	}
	if stub.calls != 0 {
		t.Errorf("expected no verifier call after embedding failure, got %d", stub.calls)
	}
}

func TestCurateSlugCollisionMerges(t *testing.T) {
	stub := &stubCompleter{responses: []string{verifierNew}}
	c, s := newTestCurator(t, stub)
	u := mustEnsureUser(t, s, "hana")

	text := "User is training for a marathon"
	first, err := c.Curate(context.Background(), u.ID, Write{Domain: "health", Memory: text})
	if err != nil {
		t.Fatalf("first curate failed: %v", err)
	}
	second, err := c.Curate(context.Background(), u.ID, Write{Domain: "health", Memory: text})
	if err != nil {
		t.Fatalf("second curate failed: %v", err)
	}

	if second.CardID != first.CardID {
		t.Errorf("expected same card on slug collision, got %d and %d", first.CardID, second.CardID)
	}
	if second.Action != "merge" {
		t.Errorf("expected collision to merge, got %q", second.Action)
	}
	card, err := s.GetMemoryCard(first.CardID)
	if err != nil || card == nil {
		t.Fatalf("failed to load card: %v", err)
	}
	if card.Occurrences != 2 {
		t.Errorf("expected occurrences 2, got %d", card.Occurrences)
	}
}

func TestCurateSemanticDisabledSkipsVerifier(t *testing.T) {
	stub := &stubCompleter{}
	c, s := newTestCurator(t, stub, func(cfg *config.StateConfig) {
		cfg.Semantic.Enabled = false
	})
	u := mustEnsureUser(t, s, "ivan")
	mustInsertCard(t, s, u.ID, "some-card", "general", "User speaks three languages")

	embedder := &stubEmbedder{dim: 3, vectors: map[string][]float32{}}
	s.SetEmbeddingEngine(embedder)

	out, err := c.Curate(context.Background(), u.ID, Write{
		Domain: "general",
		Memory: "User plays the violin",
	})
	if err != nil {
		t.Fatalf("curate failed: %v", err)
	}
	if out.Action != "insert" {
		t.Errorf("expected insert, got %q", out.Action)
	}
	if out.Unverified {
		t.Error("expected plain active insert when semantic curation is off")
	}
	if stub.calls != 0 {
		t.Errorf("expected no verifier call, got %d", stub.calls)
	}
	if len(embedder.texts) != 0 {
		t.Errorf("expected no embedding calls, got %v", embedder.texts)
	}
}

func TestCurateTruncatesBeforeEmbedding(t *testing.T) {
	stub := &stubCompleter{}
	c, s := newTestCurator(t, stub, func(cfg *config.StateConfig) {
		cfg.Memory.MaxSummaryChars = 18
	})
	u := mustEnsureUser(t, s, "june")

	embedder := &stubEmbedder{dim: 3, vectors: map[string][]float32{
		"memory: User prefers decaf": {1, 0, 0},
	}}
	s.SetEmbeddingEngine(embedder)

	out, err := c.Curate(context.Background(), u.ID, Write{
		Domain: "general",
		Memory: "User prefers decaf coffee after noon every single day",
	})
	if err != nil {
		t.Fatalf("curate failed: %v", err)
	}

	card, err := s.GetMemoryCard(out.CardID)
	if err != nil || card == nil {
		t.Fatalf("failed to load card: %v", err)
	}
	if card.Memory != "User prefers decaf" {
		t.Errorf("expected truncated stored text, got %q", card.Memory)
	}
	if len(embedder.texts) != 1 || embedder.texts[0] != "memory: User prefers decaf" {
		t.Errorf("expected sync embed of truncated text, got %v", embedder.texts)
	}
}

func TestCurateVerifierPayloadSections(t *testing.T) {
	stub := &stubCompleter{responses: []string{verifierNew}}
	c, s := newTestCurator(t, stub)
	u := mustEnsureUser(t, s, "kira")
	mustInsertCard(t, s, u.ID, "tracks-macros", "health", "User tracks macros daily")

	if _, err := c.Curate(context.Background(), u.ID, Write{
		Domain: "health",
		Memory: "User fasts on Sundays",
	}); err != nil {
		t.Fatalf("curate failed: %v", err)
	}
	if len(stub.payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(stub.payloads))
	}

	payload := stub.payloads[0]
	for _, section := range []string{
		"domain=health",
		"new_memory:\nmemory: User fasts on Sundays",
		"candidate_memories:",
		"- slug=tracks-macros | memory=User tracks macros daily",
	} {
		if !strings.Contains(payload, section) {
			t.Errorf("expected payload to contain %q, got %q", section, payload)
		}
	}
}

func TestCurateCandidateBudgetBoundsShortlist(t *testing.T) {
	stub := &stubCompleter{responses: []string{verifierNew}}
	c, s := newTestCurator(t, stub, func(cfg *config.StateConfig) {
		cfg.Memory.MaxExistingChars = 60
	})
	u := mustEnsureUser(t, s, "liam")
	mustInsertCard(t, s, u.ID, "card-one", "general", "User collects vinyl records from the seventies")
	mustInsertCard(t, s, u.ID, "card-two", "general", "User restores old bicycles on weekends")

	if _, err := c.Curate(context.Background(), u.ID, Write{
		Domain: "general",
		Memory: "User brews kombucha",
	}); err != nil {
		t.Fatalf("curate failed: %v", err)
	}
	if len(stub.payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(stub.payloads))
	}

	payload := stub.payloads[0]
	count := strings.Count(payload, "- slug=")
	if count != 1 {
		t.Errorf("expected budget to keep 1 candidate line, got %d in %q", count, payload)
	}
}

func TestCurateRejectsEmptyMemory(t *testing.T) {
	stub := &stubCompleter{}
	c, _ := newTestCurator(t, stub)

	if _, err := c.Curate(context.Background(), 1, Write{Domain: "general", Memory: "   "}); err == nil {
		t.Fatal("expected error for empty memory text")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"User is allergic to penicillin", "user-is-allergic-to-penicillin"},
		{"User drinks oat milk in coffee every single morning now", "user-drinks-oat-milk-in-coffee-every-single"},
		{"Pays $40/mo for VPN!", "pays-40-mo-for-vpn"},
		{"!!!", "user-memory"},
		{"", "user-memory"},
	}
	for _, tt := range tests {
		if got := slugify(tt.text); got != tt.want {
			t.Errorf("slugify(%q): expected %q, got %q", tt.text, tt.want, got)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string // expected action field, empty means nil payload
	}{
		{"bare object", `{"action":"new"}`, "new"},
		{"fenced", "```json\n{\"action\":\"merge\"}\n```", "merge"},
		{"surrounding prose", `Here you go: {"action":"new"} hope that helps`, "new"},
		{"not json", "no object here", ""},
		{"broken braces", "{\"action\":", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := extractJSON(tt.text)
			if tt.want == "" {
				if payload != nil {
					t.Errorf("expected nil payload, got %v", payload)
				}
				return
			}
			if payload == nil {
				t.Fatal("expected payload, got nil")
			}
			if got := stringField(payload, "action"); got != tt.want {
				t.Errorf("expected action %q, got %q", tt.want, got)
			}
		})
	}
}
