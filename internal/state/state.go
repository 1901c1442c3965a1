// Package state coordinates the durable side of a turn. After the answer is
// synthesized, the coordinator snapshots the user's state, asks the decision
// engine what to record, and commits the surviving channel writes under a
// per-user lock with idempotency keys derived from the request hash. Every
// outcome, including "nothing", lands in the turn-event log; applied writes
// are summarized in a markdown footer and announced to the change listener
// without blocking the reply.
package state

import (
	"context"
	"fmt"
	"strings"
	"time"

	"concierge/internal/config"
	"concierge/internal/decision"
	"concierge/internal/logging"
	"concierge/internal/memory"
	"concierge/internal/store"
)

// Decider produces a write verdict for one finished exchange.
type Decider interface {
	Decide(ctx context.Context, req decision.Request) *decision.Decision
}

// Curator commits one memory write through dedup verification.
type Curator interface {
	Curate(ctx context.Context, userID int64, w memory.Write) (*memory.Outcome, error)
}

// ChangeListener is notified after a turn commits durable changes. The
// notification runs on its own goroutine; implementations own their errors.
type ChangeListener interface {
	StateChanged(userID int64, userKey string, seq int64)
}

// Turn is one finished exchange handed to the coordinator.
type Turn struct {
	UserKey       string
	SessionKey    string
	RoutedDomain  string
	UserText      string
	AssistantText string

	// RequestPayload is the decoded inbound request body; its canonical
	// JSON hash keys every write of this turn. Nil falls back to hashing
	// the identifying turn fields.
	RequestPayload map[string]interface{}
}

// Coordinator owns the post-answer write path.
type Coordinator struct {
	store    *store.Store
	decider  Decider
	curator  Curator
	cfg      config.StateConfig
	listener ChangeListener
	locks    *keyedMutex
}

// NewCoordinator wires the write path. The curator may be nil when the
// memory channel is disabled.
func NewCoordinator(st *store.Store, decider Decider, curator Curator, cfg config.StateConfig) *Coordinator {
	return &Coordinator{
		store:   st,
		decider: decider,
		curator: curator,
		cfg:     cfg,
		locks:   newKeyedMutex(),
	}
}

// SetChangeListener registers the post-commit notification target. Call
// before the coordinator starts processing turns.
func (c *Coordinator) SetChangeListener(l ChangeListener) {
	c.listener = l
}

// ProcessTurn runs the full write path for one exchange and returns the
// state footer to append to the reply, or "" when there is nothing to say.
// Infrastructure failures never surface to the caller; they are logged and
// the turn answers without state.
func (c *Coordinator) ProcessTurn(ctx context.Context, turn Turn) string {
	if !c.cfg.Enabled {
		return ""
	}
	timer := logging.StartTimer(logging.CategoryState, "ProcessTurn")
	defer timer.Stop()

	userKey := c.resolveUserKey(turn.UserKey)
	requestHash := c.requestHash(turn, userKey)
	now := time.Now().UTC()

	user, err := c.store.EnsureUser(userKey, "")
	if err != nil {
		logging.Get(logging.CategoryState).Warn("Turn skipped: ensure user %q failed: %v", userKey, err)
		return ""
	}

	snap, err := c.store.Snapshot(user.ID, snapshotOptions(c.cfg, turn.RoutedDomain))
	if err != nil {
		logging.Get(logging.CategoryState).Warn("Deciding without context: snapshot for user=%d failed: %v", user.ID, err)
		snap = nil
	}

	d := c.decider.Decide(ctx, decision.Request{
		UserText:      turn.UserText,
		AssistantText: turn.AssistantText,
		RoutedDomain:  turn.RoutedDomain,
		Context:       snap,
		Now:           now,
	})
	audit := logging.AuditForTurn(turn.SessionKey, "", userKey)
	audit.Decision(turn.RoutedDomain, d.Reason, d.HasWrites(), d.IsFailure)

	unlock := c.locks.Lock(userKey)
	defer unlock()

	event := &store.TurnEvent{
		UserID:           user.ID,
		RequestHash:      requestHash,
		SessionKey:       turn.SessionKey,
		Domain:           turn.RoutedDomain,
		UserText:         turn.UserText,
		AssistantExcerpt: truncateRunes(turn.AssistantText, c.cfg.Decision.MaxAssistantChars),
		DecisionReason:   d.Reason,
		DecisionFailed:   d.IsFailure,
	}

	if d.IsFailure {
		footer := ""
		if c.cfg.Decision.OnFailure == "footer_warning" {
			footer = failureFooter(d.Reason, userKey)
		}
		event.FooterMD = footer
		if _, err := c.store.UpsertTurnEvent(event); err != nil {
			logging.Get(logging.CategoryState).Warn("Turn event upsert failed user=%d: %v", user.ID, err)
		}
		logging.State("Turn recorded with decision failure user=%s reason=%q", userKey, d.Reason)
		return footer
	}

	turnEventID, err := c.store.UpsertTurnEvent(event)
	if err != nil {
		logging.Get(logging.CategoryState).Warn("Turn skipped: turn event upsert failed user=%d: %v", user.ID, err)
		return ""
	}

	if !d.HasWrites() {
		logging.StateDebug("No writes for turn user=%s reason=%q", userKey, d.Reason)
		return ""
	}

	var items []WriteSummaryItem
	if d.Checkin != nil {
		items = append(items, c.applyCheckin(user.ID, requestHash, d.Checkin, now))
	}
	if d.Journal != nil {
		items = append(items, c.applyJournal(user.ID, requestHash, d, turn))
	}
	if d.Memory != nil {
		items = append(items, c.applyMemory(ctx, user.ID, requestHash, d, turn, now))
	}

	applied := 0
	for _, item := range items {
		audit.Write(item.Channel, item.Target, item.Status)
		if item.Applied() {
			applied++
		}
	}
	if applied > 0 && c.listener != nil {
		listener := c.listener
		go listener.StateChanged(user.ID, userKey, turnEventID)
	}

	footer := FormatFooter(items, userKey)
	if footer != "" {
		event.FooterMD = footer
		if _, err := c.store.UpsertTurnEvent(event); err != nil {
			logging.Get(logging.CategoryState).Warn("Footer persist failed user=%d: %v", user.ID, err)
		}
	}
	logging.State("Turn committed user=%s writes=%d applied=%d", userKey, len(items), applied)
	return footer
}

// ContextForPrompt renders the user's durable state for the specialist
// prompt. Unknown users and lookup failures render as no context.
func (c *Coordinator) ContextForPrompt(userKey, routedDomain string) string {
	if !c.cfg.Enabled {
		return ""
	}
	user, err := c.store.GetUserByKey(c.resolveUserKey(userKey))
	if err != nil || user == nil {
		return ""
	}
	snap, err := c.store.Snapshot(user.ID, snapshotOptions(c.cfg, routedDomain))
	if err != nil {
		logging.StateDebug("Prompt context unavailable user=%d: %v", user.ID, err)
		return ""
	}
	return formatContext(snap)
}

// resolveUserKey applies the user-scope policy to the caller's identity.
func (c *Coordinator) resolveUserKey(provided string) string {
	anonymous := strings.TrimSpace(c.cfg.UserScope.AnonymousUserKey)
	if anonymous == "" {
		anonymous = "anonymous"
	}
	if c.cfg.UserScope.Policy == "single" {
		return anonymous
	}
	if key := strings.TrimSpace(provided); key != "" {
		return key
	}
	return anonymous
}

// requestHash keys the turn. Without an inbound payload the identifying
// fields stand in so replays of the same exchange still dedupe.
func (c *Coordinator) requestHash(turn Turn, userKey string) string {
	if len(turn.RequestPayload) > 0 {
		return RequestHash(turn.RequestPayload)
	}
	return RequestHash(map[string]interface{}{
		"user_key":    userKey,
		"session_key": turn.SessionKey,
		"user_text":   turn.UserText,
	})
}

func snapshotOptions(cfg config.StateConfig, domain string) store.SnapshotOptions {
	opts := store.DefaultSnapshotOptions()
	opts.Domain = domain
	return opts
}

// applyCheckin appends one progress event to the block's track, creating
// the track on first sight.
func (c *Coordinator) applyCheckin(userID int64, requestHash string, block *decision.CheckinBlock, now time.Time) WriteSummaryItem {
	trackSlug := TrackSlug(block.Domain, block.Title)
	target := "checkins/" + trackSlug + ".md"
	item := WriteSummaryItem{Channel: ChannelCheckin, Target: target}

	key := idempotencyKey(requestHash, ChannelCheckin)
	acquired, err := c.store.AcquireWrite(userID, key, ChannelCheckin, target)
	if err != nil {
		logging.Get(logging.CategoryState).Warn("Check-in ledger claim failed user=%d: %v", userID, err)
		item.Status = StatusFailed
		return item
	}
	if !acquired {
		item.Status = StatusSkippedDuplicate
		item.Details = "duplicate idempotency key"
		return item
	}

	track, err := c.store.FindOrCreateTrack(userID, block.Domain, trackSlug, block.Title, block.TrackType)
	if err != nil {
		logging.Get(logging.CategoryState).Warn("Track resolve failed user=%d slug=%s: %v", userID, trackSlug, err)
		c.releaseClaim(key)
		item.Status = StatusFailed
		return item
	}

	var previous *time.Time
	if track.CheckinCount > 0 {
		if recent, err := c.store.CheckinsForTrack(track.ID, 1); err == nil && len(recent) > 0 {
			previous = &recent[0].EntryTS
		}
	}

	checkinID, err := c.store.AppendCheckin(&store.Checkin{
		TrackID:     track.ID,
		UserID:      userID,
		EntryTS:     now,
		Summary:     block.Summary,
		Outcome:     block.Outcome,
		Wins:        block.Wins,
		Barriers:    block.Barriers,
		NextActions: block.NextActions,
		Tags:        block.Tags,
		Mood:        block.Mood,
		Evidence:    block.Evidence,
		Confidence:  block.Confidence,
	})
	if err != nil {
		logging.Get(logging.CategoryState).Warn("Check-in append failed user=%d track=%d: %v", userID, track.ID, err)
		c.releaseClaim(key)
		item.Status = StatusFailed
		return item
	}

	item.Status = StatusApplied
	item.Details = humanElapsed(previous, now)
	item.ResultRef = checkinID
	logging.State("Check-in applied user=%d track=%s checkin=%d", userID, trackSlug, checkinID)
	return item
}

// applyJournal appends one dated narrative entry.
func (c *Coordinator) applyJournal(userID int64, requestHash string, d *decision.Decision, turn Turn) WriteSummaryItem {
	block := d.Journal
	entryTS := block.EntryTS
	if entryTS.IsZero() {
		entryTS = time.Now().UTC()
	}
	target := "journal/" + entryTS.UTC().Format("2006-01-02") + ".md"
	item := WriteSummaryItem{Channel: ChannelJournal, Target: target}

	key := idempotencyKey(requestHash, ChannelJournal)
	acquired, err := c.store.AcquireWrite(userID, key, ChannelJournal, target)
	if err != nil {
		logging.Get(logging.CategoryState).Warn("Journal ledger claim failed user=%d: %v", userID, err)
		item.Status = StatusFailed
		return item
	}
	if !acquired {
		item.Status = StatusSkippedDuplicate
		item.Details = "duplicate idempotency key"
		return item
	}

	entryID, err := c.store.InsertJournalEntry(&store.JournalEntry{
		UserID:      userID,
		EntryTS:     entryTS,
		Title:       block.Title,
		BodyMD:      c.journalBody(block, entryTS, turn),
		DomainHints: block.DomainHints,
		Evidence:    block.Evidence,
		SourceModel: d.SourceModel,
	})
	if err != nil {
		logging.Get(logging.CategoryState).Warn("Journal insert failed user=%d: %v", userID, err)
		c.releaseClaim(key)
		item.Status = StatusFailed
		return item
	}

	item.Status = StatusApplied
	item.Details = block.Title
	item.ResultRef = entryID
	logging.State("Journal entry applied user=%d entry=%d", userID, entryID)
	return item
}

// journalBody renders the stored markdown: a timestamped heading, the entry
// body, and optionally a bounded excerpt of the assistant's reply. The
// excerpt stays out in facts-only mode so recorded state is all the user's
// own words.
func (c *Coordinator) journalBody(block *decision.JournalBlock, entryTS time.Time, turn Turn) string {
	body := strings.TrimSpace(block.BodyMD)
	if body == "" {
		body = strings.TrimSpace(turn.UserText)
	}
	md := "## " + entryTS.UTC().Format(time.RFC3339) + " - " + block.Title + "\n\n" + body

	if c.cfg.Journal.IncludeAssistantExcerpt && !c.cfg.Decision.FactsOnly {
		if excerpt := truncateRunes(turn.AssistantText, c.cfg.Journal.MaxAssistantExcerptChars); excerpt != "" {
			md += "\n\n### Coaching context\n" + excerpt
		}
	}
	return md
}

// applyMemory routes one memory write through the curator.
func (c *Coordinator) applyMemory(ctx context.Context, userID int64, requestHash string, d *decision.Decision, turn Turn, now time.Time) WriteSummaryItem {
	block := d.Memory
	target := "memories/" + block.Domain + ".md"
	item := WriteSummaryItem{Channel: ChannelMemory, Target: target}

	if c.curator == nil {
		item.Status = StatusSkipped
		item.Details = "memory channel has no curator"
		return item
	}

	key := idempotencyKey(requestHash, ChannelMemory)
	acquired, err := c.store.AcquireWrite(userID, key, ChannelMemory, target)
	if err != nil {
		logging.Get(logging.CategoryState).Warn("Memory ledger claim failed user=%d: %v", userID, err)
		item.Status = StatusFailed
		return item
	}
	if !acquired {
		item.Status = StatusSkippedDuplicate
		item.Details = "duplicate idempotency key"
		return item
	}

	outcome, err := c.curator.Curate(ctx, userID, memory.Write{
		Domain:        block.Domain,
		Memory:        block.Memory,
		Confidence:    d.Confidence,
		RequestHash:   requestHash,
		SourceExcerpt: turn.UserText,
		Now:           now,
	})
	if err != nil {
		logging.Get(logging.CategoryState).Warn("Memory curation failed user=%d domain=%s: %v", userID, block.Domain, err)
		c.releaseClaim(key)
		item.Status = StatusFailed
		return item
	}

	item.Status = StatusApplied
	item.Details = outcome.Domain + "/" + outcome.Slug
	item.ResultRef = outcome.CardID
	logging.State("Memory %s user=%d card=%d slug=%s unverified=%t", outcome.Action, userID, outcome.CardID, outcome.Slug, outcome.Unverified)
	return item
}

// releaseClaim frees an idempotency key after a failed write so a retry of
// the same request can commit.
func (c *Coordinator) releaseClaim(key string) {
	if err := c.store.ReleaseWrite(key); err != nil {
		logging.Get(logging.CategoryState).Warn("Ledger release failed key=%s: %v", key, err)
	}
}

// formatContext renders a snapshot as the prompt-ready state block. Memory
// lines name cards by slug and recurrence; the slug already carries the
// card's leading words, and the decision prompt gets the full text anyway.
func formatContext(snap *store.ContextSnapshot) string {
	if snap == nil {
		return ""
	}
	var lines []string
	if len(snap.Tracks) > 0 {
		lines = append(lines, "Active tracks:")
		for _, t := range snap.Tracks {
			lines = append(lines, fmt.Sprintf("- %s [%s] status=%s updated=%s",
				t.Title, t.Domain, t.Status, t.UpdatedAt.UTC().Format(time.RFC3339)))
		}
	}
	if len(snap.RecentCheckins) > 0 {
		lines = append(lines, "Recent check-ins:")
		for _, ch := range snap.RecentCheckins {
			lines = append(lines, fmt.Sprintf("- %s: %s (%s)",
				ch.TrackSlug, ch.Summary, ch.EntryTS.UTC().Format(time.RFC3339)))
		}
	}
	if len(snap.RecentJournal) > 0 {
		lines = append(lines, "Recent journal entries:")
		for _, e := range snap.RecentJournal {
			lines = append(lines, fmt.Sprintf("- %s: %s", e.EntryTS.UTC().Format("2006-01-02"), e.Title))
		}
	}
	if len(snap.MemoryCards) > 0 {
		lines = append(lines, "Recent memories:")
		for _, m := range snap.MemoryCards {
			lines = append(lines, fmt.Sprintf("- %s/%s (occurrences=%d)", m.Domain, m.Slug, m.Occurrences))
		}
	}
	return strings.Join(lines, "\n")
}

// TrackSlug derives the stable track identity from a check-in title. The
// domain prefixes the slug so same-named tracks in different domains stay
// distinct.
func TrackSlug(domain, title string) string {
	slug := store.Slugify(title, "general-checkin")
	prefix := domain + "-"
	if domain == "" || strings.HasPrefix(slug, prefix) {
		return slug
	}
	return prefix + slug
}

func truncateRunes(text string, max int) string {
	text = strings.TrimSpace(text)
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return strings.TrimSpace(string(runes[:max]))
}
