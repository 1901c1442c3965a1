// Package projection renders durable state to a one-way markdown tree:
// tracks, check-in logs, journal days, and memory files under a per-user
// directory. The export is read-only output for humans and external tools;
// the database stays authoritative and edits to the tree are never read
// back. Artifact watermarks let unchanged files skip their rewrite.
package projection

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"concierge/internal/config"
	"concierge/internal/logging"
	"concierge/internal/state"
	"concierge/internal/store"
)

// Render caps. Files stay bounded; the database keeps everything.
const (
	exportCheckinLimit = 500
	exportJournalLimit = 1000
	exportMemoryLimit  = 1000
	exportOpsLimit     = 500
)

// Exporter projects one user's durable state to markdown.
type Exporter struct {
	store *store.Store
	cfg   config.StateConfig
}

// NewExporter creates a markdown exporter over the store.
func NewExporter(st *store.Store, cfg config.StateConfig) *Exporter {
	return &Exporter{store: st, cfg: cfg}
}

// Result summarizes one user's export.
type Result struct {
	UserKey  string
	Root     string
	Rendered int
	Skipped  int
}

// SummaryItem folds the export into one footer line.
func (r *Result) SummaryItem() state.WriteSummaryItem {
	item := state.WriteSummaryItem{
		Channel: state.ChannelProjection,
		Status:  state.StatusApplied,
		Target:  "state/users/" + state.SafeUserPath(r.UserKey),
		Details: "one-way markdown projection",
	}
	if r.Rendered == 0 {
		item.Status = state.StatusSkipped
		item.Details = "projection up to date"
	}
	return item
}

// StateChanged exports the user's tree after a committed turn. It runs on
// the coordinator's notification goroutine; failures are logged, never
// surfaced to the turn.
func (e *Exporter) StateChanged(userID int64, userKey string, seq int64) {
	if !e.cfg.Projection.Enabled {
		return
	}
	audit := logging.AuditForTurn("", "", userKey)
	target := "state/users/" + state.SafeUserPath(userKey)
	res, err := e.ExportUser(userID, userKey)
	if err != nil {
		logging.Get(logging.CategoryProjection).Warn("Export failed user=%s seq=%d: %v", userKey, seq, err)
		audit.Projection(target, state.StatusFailed)
		return
	}
	status := state.StatusApplied
	if res.Rendered == 0 {
		status = state.StatusSkipped
	}
	audit.Projection(target, status)
	logging.Projection("Exported user=%s seq=%d rendered=%d skipped=%d", userKey, seq, res.Rendered, res.Skipped)
}

// ExportUser renders every artifact of one user's tree, skipping files
// whose source watermark has not moved since the last export.
func (e *Exporter) ExportUser(userID int64, userKey string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryProjection, "ExportUser")
	defer timer.Stop()

	root := filepath.Join(e.cfg.Projection.Directory, "users", state.SafeUserPath(userKey))
	for _, dir := range []string{root, filepath.Join(root, "checkins"), filepath.Join(root, "journal"), filepath.Join(root, "memories")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create projection directory: %w", err)
		}
	}
	res := &Result{UserKey: userKey, Root: root}

	tracks, err := e.store.ListTracks(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracks: %w", err)
	}
	eventsByTrack := make(map[int64][]*store.Checkin, len(tracks))
	lastCheckin := make(map[int64]time.Time, len(tracks))
	for _, t := range tracks {
		events, err := e.store.CheckinsForTrack(t.ID, exportCheckinLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to load check-ins for track %d: %w", t.ID, err)
		}
		eventsByTrack[t.ID] = events
		if len(events) > 0 {
			lastCheckin[t.ID] = events[0].EntryTS
		}
	}
	journals, err := e.store.RecentJournalEntries(userID, exportJournalLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal entries: %w", err)
	}
	cards, err := e.store.RecentMemoryCards(userID, exportMemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load memory cards: %w", err)
	}
	ops, err := e.store.WriteLedgerEntries(userID, exportOpsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load write ledger: %w", err)
	}

	if err := e.exportTracks(userID, root, tracks, lastCheckin, res); err != nil {
		return nil, err
	}
	if err := e.exportCheckins(userID, root, tracks, eventsByTrack, lastCheckin, res); err != nil {
		return nil, err
	}
	if err := e.exportJournal(userID, root, journals, res); err != nil {
		return nil, err
	}
	if err := e.exportMemories(userID, root, cards, res); err != nil {
		return nil, err
	}
	if err := e.exportOps(root, ops, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ExportAll renders the tree for every known user.
func (e *Exporter) ExportAll() ([]*Result, error) {
	users, err := e.store.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	var results []*Result
	for _, u := range users {
		res, err := e.ExportUser(u.ID, u.UserKey)
		if err != nil {
			return results, fmt.Errorf("export failed for user %s: %w", u.UserKey, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Exporter) exportTracks(userID int64, root string, tracks []*store.Track, lastCheckin map[int64]time.Time, res *Result) error {
	var watermarks []time.Time
	for _, t := range tracks {
		watermarks = append(watermarks, t.UpdatedAt, lastCheckin[t.ID])
	}
	return e.writeArtifact(artifactWrite{
		userID:       userID,
		artifactType: "tracks",
		key:          "tracks",
		path:         filepath.Join(root, "tracks.md"),
		sourceMax:    maxTime(watermarks...),
		render:       func() string { return renderTracks(tracks, lastCheckin) },
	}, res)
}

func (e *Exporter) exportCheckins(userID int64, root string, tracks []*store.Track, eventsByTrack map[int64][]*store.Checkin, lastCheckin map[int64]time.Time, res *Result) error {
	keep := make([]string, 0, len(tracks))
	for _, t := range tracks {
		track := t
		events := eventsByTrack[t.ID]
		watermarks := []time.Time{track.UpdatedAt}
		for _, ev := range events {
			watermarks = append(watermarks, ev.EntryTS, ev.CreatedAt)
		}
		keep = append(keep, track.Slug)
		err := e.writeArtifact(artifactWrite{
			userID:       userID,
			artifactType: "checkin_file",
			key:          track.Slug,
			path:         filepath.Join(root, "checkins", track.Slug+".md"),
			sourceMax:    maxTime(watermarks...),
			render:       func() string { return renderCheckinFile(track, events, lastCheckin[track.ID]) },
		}, res)
		if err != nil {
			return err
		}
	}
	e.prune(userID, "checkin_file", keep)
	return nil
}

func (e *Exporter) exportJournal(userID int64, root string, journals []*store.JournalEntry, res *Result) error {
	byDate := make(map[string][]*store.JournalEntry)
	for _, entry := range journals {
		date := entry.EntryTS.UTC().Format("2006-01-02")
		byDate[date] = append(byDate[date], entry)
	}
	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	for _, date := range dates {
		day := date
		// Oldest first inside a day; the query returns newest first.
		entries := append([]*store.JournalEntry(nil), byDate[day]...)
		sort.Slice(entries, func(i, j int) bool { return entries[i].EntryTS.Before(entries[j].EntryTS) })

		var watermarks []time.Time
		for _, entry := range entries {
			watermarks = append(watermarks, entry.EntryTS, entry.CreatedAt)
		}
		err := e.writeArtifact(artifactWrite{
			userID:       userID,
			artifactType: "journal_file",
			key:          day,
			path:         filepath.Join(root, "journal", day+".md"),
			sourceMax:    maxTime(watermarks...),
			render:       func() string { return renderJournalDay(day, entries) },
		}, res)
		if err != nil {
			return err
		}
	}
	e.prune(userID, "journal_file", dates)
	return nil
}

func (e *Exporter) exportMemories(userID int64, root string, cards []*store.MemoryCard, res *Result) error {
	byDomain := make(map[string][]*store.MemoryCard)
	for _, card := range cards {
		byDomain[card.Domain] = append(byDomain[card.Domain], card)
	}
	domains := make([]string, 0, len(byDomain))
	for domain := range byDomain {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	for _, domain := range domains {
		name := domain
		group := byDomain[name]
		var watermarks []time.Time
		for _, card := range group {
			watermarks = append(watermarks, card.UpdatedAt, card.LastSeen)
		}
		err := e.writeArtifact(artifactWrite{
			userID:       userID,
			artifactType: "memory_file",
			key:          name,
			path:         filepath.Join(root, "memories", name+".md"),
			sourceMax:    maxTime(watermarks...),
			render:       func() string { return renderMemoryFile(name, group) },
		}, res)
		if err != nil {
			return err
		}
	}
	e.prune(userID, "memory_file", domains)
	return nil
}

// exportOps rewrites the operations log only when some artifact changed or
// the file does not exist yet. New ledger rows always move a watermark, so
// a fully skipped export means the log is current too.
func (e *Exporter) exportOps(root string, ops []*store.LedgerEntry, res *Result) error {
	path := filepath.Join(root, "ops.log")
	if res.Rendered == 0 {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	if err := os.WriteFile(path, []byte(renderOpsLog(ops)), 0o644); err != nil {
		return fmt.Errorf("failed to write ops log: %w", err)
	}
	return nil
}

// artifactWrite is one renderable file plus its change watermark.
type artifactWrite struct {
	userID       int64
	artifactType string
	key          string
	path         string
	sourceMax    time.Time
	render       func() string
}

// writeArtifact skips the file when its watermark matches the recorded
// state, otherwise renders, writes, and records the new watermark. The
// watermark comes from database reads on both sides, so equality is exact;
// a precision mismatch only costs a redundant rewrite.
func (e *Exporter) writeArtifact(w artifactWrite, res *Result) error {
	if !w.sourceMax.IsZero() {
		existing, err := e.store.GetProjectionState(w.userID, w.artifactType, w.key)
		if err == nil && existing != nil && existing.SourceMaxUpdatedAt.Equal(w.sourceMax) {
			res.Skipped++
			return nil
		}
	}

	content := w.render()
	if err := os.WriteFile(w.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", w.path, err)
	}
	res.Rendered++

	if err := e.store.UpsertProjectionState(&store.ProjectionState{
		UserID:             w.userID,
		ArtifactType:       w.artifactType,
		ArtifactKey:        w.key,
		SourceMaxUpdatedAt: w.sourceMax,
		RenderedHash:       contentHash(content),
		Path:               w.path,
	}); err != nil {
		logging.Get(logging.CategoryProjection).Warn("Watermark record failed for %s/%s: %v", w.artifactType, w.key, err)
	}
	return nil
}

func (e *Exporter) prune(userID int64, artifactType string, keep []string) {
	if err := e.store.PruneProjectionState(userID, artifactType, keep); err != nil {
		logging.Get(logging.CategoryProjection).Warn("Watermark prune failed for %s: %v", artifactType, err)
	}
}

func maxTime(times ...time.Time) time.Time {
	var latest time.Time
	for _, t := range times {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}
