package projection

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"concierge/internal/config"
	"concierge/internal/state"
	"concierge/internal/store"
)

func newTestExporter(t *testing.T) (*Exporter, *store.Store, string) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "projection.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	dir := t.TempDir()
	cfg := config.DefaultStateConfig()
	cfg.Projection.Directory = dir
	return NewExporter(s, cfg), s, dir
}

func seedUser(t *testing.T, s *store.Store, key string) *store.User {
	t.Helper()
	user, err := s.EnsureUser(key, "")
	if err != nil {
		t.Fatalf("failed to ensure user: %v", err)
	}
	return user
}

func seedState(t *testing.T, s *store.Store, userID int64) {
	t.Helper()
	track, err := s.FindOrCreateTrack(userID, "health", "health-morning-run", "Morning Run", "habit")
	if err != nil {
		t.Fatalf("failed to create track: %v", err)
	}
	if _, err := s.AppendCheckin(&store.Checkin{
		TrackID:    track.ID,
		UserID:     userID,
		EntryTS:    time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC),
		Summary:    "Ran 5k before work",
		Outcome:    "win",
		Wins:       []string{"ran 5k"},
		Evidence:   "I ran 5k before work",
		Confidence: 0.9,
	}); err != nil {
		t.Fatalf("failed to append check-in: %v", err)
	}
	for hour, title := range map[int]string{9: "Morning pages", 18: "Evening recap"} {
		if _, err := s.InsertJournalEntry(&store.JournalEntry{
			UserID:  userID,
			EntryTS: time.Date(2026, 3, 1, hour, 0, 0, 0, time.UTC),
			Title:   title,
			BodyMD:  "## 2026-03-01 - " + title + "\n\nWrote it down.",
		}); err != nil {
			t.Fatalf("failed to insert journal entry: %v", err)
		}
	}
	if _, err := s.InsertMemoryCard(&store.MemoryCard{
		UserID: userID,
		Slug:   "user-runs-before-work",
		Domain: "health",
		Memory: "User runs before work",
	}); err != nil {
		t.Fatalf("failed to insert memory card: %v", err)
	}
	if _, err := s.AcquireWrite(userID, "hash-1:checkin", "checkin", "checkins/health-morning-run.md"); err != nil {
		t.Fatalf("failed to seed ledger: %v", err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestExportUserRendersTree(t *testing.T) {
	exporter, s, dir := newTestExporter(t)
	user := seedUser(t, s, "alice")
	seedState(t, s, user.ID)

	res, err := exporter.ExportUser(user.ID, "alice")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if res.Rendered != 4 {
		t.Errorf("expected 4 rendered artifacts, got %d", res.Rendered)
	}
	if res.Skipped != 0 {
		t.Errorf("expected no skipped artifacts, got %d", res.Skipped)
	}

	root := filepath.Join(dir, "users", "alice")
	if res.Root != root {
		t.Errorf("expected root %s, got %s", root, res.Root)
	}

	tracksMD := readFile(t, filepath.Join(root, "tracks.md"))
	for _, want := range []string{
		"generated_by: concierge",
		"# Tracks",
		"slug: health-morning-run",
		"type: habit",
		"title: Morning Run",
		"checkins: 1",
		"last_outcome: win",
		"checkins_file: checkins/health-morning-run.md",
	} {
		if !strings.Contains(tracksMD, want) {
			t.Errorf("expected tracks.md to contain %q, got:\n%s", want, tracksMD)
		}
	}

	checkinMD := readFile(t, filepath.Join(root, "checkins", "health-morning-run.md"))
	for _, want := range []string{
		"track_slug: health-morning-run",
		"# Track: Morning Run",
		"## Snapshot",
		"- Current status: active",
		"## Check-in Events",
		"timestamp: 2026-03-01T07:00:00Z",
		"outcome: win",
		"confidence: 0.90",
		"summary: Ran 5k before work",
		"wins:\n  - ran 5k",
		"source:\n  evidence: I ran 5k before work",
	} {
		if !strings.Contains(checkinMD, want) {
			t.Errorf("expected check-in file to contain %q, got:\n%s", want, checkinMD)
		}
	}

	journalMD := readFile(t, filepath.Join(root, "journal", "2026-03-01.md"))
	for _, want := range []string{
		"entry_date: 2026-03-01",
		"# Journal - 2026-03-01",
		"Morning pages",
		"Evening recap",
	} {
		if !strings.Contains(journalMD, want) {
			t.Errorf("expected journal file to contain %q, got:\n%s", want, journalMD)
		}
	}
	if strings.Index(journalMD, "Morning pages") > strings.Index(journalMD, "Evening recap") {
		t.Error("expected journal entries oldest first")
	}

	memoryMD := readFile(t, filepath.Join(root, "memories", "health.md"))
	for _, want := range []string{
		"# Memories - health",
		"memory: User runs before work",
		"occurrences: 1",
	} {
		if !strings.Contains(memoryMD, want) {
			t.Errorf("expected memory file to contain %q, got:\n%s", want, memoryMD)
		}
	}

	opsLog := readFile(t, filepath.Join(root, "ops.log"))
	if !strings.Contains(opsLog, "# Concierge write operations") {
		t.Errorf("expected ops log header, got:\n%s", opsLog)
	}
	if !strings.Contains(opsLog, "| checkin | checkins/health-morning-run.md | hash-1:checkin") {
		t.Errorf("expected ledger line in ops log, got:\n%s", opsLog)
	}
}

func TestExportUserSkipsUnchanged(t *testing.T) {
	exporter, s, _ := newTestExporter(t)
	user := seedUser(t, s, "alice")
	seedState(t, s, user.ID)

	if _, err := exporter.ExportUser(user.ID, "alice"); err != nil {
		t.Fatalf("first export failed: %v", err)
	}
	res, err := exporter.ExportUser(user.ID, "alice")
	if err != nil {
		t.Fatalf("second export failed: %v", err)
	}
	if res.Rendered != 0 {
		t.Errorf("expected no rendered artifacts on unchanged state, got %d", res.Rendered)
	}
	if res.Skipped != 4 {
		t.Errorf("expected 4 skipped artifacts, got %d", res.Skipped)
	}
}

func TestExportUserRefreshesChangedArtifacts(t *testing.T) {
	exporter, s, dir := newTestExporter(t)
	user := seedUser(t, s, "alice")
	seedState(t, s, user.ID)

	if _, err := exporter.ExportUser(user.ID, "alice"); err != nil {
		t.Fatalf("first export failed: %v", err)
	}

	track, err := s.GetTrack(user.ID, "health", "health-morning-run")
	if err != nil || track == nil {
		t.Fatalf("expected track, got %v error %v", track, err)
	}
	if _, err := s.AppendCheckin(&store.Checkin{
		TrackID: track.ID,
		UserID:  user.ID,
		EntryTS: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC),
		Summary: "Ran 6k",
		Outcome: "win",
	}); err != nil {
		t.Fatalf("failed to append second check-in: %v", err)
	}

	res, err := exporter.ExportUser(user.ID, "alice")
	if err != nil {
		t.Fatalf("second export failed: %v", err)
	}
	if res.Rendered != 2 {
		t.Errorf("expected tracks and check-in file re-rendered, got %d", res.Rendered)
	}
	if res.Skipped != 2 {
		t.Errorf("expected journal and memory files skipped, got %d", res.Skipped)
	}

	checkinMD := readFile(t, filepath.Join(dir, "users", "alice", "checkins", "health-morning-run.md"))
	if got := strings.Count(checkinMD, "<!-- checkin:"); got != 2 {
		t.Errorf("expected 2 check-in blocks, got %d in:\n%s", got, checkinMD)
	}
	if !strings.Contains(checkinMD, "summary: Ran 6k") {
		t.Errorf("expected new check-in in file, got:\n%s", checkinMD)
	}
}

func TestExportUserRestoresMissingOpsLog(t *testing.T) {
	exporter, s, dir := newTestExporter(t)
	user := seedUser(t, s, "alice")
	seedState(t, s, user.ID)

	if _, err := exporter.ExportUser(user.ID, "alice"); err != nil {
		t.Fatalf("first export failed: %v", err)
	}
	opsPath := filepath.Join(dir, "users", "alice", "ops.log")
	if err := os.Remove(opsPath); err != nil {
		t.Fatalf("failed to remove ops log: %v", err)
	}

	res, err := exporter.ExportUser(user.ID, "alice")
	if err != nil {
		t.Fatalf("second export failed: %v", err)
	}
	if res.Rendered != 0 {
		t.Errorf("expected markdown artifacts skipped, got %d rendered", res.Rendered)
	}
	if _, err := os.Stat(opsPath); err != nil {
		t.Errorf("expected ops log restored, got %v", err)
	}
}

func TestExportAll(t *testing.T) {
	exporter, s, dir := newTestExporter(t)
	for _, key := range []string{"alice", "bob"} {
		user := seedUser(t, s, key)
		if _, err := s.InsertMemoryCard(&store.MemoryCard{
			UserID: user.ID, Slug: "fact-" + key, Domain: "general", Memory: "Fact for " + key,
		}); err != nil {
			t.Fatalf("failed to seed card: %v", err)
		}
	}

	results, err := exporter.ExportAll()
	if err != nil {
		t.Fatalf("export all failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, key := range []string{"alice", "bob"} {
		path := filepath.Join(dir, "users", key, "memories", "general.md")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected memory file for %s, got %v", key, err)
		}
	}
}

func TestStateChangedExportsTree(t *testing.T) {
	exporter, s, dir := newTestExporter(t)
	user := seedUser(t, s, "alice")
	seedState(t, s, user.ID)

	exporter.StateChanged(user.ID, "alice", 42)

	if _, err := os.Stat(filepath.Join(dir, "users", "alice", "tracks.md")); err != nil {
		t.Errorf("expected tracks.md after notification, got %v", err)
	}
}

func TestStateChangedDisabled(t *testing.T) {
	exporter, s, dir := newTestExporter(t)
	exporter.cfg.Projection.Enabled = false
	user := seedUser(t, s, "alice")
	seedState(t, s, user.ID)

	exporter.StateChanged(user.ID, "alice", 1)

	if _, err := os.Stat(filepath.Join(dir, "users", "alice")); !os.IsNotExist(err) {
		t.Errorf("expected no export when projection disabled, got %v", err)
	}
}

func TestSummaryItem(t *testing.T) {
	applied := (&Result{UserKey: "alice", Rendered: 3}).SummaryItem()
	if applied.Status != state.StatusApplied || applied.Details != "one-way markdown projection" {
		t.Errorf("expected applied projection item, got %+v", applied)
	}
	if applied.Target != "state/users/alice" {
		t.Errorf("expected projected target, got %q", applied.Target)
	}

	skipped := (&Result{UserKey: "alice"}).SummaryItem()
	if skipped.Status != state.StatusSkipped || skipped.Details != "projection up to date" {
		t.Errorf("expected skipped projection item, got %+v", skipped)
	}
}

func TestSinceText(t *testing.T) {
	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		last time.Time
		want string
	}{
		{time.Time{}, "n/a"},
		{now.Add(-30 * time.Minute), "0h"},
		{now.Add(-3 * time.Hour), "3h"},
		{now.Add(-49 * time.Hour), "2d"},
		{now.Add(time.Hour), "0h"},
	}
	for _, tc := range cases {
		if got := sinceText(tc.last, now); got != tc.want {
			t.Errorf("sinceText: expected %q, got %q", tc.want, got)
		}
	}
}
