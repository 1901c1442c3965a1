package projection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"concierge/internal/store"
)

func iso(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// sinceText compresses the gap since the last check-in to days or hours.
func sinceText(last, now time.Time) string {
	if last.IsZero() {
		return "n/a"
	}
	seconds := int(now.Sub(last).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	if days := hours / 24; days > 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dh", hours)
}

func finish(lines []string) string {
	return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"
}

// renderTracks writes the track index: one annotated block per track with
// its counters and a pointer to the per-track check-in file.
func renderTracks(tracks []*store.Track, lastCheckin map[int64]time.Time) string {
	lines := []string{
		"---",
		"schema_version: 1",
		"generated_by: concierge",
		"updated_at: " + iso(time.Now()),
		"---",
		"",
		"# Tracks",
		"",
	}
	for _, t := range tracks {
		lines = append(lines,
			fmt.Sprintf("<!-- track:%d -->", t.ID),
			fmt.Sprintf("id: %d", t.ID),
			"slug: "+t.Slug,
			"domain: "+t.Domain,
			"type: "+t.TrackType,
			"title: "+t.Title,
			"status: "+t.Status,
			"created_at: "+iso(t.CreatedAt),
			"updated_at: "+iso(t.UpdatedAt),
			"last_checkin_at: "+iso(lastCheckin[t.ID]),
			fmt.Sprintf("checkins: %d", t.CheckinCount),
			fmt.Sprintf("wins: %d", t.WinCount),
			"last_outcome: "+t.LastOutcome,
			"checkins_file: checkins/"+t.Slug+".md",
			fmt.Sprintf("<!-- /track:%d -->", t.ID),
			"",
		)
	}
	return finish(lines)
}

// renderCheckinFile writes one track's full check-in log, newest first.
func renderCheckinFile(t *store.Track, events []*store.Checkin, last time.Time) string {
	lines := []string{
		"---",
		"schema_version: 1",
		"generated_by: concierge",
		fmt.Sprintf("track_id: %d", t.ID),
		"track_slug: " + t.Slug,
		"domain: " + t.Domain,
		"type: " + t.TrackType,
		"title: " + t.Title,
		"status: " + t.Status,
		"created_at: " + iso(t.CreatedAt),
		"updated_at: " + iso(t.UpdatedAt),
		"last_checkin_at: " + iso(last),
		"---",
		"",
		"# Track: " + t.Title,
		"",
		"## Snapshot",
		"- Current status: " + t.Status,
		"- Last check-in: " + iso(last),
		"- Time since last check-in: " + sinceText(last, time.Now()),
		"",
		"## Check-in Events",
		"",
	}

	for _, ev := range events {
		lines = append(lines,
			fmt.Sprintf("<!-- checkin:%d -->", ev.ID),
			fmt.Sprintf("id: %d", ev.ID),
			"timestamp: "+iso(ev.EntryTS),
			"outcome: "+ev.Outcome,
			fmt.Sprintf("confidence: %.2f", ev.Confidence),
			"summary: "+ev.Summary,
		)
		if ev.Mood != "" {
			lines = append(lines, "mood: "+ev.Mood)
		}
		lines = append(lines, "wins:")
		for _, win := range ev.Wins {
			lines = append(lines, "  - "+win)
		}
		lines = append(lines, "barriers:")
		for _, barrier := range ev.Barriers {
			lines = append(lines, "  - "+barrier)
		}
		lines = append(lines, "next_actions:")
		for _, action := range ev.NextActions {
			lines = append(lines, "  - "+action)
		}
		if len(ev.Tags) > 0 {
			lines = append(lines, "tags: "+strings.Join(ev.Tags, ", "))
		}
		lines = append(lines,
			"source:",
			"  evidence: "+ev.Evidence,
			fmt.Sprintf("<!-- /checkin:%d -->", ev.ID),
			"",
		)
	}
	return finish(lines)
}

// renderJournalDay writes one day's journal entries, oldest first. Bodies
// are stored as markdown and pass through verbatim.
func renderJournalDay(date string, entries []*store.JournalEntry) string {
	lines := []string{
		"---",
		"schema_version: 1",
		"generated_by: concierge",
		"entry_date: " + date,
		"updated_at: " + iso(time.Now()),
		"---",
		"",
		"# Journal - " + date,
		"",
	}
	for _, entry := range entries {
		lines = append(lines,
			fmt.Sprintf("<!-- journal:%d -->", entry.ID),
			strings.TrimSpace(entry.BodyMD),
			fmt.Sprintf("<!-- /journal:%d -->", entry.ID),
			"",
		)
	}
	return finish(lines)
}

// renderMemoryFile writes one domain's memory cards as plain blocks.
func renderMemoryFile(domain string, cards []*store.MemoryCard) string {
	lines := []string{
		"# Memories - " + domain,
		"",
	}
	for _, card := range cards {
		memory := strings.TrimSpace(card.Memory)
		if memory == "" {
			memory = "-"
		}
		lines = append(lines,
			"memory: "+memory,
			"first_seen: "+iso(card.FirstSeen),
			"last_seen: "+iso(card.LastSeen),
			fmt.Sprintf("occurrences: %d", card.Occurrences),
			"",
		)
	}
	return finish(lines)
}

// renderOpsLog writes the committed write claims, newest first. Failed
// writes release their claim, so every line here landed.
func renderOpsLog(ops []*store.LedgerEntry) string {
	lines := []string{
		"# Concierge write operations",
		"",
	}
	for _, op := range ops {
		lines = append(lines, fmt.Sprintf("%s | %s | %s | %s",
			iso(op.CreatedAt), op.Channel, op.Target, op.IdempotencyKey))
	}
	return finish(lines)
}
