package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readAuditLines(t *testing.T, dir string) []AuditEvent {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read audit dir: %v", err)
	}
	var events []AuditEvent
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), "_audit.jsonl") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			t.Fatalf("Failed to read audit file: %v", err)
		}
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			var event AuditEvent
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				t.Fatalf("Invalid audit JSON line %q: %v", line, err)
			}
			events = append(events, event)
		}
	}
	return events
}

func TestAuditTurnScope(t *testing.T) {
	tempDir := t.TempDir()
	resetLogging()

	if err := InitAudit(tempDir); err != nil {
		t.Fatalf("InitAudit failed: %v", err)
	}

	audit := AuditForTurn("sess-1", "req-9", "alice")
	audit.Routed("health", "explicit topic", 0.93)
	audit.Write("checkin", "checkins/health-75-day.md", "applied")
	audit.Write("memory", "memories/health.md", "skipped_duplicate")
	audit.Decision("health", "state-model", true, false)
	CloseAudit()

	events := readAuditLines(t, tempDir)
	if len(events) != 4 {
		t.Fatalf("expected 4 audit events, got %d", len(events))
	}

	for _, event := range events {
		if event.SessionKey != "sess-1" {
			t.Errorf("expected session sess-1, got %s", event.SessionKey)
		}
		if event.RequestID != "req-9" {
			t.Errorf("expected request req-9, got %s", event.RequestID)
		}
		if event.Timestamp == 0 {
			t.Error("expected timestamp to be stamped")
		}
	}

	if events[0].EventType != AuditTurnRouted || events[0].Domain != "health" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].EventType != AuditWriteApplied {
		t.Errorf("expected write_applied, got %s", events[1].EventType)
	}
	if events[2].EventType != AuditWriteSkipped {
		t.Errorf("expected write_skipped for duplicate, got %s", events[2].EventType)
	}
}

func TestAuditDisabledIsNoop(t *testing.T) {
	resetLogging()

	// No InitAudit call: emitters must be silent no-ops.
	Audit().Routed("general", "fallback", 0)
	Audit().ModelCall("gpt-4.1-mini", 12, nil)
}

func TestAuditModelCallError(t *testing.T) {
	tempDir := t.TempDir()
	resetLogging()

	if err := InitAudit(tempDir); err != nil {
		t.Fatalf("InitAudit failed: %v", err)
	}
	Audit().ModelCall("router-model", 45, os.ErrDeadlineExceeded)
	CloseAudit()

	events := readAuditLines(t, tempDir)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventType != AuditModelError {
		t.Errorf("expected model_error, got %s", events[0].EventType)
	}
	if events[0].Success {
		t.Error("expected success=false for failed call")
	}
}
