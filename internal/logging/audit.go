// Audit logging for the turn pipeline. Every consequential step — routing,
// synthesis, state decisions, durable writes, projection exports — can emit a
// structured JSONL event so an operator can reconstruct what happened to any
// turn after the fact without raising the log level.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType identifies the pipeline step that produced an event.
type AuditEventType string

const (
	// Turn lifecycle, one pair per chat completion.
	AuditTurnStart AuditEventType = "turn_start"
	AuditTurnEnd   AuditEventType = "turn_end"

	// Routing and synthesis.
	AuditTurnRouted AuditEventType = "turn_routed"
	AuditSynthesis  AuditEventType = "synthesis"

	// Model gateway calls.
	AuditModelRequest  AuditEventType = "model_request"
	AuditModelResponse AuditEventType = "model_response"
	AuditModelError    AuditEventType = "model_error"

	// State pipeline.
	AuditDecisionMade   AuditEventType = "decision_made"
	AuditDecisionFailed AuditEventType = "decision_failed"
	AuditWriteApplied   AuditEventType = "write_applied"
	AuditWriteSkipped   AuditEventType = "write_skipped"
	AuditWriteFailed    AuditEventType = "write_failed"

	// Projection.
	AuditProjectionExport AuditEventType = "projection_export"
)

// AuditEvent represents one structured audit record.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`    // Unix milliseconds
	EventType  AuditEventType         `json:"event"` // Pipeline step
	SessionKey string                 `json:"session,omitempty"`
	RequestID  string                 `json:"req,omitempty"`
	UserKey    string                 `json:"user,omitempty"`
	Domain     string                 `json:"domain,omitempty"`
	Target     string                 `json:"target,omitempty"` // Target of the operation
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditMu   sync.Mutex
	auditFile *os.File
)

// AuditLogger stamps every event it emits with the scope of one turn. The
// zero value is the unscoped global logger.
type AuditLogger struct {
	base AuditEvent
}

// InitAudit opens the audit trail in the given directory. Disabled (no-op
// emitters) when dir is empty.
func InitAudit(dir string) error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	name := fmt.Sprintf("%s_audit.jsonl", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the unscoped audit logger for events that belong to no
// single turn, like gateway calls shared by routing and synthesis.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditForTurn creates an audit logger scoped to one turn. Events emitted
// through it inherit the session, request, and user keys unless they set
// their own.
func AuditForTurn(sessionKey, requestID, userKey string) *AuditLogger {
	return &AuditLogger{base: AuditEvent{
		SessionKey: sessionKey,
		RequestID:  requestID,
		UserKey:    userKey,
	}}
}

// Log writes an audit event. Best-effort: failures are swallowed so the
// audit trail can never break a turn.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionKey == "" {
		event.SessionKey = a.base.SessionKey
	}
	if event.RequestID == "" {
		event.RequestID = a.base.RequestID
	}
	if event.UserKey == "" {
		event.UserKey = a.base.UserKey
	}

	if data, err := json.Marshal(event); err == nil {
		fmt.Fprintf(auditFile, "%s\n", data)
	}
}

// Routed records the routing verdict for a turn.
func (a *AuditLogger) Routed(domain, reason string, confidence float64) {
	a.Log(AuditEvent{
		EventType: AuditTurnRouted,
		Domain:    domain,
		Success:   true,
		Message:   reason,
		Fields:    map[string]interface{}{"confidence": confidence},
	})
}

// ModelCall records a gateway call outcome.
func (a *AuditLogger) ModelCall(model string, durationMs int64, err error) {
	event := AuditEvent{
		EventType:  AuditModelResponse,
		Target:     model,
		Success:    err == nil,
		DurationMs: durationMs,
	}
	if err != nil {
		event.EventType = AuditModelError
		event.Error = err.Error()
	}
	a.Log(event)
}

// Decision records the state decision verdict.
func (a *AuditLogger) Decision(domain, reason string, hasWrites, failed bool) {
	eventType := AuditDecisionMade
	if failed {
		eventType = AuditDecisionFailed
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Domain:    domain,
		Success:   !failed,
		Message:   reason,
		Fields:    map[string]interface{}{"has_writes": hasWrites},
	})
}

// Write records a durable write outcome per channel.
func (a *AuditLogger) Write(channel, target, status string) {
	eventType := AuditWriteApplied
	switch status {
	case "skipped_duplicate", "skipped":
		eventType = AuditWriteSkipped
	case "failed":
		eventType = AuditWriteFailed
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Target:    target,
		Success:   eventType != AuditWriteFailed,
		Message:   status,
		Fields:    map[string]interface{}{"channel": channel},
	})
}

// Projection records a projection export outcome.
func (a *AuditLogger) Projection(target, status string) {
	a.Log(AuditEvent{
		EventType: AuditProjectionExport,
		Target:    target,
		Success:   status != "failed",
		Message:   status,
	})
}
