// Package session derives stable session keys from request metadata and
// remembers which specialist domains a conversation was recently routed to,
// so routing can prefer continuity over churn.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"concierge/internal/logging"
)

// sessionIDFields are checked in order against passthrough request fields.
// The first non-empty one names the session.
var sessionIDFields = []string{
	"session_id",
	"conversation_id",
	"chat_id",
	"thread_id",
	"session",
	"conversation",
}

// DeriveKey produces the session key for a request. Explicit session
// metadata wins; otherwise the first user message anchors the conversation
// (`first:<sha256[:16]>`, user-scoped when a user id is present). Returns
// "" when neither exists.
func DeriveKey(extras map[string]interface{}, userID, firstUserText string) string {
	for _, field := range sessionIDFields {
		raw, ok := extras[field]
		if !ok || raw == nil {
			continue
		}
		value := strings.TrimSpace(fmt.Sprintf("%v", raw))
		if value != "" {
			return field + ":" + value
		}
	}

	first := strings.TrimSpace(firstUserText)
	if first == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(first))
	digest := hex.EncodeToString(sum[:])[:16]
	user := strings.TrimSpace(userID)
	if user != "" {
		return "user:" + user + ":first:" + digest
	}
	return "first:" + digest
}

type entry struct {
	domains  []string
	lastSeen time.Time
}

// Tracker keeps a bounded per-session history of routed domains. Sessions
// idle past the TTL are pruned opportunistically on writes.
type Tracker struct {
	mu          sync.RWMutex
	historySize int
	idleTTL     time.Duration
	sessions    map[string]*entry
	now         func() time.Time
}

// NewTracker creates a tracker remembering historySize domains per session.
// idleTTL <= 0 disables pruning.
func NewTracker(historySize int, idleTTL time.Duration) *Tracker {
	if historySize <= 0 {
		historySize = 3
	}
	return &Tracker{
		historySize: historySize,
		idleTTL:     idleTTL,
		sessions:    make(map[string]*entry),
		now:         time.Now,
	}
}

// RecentDomains returns the routed domains for a session, oldest first.
func (t *Tracker) RecentDomains(key string) []string {
	if key == "" {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.sessions[key]
	if !ok {
		return nil
	}
	out := make([]string, len(e.domains))
	copy(out, e.domains)
	return out
}

// CurrentDomain returns the most recently routed domain, or "".
func (t *Tracker) CurrentDomain(key string) string {
	domains := t.RecentDomains(key)
	if len(domains) == 0 {
		return ""
	}
	return domains[len(domains)-1]
}

// RememberDomain records the routed domain for a session, keeping the
// newest historySize entries.
func (t *Tracker) RememberDomain(key, domain string) {
	if key == "" || domain == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, ok := t.sessions[key]
	if !ok {
		e = &entry{}
		t.sessions[key] = e
	}
	e.domains = append(e.domains, domain)
	if len(e.domains) > t.historySize {
		e.domains = e.domains[len(e.domains)-t.historySize:]
	}
	e.lastSeen = now

	t.pruneLocked(now)
}

// Reset clears a session's history. Called when a conversation restarts
// (its first user prompt is seen again).
func (t *Tracker) Reset(key string) {
	if key == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[key]; ok {
		delete(t.sessions, key)
		logging.SessionDebug("Session reset: %s", key)
	}
}

// Len returns how many sessions are currently tracked.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *Tracker) pruneLocked(now time.Time) {
	if t.idleTTL <= 0 {
		return
	}
	pruned := 0
	for key, e := range t.sessions {
		if now.Sub(e.lastSeen) > t.idleTTL {
			delete(t.sessions, key)
			pruned++
		}
	}
	if pruned > 0 {
		logging.SessionDebug("Pruned %d idle sessions (%d remain)", pruned, len(t.sessions))
	}
}
