package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// RequestHash fingerprints one inbound request payload. Marshaling a map
// sorts its keys, so equivalent payloads hash identically regardless of
// field order, and the hash doubles as the turn's idempotency root.
func RequestHash(payload map[string]interface{}) string {
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// idempotencyKey scopes one channel's write under a request hash.
func idempotencyKey(requestHash, channel string) string {
	return requestHash + ":" + channel
}

var unsafePathRE = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SafeUserPath maps a user key to the directory-safe form used in footers
// and the projected tree.
func SafeUserPath(userKey string) string {
	normalized := strings.Trim(unsafePathRE.ReplaceAllString(strings.TrimSpace(userKey), "-"), "-")
	if normalized == "" {
		return "anonymous"
	}
	return normalized
}

// humanElapsed describes the gap between two check-ins for footer details.
func humanElapsed(previous *time.Time, now time.Time) string {
	if previous == nil {
		return "first check-in"
	}
	seconds := int(now.Sub(*previous).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	if seconds < 60 {
		return fmt.Sprintf("%ds since previous", seconds)
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm since previous", minutes)
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh since previous", hours)
	}
	return fmt.Sprintf("%dd since previous", hours/24)
}

// keyedMutex serializes work per key. Entries are created lazily and
// removed when the last holder releases, so the arena never grows with the
// total number of users seen, only with concurrent ones.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

// Lock blocks until the key is held and returns the release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
