package store

import (
	"encoding/json"
	"time"
)

// User is one state owner. Every durable row hangs off a user id; user_key is
// the sanitized external identity.
type User struct {
	ID          int64
	UserKey     string
	DisplayName string
	CreatedAt   time.Time
	LastSeen    time.Time
}

// TurnEvent records one processed exchange. The (user_id, request_hash) pair
// is unique so a replayed request updates its existing row instead of
// appending a duplicate.
type TurnEvent struct {
	ID               int64
	UserID           int64
	RequestHash      string
	SessionKey       string
	Domain           string
	UserText         string
	AssistantExcerpt string
	DecisionReason   string
	DecisionFailed   bool
	FooterMD         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Track is a long-running thread of check-ins: a goal, habit, or system the
// user keeps returning to within one domain.
type Track struct {
	ID           int64
	UserID       int64
	Domain       string
	TrackType    string
	Slug         string
	Title        string
	Status       string
	CheckinCount int64
	WinCount     int64
	LastOutcome  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Checkin is one progress entry appended to a track.
type Checkin struct {
	ID          int64
	TrackID     int64
	UserID      int64
	EntryTS     time.Time
	Summary     string
	Outcome     string
	Wins        []string
	Barriers    []string
	NextActions []string
	Tags        []string
	Metrics     map[string]string
	Mood        string
	Evidence    string
	Confidence  float64
	CreatedAt   time.Time
}

// CheckinWithTrack pairs a check-in with its track identity for display and
// decision context.
type CheckinWithTrack struct {
	Checkin
	TrackTitle string
	TrackSlug  string
	Domain     string
	TrackType  string
}

// JournalEntry is one narrative entry in the user's journal. SourceModel
// records which model proposed the entry.
type JournalEntry struct {
	ID          int64
	UserID      int64
	EntryTS     time.Time
	Title       string
	BodyMD      string
	DomainHints []string
	Evidence    string
	SourceModel string
	CreatedAt   time.Time
}

// MemoryCard is one durable fact about the user. Cards accrete: repeated
// observations bump occurrences and append to the narrative instead of
// creating near-duplicates.
type MemoryCard struct {
	ID          int64
	UserID      int64
	Slug        string
	Domain      string
	Memory      string
	Status      string
	Occurrences int64
	Narrative   string
	Tags        []string
	Confidence  float64
	FirstSeen   time.Time
	LastSeen    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Memory card statuses.
const (
	MemoryStatusActive     = "active"
	MemoryStatusUnverified = "unverified"
)

// MemoryEvidence is a stored user-text excerpt backing a memory card.
type MemoryEvidence struct {
	ID          int64
	CardID      int64
	UserID      int64
	RequestHash string
	Excerpt     string
	CreatedAt   time.Time
}

// MemoryCandidate is a memory card ranked by semantic distance to a query.
type MemoryCandidate struct {
	Card     MemoryCard
	Distance float64
}

// LedgerEntry is one committed write claim from the idempotency ledger.
// Failed writes release their claim, so surviving rows are all applied.
type LedgerEntry struct {
	IdempotencyKey string
	UserID         int64
	Channel        string
	Target         string
	CreatedAt      time.Time
}

// ProjectionState tracks one rendered markdown artifact so the exporter can
// skip files whose sources have not changed since the last render.
type ProjectionState struct {
	UserID             int64
	ArtifactType       string
	ArtifactKey        string
	SourceMaxUpdatedAt time.Time
	RenderedHash       string
	Path               string
	ExportedAt         time.Time
}

// marshalStringList encodes a string slice as the JSON stored in list
// columns. Nil encodes as the empty list.
func marshalStringList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}

func marshalStringMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalStringMap(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
