package store

import (
	"fmt"
	"time"

	"concierge/internal/logging"
)

// InsertJournalEntry appends one journal entry for a user.
func (s *Store) InsertJournalEntry(e *JournalEntry) (int64, error) {
	if e == nil {
		return 0, fmt.Errorf("journal entry is required")
	}
	if e.UserID == 0 || e.BodyMD == "" {
		return 0, fmt.Errorf("journal entry requires user ID and body")
	}
	if e.EntryTS.IsZero() {
		e.EntryTS = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO journal_entries (user_id, entry_ts, title, body_md, domain_hints, evidence, source_model)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.EntryTS, e.Title, e.BodyMD,
		marshalStringList(e.DomainHints), e.Evidence, e.SourceModel,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert journal entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get journal entry ID: %w", err)
	}

	e.ID = id
	logging.StoreDebug("Inserted journal entry %d for user %d", id, e.UserID)
	return id, nil
}

// RecentJournalEntries returns a user's latest journal entries, newest first.
func (s *Store) RecentJournalEntries(userID int64, limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, entry_ts, title, body_md, domain_hints, evidence, source_model, created_at
		FROM journal_entries WHERE user_id = ?
		ORDER BY entry_ts DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		var e JournalEntry
		var hints string
		if err := rows.Scan(&e.ID, &e.UserID, &e.EntryTS, &e.Title, &e.BodyMD,
			&hints, &e.Evidence, &e.SourceModel, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.DomainHints = unmarshalStringList(hints)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
