package store

import (
	"database/sql"
	"fmt"

	"concierge/internal/logging"
)

// UpsertTurnEvent records one conversational turn, keyed by request hash.
// Replaying the same request updates the existing row in place.
func (s *Store) UpsertTurnEvent(ev *TurnEvent) (int64, error) {
	if ev == nil {
		return 0, fmt.Errorf("turn event is required")
	}
	if ev.UserID == 0 || ev.RequestHash == "" {
		return 0, fmt.Errorf("turn event requires user ID and request hash")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO turn_events
			(user_id, request_hash, session_key, domain, user_text,
			 assistant_excerpt, decision_reason, decision_failed, footer_md)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, request_hash) DO UPDATE SET
			session_key = excluded.session_key,
			domain = excluded.domain,
			user_text = excluded.user_text,
			assistant_excerpt = excluded.assistant_excerpt,
			decision_reason = excluded.decision_reason,
			decision_failed = excluded.decision_failed,
			footer_md = excluded.footer_md,
			updated_at = CURRENT_TIMESTAMP`,
		ev.UserID, ev.RequestHash, ev.SessionKey, ev.Domain, ev.UserText,
		ev.AssistantExcerpt, ev.DecisionReason, ev.DecisionFailed, ev.FooterMD,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert turn event: %w", err)
	}

	// LastInsertId is unreliable on the update path, so resolve by key.
	var id int64
	if err := s.db.QueryRow(
		"SELECT id FROM turn_events WHERE user_id = ? AND request_hash = ?",
		ev.UserID, ev.RequestHash,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to resolve turn event ID: %w", err)
	}
	ev.ID = id
	return id, nil
}

// GetTurnEvent fetches the recorded turn for a (user, request hash) pair.
// Returns nil without error when no turn has been recorded.
func (s *Store) GetTurnEvent(userID int64, requestHash string) (*TurnEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ev TurnEvent
	err := s.db.QueryRow(`
		SELECT id, user_id, request_hash, session_key, domain, user_text,
		       assistant_excerpt, decision_reason, decision_failed, footer_md,
		       created_at, updated_at
		FROM turn_events WHERE user_id = ? AND request_hash = ?`,
		userID, requestHash,
	).Scan(&ev.ID, &ev.UserID, &ev.RequestHash, &ev.SessionKey, &ev.Domain,
		&ev.UserText, &ev.AssistantExcerpt, &ev.DecisionReason, &ev.DecisionFailed,
		&ev.FooterMD, &ev.CreatedAt, &ev.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get turn event: %w", err)
	}
	return &ev, nil
}

// RecentTurnEvents returns the latest turns for a user, newest first.
func (s *Store) RecentTurnEvents(userID int64, limit int) ([]*TurnEvent, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, request_hash, session_key, domain, user_text,
		       assistant_excerpt, decision_reason, decision_failed, footer_md,
		       created_at, updated_at
		FROM turn_events WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query turn events: %w", err)
	}
	defer rows.Close()

	var events []*TurnEvent
	for rows.Next() {
		var ev TurnEvent
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.RequestHash, &ev.SessionKey,
			&ev.Domain, &ev.UserText, &ev.AssistantExcerpt, &ev.DecisionReason,
			&ev.DecisionFailed, &ev.FooterMD, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// AcquireWrite claims the idempotency key for one state channel write.
// It returns true when this call won the claim and the write should
// proceed, false when an earlier request already performed it.
func (s *Store) AcquireWrite(userID int64, idempotencyKey, channel, target string) (bool, error) {
	if idempotencyKey == "" || channel == "" {
		return false, fmt.Errorf("idempotency key and channel are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"INSERT OR IGNORE INTO write_ledger (idempotency_key, user_id, channel, target) VALUES (?, ?, ?, ?)",
		idempotencyKey, userID, channel, target,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim write: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check write claim: %w", err)
	}
	if affected == 0 {
		logging.StoreDebug("Write already claimed: %s (%s)", idempotencyKey, channel)
		return false, nil
	}
	return true, nil
}

// ReleaseWrite removes a claim so a failed write can be retried by a
// later request. Best effort: a missing row is not an error.
func (s *Store) ReleaseWrite(idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM write_ledger WHERE idempotency_key = ?", idempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to release write claim: %w", err)
	}
	return nil
}

// WriteLedgerEntries returns a user's committed write claims, newest
// first. This feeds the projected operations log.
func (s *Store) WriteLedgerEntries(userID int64, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT idempotency_key, user_id, channel, target, created_at
		FROM write_ledger WHERE user_id = ?
		ORDER BY created_at DESC, idempotency_key LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query write ledger: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.IdempotencyKey, &e.UserID, &e.Channel, &e.Target, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// WriteClaimed reports whether a channel write was already performed for
// the given idempotency key.
func (s *Store) WriteClaimed(idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM write_ledger WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check write claim: %w", err)
	}
	return count > 0, nil
}
