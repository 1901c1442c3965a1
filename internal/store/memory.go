package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"concierge/internal/logging"
)

// InsertMemoryCard creates a new durable memory card for a user. The
// slug must be unique within the user's scope.
func (s *Store) InsertMemoryCard(card *MemoryCard) (int64, error) {
	if card == nil {
		return 0, fmt.Errorf("memory card is required")
	}
	if card.UserID == 0 || card.Slug == "" || card.Memory == "" {
		return 0, fmt.Errorf("memory card requires user ID, slug, and memory text")
	}
	if card.Status == "" {
		card.Status = MemoryStatusActive
	}
	if card.Occurrences <= 0 {
		card.Occurrences = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO memory_cards
			(user_id, slug, domain, memory, status, occurrences, narrative,
			 tags, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.UserID, card.Slug, card.Domain, card.Memory, card.Status,
		card.Occurrences, card.Narrative, marshalStringList(card.Tags),
		card.Confidence,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert memory card: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get memory card ID: %w", err)
	}

	card.ID = id
	logging.Store("Created memory card %d (%s) for user %d", id, card.Slug, card.UserID)
	return id, nil
}

// GetMemoryCard retrieves one card by ID. Returns nil without error
// when the card does not exist.
func (s *Store) GetMemoryCard(id int64) (*MemoryCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	card, err := s.scanMemoryCard(s.db.QueryRow(memoryCardSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory card: %w", err)
	}
	return card, nil
}

// GetMemoryCardBySlug retrieves one card by (user, slug). Returns nil
// without error when the card does not exist.
func (s *Store) GetMemoryCardBySlug(userID int64, slug string) (*MemoryCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	card, err := s.scanMemoryCard(s.db.QueryRow(
		memoryCardSelect+" WHERE user_id = ? AND slug = ?", userID, slug))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory card by slug: %w", err)
	}
	return card, nil
}

const memoryCardSelect = `
	SELECT id, user_id, slug, domain, memory, status, occurrences, narrative,
	       tags, confidence, first_seen, last_seen, created_at, updated_at
	FROM memory_cards`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanMemoryCard(row rowScanner) (*MemoryCard, error) {
	var c MemoryCard
	var tags string
	err := row.Scan(&c.ID, &c.UserID, &c.Slug, &c.Domain, &c.Memory, &c.Status,
		&c.Occurrences, &c.Narrative, &tags, &c.Confidence,
		&c.FirstSeen, &c.LastSeen, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Tags = unmarshalStringList(tags)
	return &c, nil
}

// MergeMemoryCard reinforces an existing card with a fresh observation:
// occurrences climbs, last_seen moves forward, and a non-empty narrative
// line is appended to the card's history. When the new memory text
// differs it replaces the old text (the latest phrasing wins).
func (s *Store) MergeMemoryCard(cardID int64, memory, narrativeLine string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, err := s.scanMemoryCard(s.db.QueryRow(memoryCardSelect+" WHERE id = ?", cardID))
	if err == sql.ErrNoRows {
		return fmt.Errorf("memory card %d not found", cardID)
	}
	if err != nil {
		return fmt.Errorf("failed to load memory card for merge: %w", err)
	}

	newMemory := card.Memory
	if memory != "" && memory != card.Memory {
		newMemory = memory
	}
	newNarrative := card.Narrative
	if narrativeLine != "" {
		if newNarrative != "" {
			newNarrative += "\n"
		}
		newNarrative += narrativeLine
	}
	newConfidence := card.Confidence
	if confidence > newConfidence {
		newConfidence = confidence
	}

	if _, err := s.db.Exec(`
		UPDATE memory_cards SET
			memory = ?,
			occurrences = occurrences + 1,
			narrative = ?,
			confidence = ?,
			status = ?,
			last_seen = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		newMemory, newNarrative, newConfidence, MemoryStatusActive, cardID,
	); err != nil {
		return fmt.Errorf("failed to merge memory card: %w", err)
	}

	logging.StoreDebug("Merged memory card %d (occurrences now %d)", cardID, card.Occurrences+1)
	return nil
}

// PromoteMemoryCard flips an unverified card to active.
func (s *Store) PromoteMemoryCard(cardID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE memory_cards SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		MemoryStatusActive, cardID,
	)
	if err != nil {
		return fmt.Errorf("failed to promote memory card: %w", err)
	}
	return nil
}

// AddMemoryEvidence attaches a supporting excerpt to a card.
func (s *Store) AddMemoryEvidence(ev *MemoryEvidence) (int64, error) {
	if ev == nil || ev.CardID == 0 || ev.Excerpt == "" {
		return 0, fmt.Errorf("memory evidence requires card ID and excerpt")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"INSERT INTO memory_evidence (card_id, user_id, request_hash, excerpt) VALUES (?, ?, ?, ?)",
		ev.CardID, ev.UserID, ev.RequestHash, ev.Excerpt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert memory evidence: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get evidence ID: %w", err)
	}
	ev.ID = id
	return id, nil
}

// EvidenceForCard returns a card's supporting excerpts, newest first.
func (s *Store) EvidenceForCard(cardID int64, limit int) ([]*MemoryEvidence, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, card_id, user_id, request_hash, excerpt, created_at
		FROM memory_evidence WHERE card_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		cardID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory evidence: %w", err)
	}
	defer rows.Close()

	var evidence []*MemoryEvidence
	for rows.Next() {
		var ev MemoryEvidence
		if err := rows.Scan(&ev.ID, &ev.CardID, &ev.UserID, &ev.RequestHash,
			&ev.Excerpt, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory evidence: %w", err)
		}
		evidence = append(evidence, &ev)
	}
	return evidence, rows.Err()
}

// RecentMemoryCards returns a user's cards ordered by recency of
// reinforcement. Pass statuses to filter; empty means all statuses.
func (s *Store) RecentMemoryCards(userID int64, limit int, statuses ...string) ([]*MemoryCard, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := memoryCardSelect + " WHERE user_id = ?"
	args := []interface{}{userID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY last_seen DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory cards: %w", err)
	}
	defer rows.Close()

	var cards []*MemoryCard
	for rows.Next() {
		card, err := s.scanMemoryCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// MemoryCardsByDomain returns a user's cards in one domain, most recently
// reinforced first. This is the recency half of curation candidate
// selection.
func (s *Store) MemoryCardsByDomain(userID int64, domain string, limit int) ([]*MemoryCard, error) {
	if limit <= 0 {
		limit = 5
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		memoryCardSelect+` WHERE user_id = ? AND domain = ?
		ORDER BY last_seen DESC, id DESC LIMIT ?`,
		userID, domain, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query domain memory cards: %w", err)
	}
	defer rows.Close()

	var cards []*MemoryCard
	for rows.Next() {
		card, err := s.scanMemoryCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// CountMemoryCards returns the number of cards a user holds.
func (s *Store) CountMemoryCards(userID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM memory_cards WHERE user_id = ?", userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count memory cards: %w", err)
	}
	return count, nil
}

// TouchMemoryCard updates last_seen without changing content. Used when
// a card was recalled into context but not modified.
func (s *Store) TouchMemoryCard(cardID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE memory_cards SET last_seen = ? WHERE id = ?", at, cardID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch memory card: %w", err)
	}
	return nil
}
