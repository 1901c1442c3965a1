package store

import (
	"fmt"
)

// ContextSnapshot bundles the per-user state that briefs the decision
// model before it proposes writes for a turn.
type ContextSnapshot struct {
	User           *User
	Tracks         []*Track
	RecentCheckins []*CheckinWithTrack
	MemoryCards    []*MemoryCard
	RecentJournal  []*JournalEntry
}

// SnapshotOptions bounds how much history a snapshot carries. Domain, when
// set, ranks that domain's memory cards ahead of the rest so the cards most
// relevant to the routed turn survive the limit.
type SnapshotOptions struct {
	CheckinLimit int
	MemoryLimit  int
	JournalLimit int
	Domain       string
}

// DefaultSnapshotOptions returns the limits used for decision prompts.
func DefaultSnapshotOptions() SnapshotOptions {
	return SnapshotOptions{
		CheckinLimit: 5,
		MemoryLimit:  20,
		JournalLimit: 3,
	}
}

// Snapshot loads a user's current state for prompt assembly. Missing
// sections come back empty rather than failing the whole read.
func (s *Store) Snapshot(userID int64, opts SnapshotOptions) (*ContextSnapshot, error) {
	if userID == 0 {
		return nil, fmt.Errorf("user ID is required")
	}
	if opts.CheckinLimit <= 0 {
		opts.CheckinLimit = 5
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = 20
	}
	if opts.JournalLimit <= 0 {
		opts.JournalLimit = 3
	}

	snap := &ContextSnapshot{}

	s.mu.RLock()
	var user User
	err := s.db.QueryRow(
		"SELECT id, user_key, display_name, created_at, last_seen FROM users WHERE id = ?",
		userID,
	).Scan(&user.ID, &user.UserKey, &user.DisplayName, &user.CreatedAt, &user.LastSeen)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to load user for snapshot: %w", err)
	}
	snap.User = &user

	if tracks, err := s.ListTracks(userID); err == nil {
		snap.Tracks = tracks
	}
	if checkins, err := s.RecentCheckins(userID, opts.CheckinLimit); err == nil {
		snap.RecentCheckins = checkins
	}
	if cards, err := s.memoryCardsDomainFirst(userID, opts.Domain, opts.MemoryLimit); err == nil {
		snap.MemoryCards = cards
	}
	if entries, err := s.RecentJournalEntries(userID, opts.JournalLimit); err == nil {
		snap.RecentJournal = entries
	}

	return snap, nil
}

// memoryCardsDomainFirst returns recent cards with the given domain's cards
// ranked ahead of the rest, so they survive the limit on busy users. An
// empty domain degrades to pure recency.
func (s *Store) memoryCardsDomainFirst(userID int64, domain string, limit int) ([]*MemoryCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		memoryCardSelect+` WHERE user_id = ? AND status IN (?, ?)
		ORDER BY CASE WHEN domain = ? THEN 0 ELSE 1 END, last_seen DESC, id DESC
		LIMIT ?`,
		userID, MemoryStatusActive, MemoryStatusUnverified, domain, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot memory cards: %w", err)
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
