package store

import (
	"database/sql"
	"fmt"
	"time"

	"concierge/internal/logging"
)

// FindOrCreateTrack resolves the progress track for (user, domain, slug),
// creating it with the given title and type on first use.
func (s *Store) FindOrCreateTrack(userID int64, domain, slug, title, trackType string) (*Track, error) {
	if userID == 0 || domain == "" || slug == "" {
		return nil, fmt.Errorf("track requires user ID, domain, and slug")
	}
	if trackType == "" {
		trackType = "goal"
	}
	if title == "" {
		title = slug
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	track, err := s.getTrack(userID, domain, slug)
	if err == nil {
		return track, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to look up track: %w", err)
	}

	result, err := s.db.Exec(
		"INSERT INTO tracks (user_id, domain, track_type, slug, title) VALUES (?, ?, ?, ?, ?)",
		userID, domain, trackType, slug, title,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create track: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get track ID: %w", err)
	}

	logging.Store("Created track %d (%s/%s) for user %d", id, domain, slug, userID)

	now := time.Now()
	return &Track{
		ID:        id,
		UserID:    userID,
		Domain:    domain,
		TrackType: trackType,
		Slug:      slug,
		Title:     title,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Store) getTrack(userID int64, domain, slug string) (*Track, error) {
	var t Track
	err := s.db.QueryRow(`
		SELECT id, user_id, domain, track_type, slug, title, status,
		       checkin_count, win_count, last_outcome, created_at, updated_at
		FROM tracks WHERE user_id = ? AND domain = ? AND slug = ?`,
		userID, domain, slug,
	).Scan(&t.ID, &t.UserID, &t.Domain, &t.TrackType, &t.Slug, &t.Title,
		&t.Status, &t.CheckinCount, &t.WinCount, &t.LastOutcome,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTrack retrieves one track by its identity triple. Returns nil
// without error when the track does not exist.
func (s *Store) GetTrack(userID int64, domain, slug string) (*Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	track, err := s.getTrack(userID, domain, slug)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get track: %w", err)
	}
	return track, nil
}

// ListTracks returns a user's tracks, most recently updated first.
func (s *Store) ListTracks(userID int64) ([]*Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, domain, track_type, slug, title, status,
		       checkin_count, win_count, last_outcome, created_at, updated_at
		FROM tracks WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}
	defer rows.Close()

	var tracks []*Track
	for rows.Next() {
		var t Track
		if err := rows.Scan(&t.ID, &t.UserID, &t.Domain, &t.TrackType, &t.Slug,
			&t.Title, &t.Status, &t.CheckinCount, &t.WinCount, &t.LastOutcome,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		tracks = append(tracks, &t)
	}
	return tracks, rows.Err()
}

// AppendCheckin inserts a check-in entry and updates the owning track's
// counters in one transaction.
func (s *Store) AppendCheckin(c *Checkin) (int64, error) {
	if c == nil {
		return 0, fmt.Errorf("checkin is required")
	}
	if c.TrackID == 0 || c.UserID == 0 || c.Summary == "" {
		return 0, fmt.Errorf("checkin requires track ID, user ID, and summary")
	}
	if c.Outcome == "" {
		c.Outcome = "note"
	}
	if c.EntryTS.IsZero() {
		c.EntryTS = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO checkins
			(track_id, user_id, entry_ts, summary, outcome, wins, barriers,
			 next_actions, tags, metrics, mood, evidence, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TrackID, c.UserID, c.EntryTS, c.Summary, c.Outcome,
		marshalStringList(c.Wins), marshalStringList(c.Barriers),
		marshalStringList(c.NextActions), marshalStringList(c.Tags),
		marshalStringMap(c.Metrics), c.Mood, c.Evidence, c.Confidence,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert checkin: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get checkin ID: %w", err)
	}

	winDelta := 0
	if c.Outcome == "win" {
		winDelta = 1
	}
	if _, err := tx.Exec(`
		UPDATE tracks SET
			checkin_count = checkin_count + 1,
			win_count = win_count + ?,
			last_outcome = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		winDelta, c.Outcome, c.TrackID,
	); err != nil {
		return 0, fmt.Errorf("failed to update track counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit checkin: %w", err)
	}

	c.ID = id
	logging.StoreDebug("Appended checkin %d to track %d (outcome=%s)", id, c.TrackID, c.Outcome)
	return id, nil
}

// RecentCheckins returns a user's latest check-ins joined with their
// track identity, newest first.
func (s *Store) RecentCheckins(userID int64, limit int) ([]*CheckinWithTrack, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT c.id, c.track_id, c.user_id, c.entry_ts, c.summary, c.outcome,
		       c.wins, c.barriers, c.next_actions, c.tags, c.metrics, c.mood,
		       c.evidence, c.confidence, c.created_at,
		       t.domain, t.track_type, t.slug, t.title
		FROM checkins c
		JOIN tracks t ON t.id = c.track_id
		WHERE c.user_id = ?
		ORDER BY c.entry_ts DESC, c.id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkins: %w", err)
	}
	defer rows.Close()

	var results []*CheckinWithTrack
	for rows.Next() {
		var cw CheckinWithTrack
		var wins, barriers, nextActions, tags, metrics string
		if err := rows.Scan(&cw.ID, &cw.TrackID, &cw.UserID, &cw.EntryTS,
			&cw.Summary, &cw.Outcome, &wins, &barriers, &nextActions, &tags,
			&metrics, &cw.Mood, &cw.Evidence, &cw.Confidence, &cw.CreatedAt,
			&cw.Domain, &cw.TrackType, &cw.TrackSlug, &cw.TrackTitle); err != nil {
			return nil, fmt.Errorf("failed to scan checkin: %w", err)
		}
		cw.Wins = unmarshalStringList(wins)
		cw.Barriers = unmarshalStringList(barriers)
		cw.NextActions = unmarshalStringList(nextActions)
		cw.Tags = unmarshalStringList(tags)
		cw.Metrics = unmarshalStringMap(metrics)
		results = append(results, &cw)
	}
	return results, rows.Err()
}

// CheckinsForTrack returns a single track's check-ins, newest first.
func (s *Store) CheckinsForTrack(trackID int64, limit int) ([]*Checkin, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, track_id, user_id, entry_ts, summary, outcome, wins,
		       barriers, next_actions, tags, metrics, mood, evidence,
		       confidence, created_at
		FROM checkins WHERE track_id = ?
		ORDER BY entry_ts DESC, id DESC LIMIT ?`,
		trackID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query track checkins: %w", err)
	}
	defer rows.Close()

	var checkins []*Checkin
	for rows.Next() {
		var c Checkin
		var wins, barriers, nextActions, tags, metrics string
		if err := rows.Scan(&c.ID, &c.TrackID, &c.UserID, &c.EntryTS, &c.Summary,
			&c.Outcome, &wins, &barriers, &nextActions, &tags, &metrics, &c.Mood,
			&c.Evidence, &c.Confidence, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkin: %w", err)
		}
		c.Wins = unmarshalStringList(wins)
		c.Barriers = unmarshalStringList(barriers)
		c.NextActions = unmarshalStringList(nextActions)
		c.Tags = unmarshalStringList(tags)
		c.Metrics = unmarshalStringMap(metrics)
		checkins = append(checkins, &c)
	}
	return checkins, rows.Err()
}
