package store

import (
	"database/sql"
	"fmt"
)

// UpsertProjectionState records the hash and source watermark for one
// rendered artifact, replacing any earlier row for the same artifact.
func (s *Store) UpsertProjectionState(st *ProjectionState) error {
	if st == nil {
		return fmt.Errorf("projection state is required")
	}
	if st.UserID == 0 || st.ArtifactType == "" || st.ArtifactKey == "" {
		return fmt.Errorf("projection state requires user ID, artifact type, and artifact key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO projection_state
			(user_id, artifact_type, artifact_key, source_max_updated_at,
			 rendered_hash, path, exported_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, artifact_type, artifact_key) DO UPDATE SET
			source_max_updated_at = excluded.source_max_updated_at,
			rendered_hash = excluded.rendered_hash,
			path = excluded.path,
			exported_at = CURRENT_TIMESTAMP`,
		st.UserID, st.ArtifactType, st.ArtifactKey, st.SourceMaxUpdatedAt,
		st.RenderedHash, st.Path,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert projection state: %w", err)
	}
	return nil
}

// GetProjectionState fetches the last recorded render for an artifact.
// Returns nil without error when the artifact has never been rendered.
func (s *Store) GetProjectionState(userID int64, artifactType, artifactKey string) (*ProjectionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st ProjectionState
	var sourceMax sql.NullTime
	err := s.db.QueryRow(`
		SELECT user_id, artifact_type, artifact_key, source_max_updated_at,
		       rendered_hash, path, exported_at
		FROM projection_state
		WHERE user_id = ? AND artifact_type = ? AND artifact_key = ?`,
		userID, artifactType, artifactKey,
	).Scan(&st.UserID, &st.ArtifactType, &st.ArtifactKey, &sourceMax,
		&st.RenderedHash, &st.Path, &st.ExportedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get projection state: %w", err)
	}
	if sourceMax.Valid {
		st.SourceMaxUpdatedAt = sourceMax.Time
	}
	return &st, nil
}

// PruneProjectionState drops state rows for artifacts no longer listed in
// keep, scoped to one artifact type. Used when a track or domain file is
// removed from the export set.
func (s *Store) PruneProjectionState(userID int64, artifactType string, keep []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT artifact_key FROM projection_state WHERE user_id = ? AND artifact_type = ?",
		userID, artifactType,
	)
	if err != nil {
		return fmt.Errorf("failed to list projection state: %w", err)
	}
	known := make(map[string]bool, len(keep))
	for _, k := range keep {
		known[k] = true
	}
	var stale []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan projection state key: %w", err)
		}
		if !known[key] {
			stale = append(stale, key)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, key := range stale {
		if _, err := s.db.Exec(
			"DELETE FROM projection_state WHERE user_id = ? AND artifact_type = ? AND artifact_key = ?",
			userID, artifactType, key,
		); err != nil {
			return fmt.Errorf("failed to prune projection state: %w", err)
		}
	}
	return nil
}
