package store

import (
	"database/sql"
	"fmt"
	"time"

	"concierge/internal/logging"
)

// EnsureUser returns the user row for userKey, creating it on first sight.
// The display name is refreshed whenever the caller supplies a non-empty one.
func (s *Store) EnsureUser(userKey, displayName string) (*User, error) {
	if userKey == "" {
		return nil, fmt.Errorf("user key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.getUserByKey(userKey)
	if err == nil {
		if displayName != "" && displayName != user.DisplayName {
			if _, uerr := s.db.Exec(
				"UPDATE users SET display_name = ?, last_seen = CURRENT_TIMESTAMP WHERE id = ?",
				displayName, user.ID,
			); uerr == nil {
				user.DisplayName = displayName
			}
		} else {
			_, _ = s.db.Exec("UPDATE users SET last_seen = CURRENT_TIMESTAMP WHERE id = ?", user.ID)
		}
		user.LastSeen = time.Now()
		return user, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	result, err := s.db.Exec(
		"INSERT INTO users (user_key, display_name) VALUES (?, ?)",
		userKey, displayName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user ID: %w", err)
	}

	logging.Store("Created user %d (key=%s)", id, userKey)

	now := time.Now()
	return &User{
		ID:          id,
		UserKey:     userKey,
		DisplayName: displayName,
		CreatedAt:   now,
		LastSeen:    now,
	}, nil
}

// GetUserByKey retrieves a user by its scope key. Returns nil without
// error when the user does not exist.
func (s *Store) GetUserByKey(userKey string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, err := s.getUserByKey(userKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (s *Store) getUserByKey(userKey string) (*User, error) {
	var u User
	err := s.db.QueryRow(
		"SELECT id, user_key, display_name, created_at, last_seen FROM users WHERE user_key = ?",
		userKey,
	).Scan(&u.ID, &u.UserKey, &u.DisplayName, &u.CreatedAt, &u.LastSeen)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all known users ordered by most recently seen.
func (s *Store) ListUsers() ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, user_key, display_name, created_at, last_seen FROM users ORDER BY last_seen DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.UserKey, &u.DisplayName, &u.CreatedAt, &u.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}
