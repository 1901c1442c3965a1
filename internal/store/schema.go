package store

import (
	"database/sql"
	"fmt"

	"concierge/internal/logging"
)

// initialize creates the required tables.
func (s *Store) initialize() error {
	usersTable := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_key TEXT NOT NULL UNIQUE,
		display_name TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	// UNIQUE(user_id, request_hash) makes turn recording idempotent: a
	// replayed request updates its row instead of duplicating it.
	turnEventsTable := `
	CREATE TABLE IF NOT EXISTS turn_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		request_hash TEXT NOT NULL,
		session_key TEXT DEFAULT '',
		domain TEXT DEFAULT '',
		user_text TEXT DEFAULT '',
		assistant_excerpt TEXT DEFAULT '',
		decision_reason TEXT DEFAULT '',
		decision_failed BOOLEAN DEFAULT FALSE,
		footer_md TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, request_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_turn_events_user ON turn_events(user_id);
	CREATE INDEX IF NOT EXISTS idx_turn_events_created ON turn_events(created_at);
	`

	// The write ledger is the at-most-once guard: one row per
	// (request_hash, channel), inserted if absent before a channel write.
	writeLedgerTable := `
	CREATE TABLE IF NOT EXISTS write_ledger (
		idempotency_key TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id),
		channel TEXT NOT NULL,
		target TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_write_ledger_user ON write_ledger(user_id);
	`

	tracksTable := `
	CREATE TABLE IF NOT EXISTS tracks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		domain TEXT NOT NULL,
		track_type TEXT NOT NULL DEFAULT 'goal',
		slug TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT DEFAULT 'active',
		checkin_count INTEGER DEFAULT 0,
		win_count INTEGER DEFAULT 0,
		last_outcome TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, domain, slug)
	);
	CREATE INDEX IF NOT EXISTS idx_tracks_user_domain ON tracks(user_id, domain);
	`

	checkinsTable := `
	CREATE TABLE IF NOT EXISTS checkins (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		track_id INTEGER NOT NULL REFERENCES tracks(id),
		user_id INTEGER NOT NULL REFERENCES users(id),
		entry_ts DATETIME NOT NULL,
		summary TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT 'note',
		wins TEXT DEFAULT '[]',
		barriers TEXT DEFAULT '[]',
		next_actions TEXT DEFAULT '[]',
		tags TEXT DEFAULT '[]',
		metrics TEXT DEFAULT '{}',
		mood TEXT DEFAULT '',
		evidence TEXT DEFAULT '',
		confidence REAL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_checkins_track ON checkins(track_id);
	CREATE INDEX IF NOT EXISTS idx_checkins_user_ts ON checkins(user_id, entry_ts);
	`

	journalTable := `
	CREATE TABLE IF NOT EXISTS journal_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		entry_ts DATETIME NOT NULL,
		title TEXT DEFAULT '',
		body_md TEXT NOT NULL,
		domain_hints TEXT DEFAULT '[]',
		evidence TEXT DEFAULT '',
		source_model TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_journal_user_ts ON journal_entries(user_id, entry_ts);
	`

	memoryCardsTable := `
	CREATE TABLE IF NOT EXISTS memory_cards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		slug TEXT NOT NULL,
		domain TEXT DEFAULT '',
		memory TEXT NOT NULL,
		status TEXT DEFAULT 'active',
		occurrences INTEGER DEFAULT 1,
		narrative TEXT DEFAULT '',
		tags TEXT DEFAULT '[]',
		confidence REAL DEFAULT 0,
		first_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, slug)
	);
	CREATE INDEX IF NOT EXISTS idx_memory_cards_user ON memory_cards(user_id);
	CREATE INDEX IF NOT EXISTS idx_memory_cards_last_seen ON memory_cards(last_seen);
	`

	memoryEvidenceTable := `
	CREATE TABLE IF NOT EXISTS memory_evidence (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		card_id INTEGER NOT NULL REFERENCES memory_cards(id),
		user_id INTEGER NOT NULL REFERENCES users(id),
		request_hash TEXT DEFAULT '',
		excerpt TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_memory_evidence_card ON memory_evidence(card_id);
	`

	// Embeddings live in a plain blob table so both ranking paths (the
	// sqlite-vec distance function and in-process cosine) read one source.
	memoryVectorsTable := `
	CREATE TABLE IF NOT EXISTS memory_vectors (
		card_id INTEGER PRIMARY KEY REFERENCES memory_cards(id),
		embedding BLOB NOT NULL,
		dim INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	// One row per rendered markdown artifact. rendered_hash plus
	// source_max_updated_at let the exporter skip unchanged files.
	projectionStateTable := `
	CREATE TABLE IF NOT EXISTS projection_state (
		user_id INTEGER NOT NULL REFERENCES users(id),
		artifact_type TEXT NOT NULL,
		artifact_key TEXT NOT NULL,
		source_max_updated_at DATETIME,
		rendered_hash TEXT NOT NULL,
		path TEXT DEFAULT '',
		exported_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, artifact_type, artifact_key)
	);
	`

	for _, table := range []string{
		usersTable,
		turnEventsTable,
		writeLedgerTable,
		tracksTable,
		checkinsTable,
		journalTable,
		memoryCardsTable,
		memoryEvidenceTable,
		memoryVectorsTable,
		projectionStateTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// Run schema migrations for databases created before newer columns
	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Migration defines a database schema migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists column adds for databases created by older
// releases. Fresh databases already have these columns and skip quietly.
var pendingMigrations = []Migration{
	// Footer text added so replayed requests can echo the original footer
	{"turn_events", "footer_md", "TEXT DEFAULT ''"},
	{"turn_events", "decision_failed", "BOOLEAN DEFAULT FALSE"},
	// Track outcome counters added with the progress summary view
	{"tracks", "win_count", "INTEGER DEFAULT 0"},
	{"tracks", "last_outcome", "TEXT DEFAULT ''"},
	// Mood and tag capture added to check-ins
	{"checkins", "mood", "TEXT DEFAULT ''"},
	{"checkins", "tags", "TEXT DEFAULT '[]'"},
	// Evidence quote and proposing model kept on journal entries for
	// grounding audits
	{"journal_entries", "evidence", "TEXT DEFAULT ''"},
	{"journal_entries", "source_model", "TEXT DEFAULT ''"},
	// Card confidence and tags added with the verifier
	{"memory_cards", "confidence", "REAL DEFAULT 0"},
	{"memory_cards", "tags", "TEXT DEFAULT '[]'"},
}

// RunMigrations applies schema migrations for existing databases.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	logging.StoreDebug("Running schema migrations (%d pending)", len(pendingMigrations))

	appliedCount := 0
	skippedCount := 0

	for _, m := range pendingMigrations {
		// If the table doesn't exist in this DB, skip quietly.
		if !tableExists(db, m.Table) {
			skippedCount++
			continue
		}

		if !columnExists(db, m.Table, m.Column) {
			query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
			if _, err := db.Exec(query); err != nil {
				logging.Get(logging.CategoryStore).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
				skippedCount++
			} else {
				logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
				appliedCount++
			}
		} else {
			skippedCount++
		}
	}

	logging.StoreDebug("Schema migrations complete: applied=%d, skipped=%d", appliedCount, skippedCount)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	query := fmt.Sprintf("PRAGMA table_info(%s)", table)
	rows, err := db.Query(query)
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}
