package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register sqlite driver
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS fallback_sessions (
	session_id              TEXT PRIMARY KEY,
	exhausted_at            INTEGER NOT NULL DEFAULT 0,
	last_fallback_at        INTEGER NOT NULL DEFAULT 0,
	original_model          TEXT NOT NULL DEFAULT '',
	fallback_model          TEXT NOT NULL DEFAULT '',
	restored_at             INTEGER NOT NULL DEFAULT 0,
	last_restore_attempt_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS fallback_meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

const metaLastCheckAt = "last_check_at"

// sqliteStore implements Store on a SQLite database
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

// Load reads every record and the last sweep time
func (s *sqliteStore) Load() (*State, error) {
	state := NewState()

	rows, err := s.db.Query(`SELECT session_id, exhausted_at, last_fallback_at, original_model,
		fallback_model, restored_at, last_restore_attempt_at FROM fallback_sessions`)
	if err != nil {
		return nil, fmt.Errorf("querying fallback sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sessionID string
		var record FallbackRecord
		if err := rows.Scan(&sessionID, &record.ExhaustedAt, &record.LastFallbackAt, &record.OriginalModel,
			&record.FallbackModel, &record.RestoredAt, &record.LastRestoreAttemptAt); err != nil {
			return nil, err
		}
		state.Sessions[sessionID] = &record
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var lastCheck int64
	err = s.db.QueryRow("SELECT value FROM fallback_meta WHERE key = ?", metaLastCheckAt).Scan(&lastCheck)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("querying last check time: %w", err)
	default:
		state.LastCheckAt = Timestamp(lastCheck)
	}
	return state, nil
}

// Save replaces all rows in one transaction
func (s *sqliteStore) Save(state *State) error {
	if state == nil {
		state = NewState()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM fallback_sessions"); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO fallback_sessions
		(session_id, exhausted_at, last_fallback_at, original_model, fallback_model, restored_at, last_restore_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for sessionID, record := range state.Sessions {
		if record == nil {
			continue
		}
		if _, err := stmt.Exec(sessionID, int64(record.ExhaustedAt), int64(record.LastFallbackAt), record.OriginalModel,
			record.FallbackModel, int64(record.RestoredAt), int64(record.LastRestoreAttemptAt)); err != nil {
			return fmt.Errorf("saving session %s: %w", sessionID, err)
		}
	}

	if _, err := tx.Exec("INSERT OR REPLACE INTO fallback_meta (key, value) VALUES (?, ?)",
		metaLastCheckAt, int64(state.LastCheckAt)); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}
