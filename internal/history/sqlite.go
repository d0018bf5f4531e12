package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS histories (
    session_id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    summary    TEXT NOT NULL DEFAULT '',
    messages   TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_histories_updated_at ON histories(updated_at);
`

// SQLiteStore implements Store backed by a single SQLite database, for
// deployments that prefer one file over a directory of JSON documents.
type SQLiteStore struct {
	db     *sql.DB
	expiry time.Duration
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteStore(dbPath string, expiry time.Duration) (*SQLiteStore, error) {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db, expiry: expiry}, nil
}

func (s *SQLiteStore) Save(sessionID string, messages []Message) error {
	return s.save(sessionID, messages, nil)
}

func (s *SQLiteStore) SaveWithSummary(sessionID string, messages []Message, summary string) error {
	return s.save(sessionID, messages, &summary)
}

func (s *SQLiteStore) save(sessionID string, messages []Message, summary *string) error {
	key := sanitizeSessionID(sessionID)
	msgJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	now := time.Now().UnixMilli()
	summaryVal := ""
	if summary != nil {
		summaryVal = *summary
	}

	// Keep created_at and any existing summary on update.
	_, err = s.db.Exec(`
		INSERT INTO histories (session_id, created_at, updated_at, summary, messages)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			messages   = excluded.messages,
			summary    = CASE WHEN excluded.summary != '' THEN excluded.summary ELSE histories.summary END`,
		key, now, now, summaryVal, string(msgJSON),
	)
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(sessionID string) (*PersistedHistory, error) {
	key := sanitizeSessionID(sessionID)
	row := s.db.QueryRow(`
		SELECT session_id, created_at, updated_at, summary, messages
		FROM histories WHERE session_id = ?`, key)

	var record PersistedHistory
	var msgJSON string
	err := row.Scan(&record.SessionID, &record.CreatedAt, &record.UpdatedAt, &record.Summary, &msgJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	if record.IsExpired(s.expiry) {
		_, _ = s.db.Exec("DELETE FROM histories WHERE session_id = ?", key)
		return nil, nil
	}

	if err := json.Unmarshal([]byte(msgJSON), &record.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return &record, nil
}

func (s *SQLiteStore) Delete(sessionID string) error {
	_, err := s.db.Exec("DELETE FROM histories WHERE session_id = ?", sanitizeSessionID(sessionID))
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CleanupExpired() (int, error) {
	cutoff := time.Now().Add(-s.expiry).UnixMilli()
	result, err := s.db.Exec("DELETE FROM histories WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup histories: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ListSessions() ([]string, error) {
	rows, err := s.db.Query("SELECT session_id FROM histories ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list histories: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
