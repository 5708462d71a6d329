package logbook

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists entries as rows, trimming to capacity inside the
// same transaction as each insert.
type SQLiteStore struct {
	db       *sql.DB
	capacity int
}

// NewSQLiteStore opens or creates the logbook database at dbPath and
// keeps at most capacity rows.
func NewSQLiteStore(dbPath string, capacity int) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if capacity <= 0 {
		capacity = 1
	}
	s := &SQLiteStore{db: db, capacity: capacity}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS logbook (
		seq   INTEGER PRIMARY KEY AUTOINCREMENT,
		id    TEXT NOT NULL UNIQUE,
		ts    INTEGER NOT NULL,
		text  TEXT NOT NULL,
		alert INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_logbook_ts ON logbook(ts DESC, seq DESC);
	`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts e and deletes everything beyond the newest capacity rows.
func (s *SQLiteStore) Save(ctx context.Context, e Entry, _ []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO logbook (id, ts, text, alert) VALUES (?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.Text, e.Alert,
	); err != nil {
		return fmt.Errorf("insert %s: %w", e.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM logbook WHERE seq NOT IN (
			SELECT seq FROM logbook ORDER BY ts DESC, seq DESC LIMIT ?
		)`, s.capacity,
	); err != nil {
		return fmt.Errorf("trim: %w", err)
	}

	return tx.Commit()
}

// Load returns up to limit entries, newest-first.
func (s *SQLiteStore) Load(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = s.capacity
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, text, alert FROM logbook ORDER BY ts DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query logbook: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Text, &e.Alert); err != nil {
			return nil, fmt.Errorf("scan logbook: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
