package audit

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	time           TIMESTAMP NOT NULL,
	kind           TEXT NOT NULL,
	stage          TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	protocol       TEXT NOT NULL,
	interceptor    TEXT,
	reason         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_events(time);
`

// SQLiteStore persists audit events to a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Insert writes one event.
func (s *SQLiteStore) Insert(ctx context.Context, ev Event) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_events (time, kind, stage, correlation_id, protocol, interceptor, reason)
		VALUES (:time, :kind, :stage, :correlation_id, :protocol, :interceptor, :reason)`, ev)
	return err
}

// Recent returns the most recent events, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Event
	err := s.db.SelectContext(ctx, &out, `
		SELECT time, kind, stage, correlation_id, protocol, interceptor, reason
		FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	return out, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
