package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the embedded row store: the telemetry queue and the scheduled
// push bookkeeping. Every operation goes through mu, so callers on any
// goroutine get a single write ordering.
type Store struct {
	DB *sql.DB
	mu sync.Mutex
}

// Open opens/initializes SQLite database with WAL and foreign keys, then migrates schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps in-memory databases shared and writes ordered
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS view (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			view TEXT NOT NULL,
			metadata TEXT,
			timestamp INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS event (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			name TEXT,
			metadata TEXT,
			timestamp INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS push_schedule (
			message_id INTEGER PRIMARY KEY,
			push_id TEXT,
			payload TEXT NOT NULL,
			deliver_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS push_shown (
			message_id INTEGER PRIMARY KEY,
			push_id TEXT,
			shown_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS push_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			push_id TEXT,
			backend TEXT,
			status TEXT NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_view_ts ON view(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_event_ts ON event(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_push_schedule_due ON push_schedule(deliver_at);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func encodeMetadata(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeMetadata(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// inClause renders "(?,?,?)" and the matching args.
func inClause(ids []int64) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return "(" + strings.Join(marks, ",") + ")", args
}
