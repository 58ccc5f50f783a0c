package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/sessiond/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the event store
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL for concurrent reads, busy timeout so the single writer
	// never surfaces SQLITE_BUSY to a supervisor operation.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Serialize writes to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_events (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		op TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		pid INTEGER DEFAULT 0,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_key ON session_events(key, at DESC);
	CREATE INDEX IF NOT EXISTS idx_session_events_at ON session_events(at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendEvent records one event
func (s *SQLiteStore) AppendEvent(ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO session_events (id, key, op, outcome, detail, pid, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Key, string(ev.Op), ev.Outcome, ev.Detail, ev.PID, ev.At,
	)
	if err != nil {
		return fmt.Errorf("failed to append event for %s: %w", ev.Key, err)
	}
	return nil
}

// RecentEvents returns up to limit most recent events for key, newest first
func (s *SQLiteStore) RecentEvents(key string, limit int) ([]*models.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, key, op, outcome, detail, pid, at FROM session_events WHERE key = ? ORDER BY at DESC, id DESC LIMIT ?`,
		key, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for %s: %w", key, err)
	}
	defer rows.Close()

	events := make([]*models.Event, 0, limit)
	for rows.Next() {
		ev := &models.Event{}
		var op string
		if err := rows.Scan(&ev.ID, &ev.Key, &op, &ev.Outcome, &ev.Detail, &ev.PID, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Op = models.EventOp(op)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountByOutcome returns event counts grouped by outcome
func (s *SQLiteStore) CountByOutcome() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM session_events GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var count int64
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[outcome] = count
	}
	return counts, rows.Err()
}

// Prune deletes all but the newest keep events
func (s *SQLiteStore) Prune(keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM session_events WHERE id NOT IN (
			SELECT id FROM session_events ORDER BY at DESC, id DESC LIMIT ?
		)`, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
