package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one finished call as stored in the local call log.
type Entry struct {
	ID             int64      `json:"id"`
	SessionID      string     `json:"session_id"`
	ConversationID string     `json:"conversation_id"`
	Type           string     `json:"type"`
	Direction      string     `json:"direction"`
	PeerID         string     `json:"peer_id"`
	PeerName       string     `json:"peer_name"`
	Reason         string     `json:"reason"`
	StartedAt      time.Time  `json:"started_at"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	EndedAt        time.Time  `json:"ended_at"`
	DurationSec    int64      `json:"duration_sec"`
}

// Store wraps a SQLite database holding the call log.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the call log database at the given path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode so the agent's HTTP reads never block a write in progress.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id      TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			call_type       TEXT NOT NULL,
			direction       TEXT NOT NULL,
			peer_id         TEXT DEFAULT '',
			peer_name       TEXT DEFAULT '',
			reason          TEXT NOT NULL,
			started_at      INTEGER NOT NULL,
			connected_at    INTEGER,
			ended_at        INTEGER NOT NULL,
			duration_sec    INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_calls_ended_at ON calls (ended_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls index: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Record appends one finished call to the log.
func (s *Store) Record(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var connected any
	if e.ConnectedAt != nil {
		connected = e.ConnectedAt.UnixMilli()
	}

	_, err := s.db.Exec(`
		INSERT INTO calls
			(session_id, conversation_id, call_type, direction, peer_id, peer_name,
			 reason, started_at, connected_at, ended_at, duration_sec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.SessionID, e.ConversationID, e.Type, e.Direction, e.PeerID, e.PeerName,
		e.Reason, e.StartedAt.UnixMilli(), connected, e.EndedAt.UnixMilli(), e.DurationSec)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// Recent returns the most recently ended calls, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, conversation_id, call_type, direction, peer_id,
		       peer_name, reason, started_at, connected_at, ended_at, duration_sec
		FROM calls
		ORDER BY ended_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, ended int64
		var connected sql.NullInt64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ConversationID, &e.Type,
			&e.Direction, &e.PeerID, &e.PeerName, &e.Reason,
			&started, &connected, &ended, &e.DurationSec); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(started).UTC()
		e.EndedAt = time.UnixMilli(ended).UTC()
		if connected.Valid {
			t := time.UnixMilli(connected.Int64).UTC()
			e.ConnectedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes calls that ended before the cutoff. Returns rows deleted.
func (s *Store) Prune(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM calls WHERE ended_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of logged calls.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM calls`).Scan(&n)
	return n, err
}
