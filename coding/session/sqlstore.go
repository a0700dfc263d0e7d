package session

import (
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	created_at_ns INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_records (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	body TEXT NOT NULL,
	created_at_ns INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// SQLiteBackend keeps every session of a catalog in one SQLite database.
type SQLiteBackend struct {
	db *sql.DB

	mu   sync.Mutex
	open map[string]bool
}

func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteBackend{db: db, open: map[string]bool{}}, nil
}

func (b *SQLiteBackend) Create(id string) (Store, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}
	res, err := b.db.Exec(`INSERT INTO sessions (id, created_at_ns) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`, id, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	} else if n == 0 {
		return nil, fmt.Errorf("session %s: %w", id, os.ErrExist)
	}
	return b.acquire(id, 0)
}

func (b *SQLiteBackend) Open(id string) (Store, error) {
	if err := b.exists(id); err != nil {
		return nil, err
	}
	var seq uint64
	err := b.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM session_records WHERE session_id = ?`, id).Scan(&seq)
	if err != nil {
		return nil, err
	}
	return b.acquire(id, seq)
}

func (b *SQLiteBackend) Reader(id string) (Reader, error) {
	if err := b.exists(id); err != nil {
		return nil, err
	}
	return sqlReader{db: b.db, id: id}, nil
}

func (b *SQLiteBackend) IDs() ([]string, error) {
	rows, err := b.db.Query(`SELECT id FROM sessions ORDER BY created_at_ns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *SQLiteBackend) Remove(id string) error {
	b.mu.Lock()
	held := b.open[id]
	b.mu.Unlock()
	if held {
		return fmt.Errorf("remove session %s: %w", id, ErrLocked)
	}
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, os.ErrNotExist)
	}
	if _, err := tx.Exec(`DELETE FROM session_records WHERE session_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) exists(id string) error {
	var found string
	err := b.db.QueryRow(`SELECT id FROM sessions WHERE id = ?`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", id, os.ErrNotExist)
	}
	return err
}

func (b *SQLiteBackend) acquire(id string, seq uint64) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open[id] {
		return nil, fmt.Errorf("session %s: %w", id, ErrLocked)
	}
	b.open[id] = true
	return &SQLiteStore{backend: b, id: id, seq: seq}, nil
}

func (b *SQLiteBackend) release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.open, id)
}

// SQLiteStore is the record log of one session inside a SQLiteBackend. Each
// append is a single INSERT, so a failed append leaves no row behind.
type SQLiteStore struct {
	backend *SQLiteBackend
	id      string

	mu     sync.Mutex
	seq    uint64
	closed bool
}

func (s *SQLiteStore) Append(data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	next := s.seq + 1
	_, err := s.backend.db.Exec(
		`INSERT INTO session_records (session_id, seq, body, created_at_ns) VALUES (?, ?, ?, ?)`,
		s.id, next, string(data), time.Now().UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	s.seq = next
	return next, nil
}

func (s *SQLiteStore) Records() iter.Seq2[Record, error] {
	return sqlReader{db: s.backend.db, id: s.id}.Records()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.backend.release(s.id)
	return nil
}

type sqlReader struct {
	db *sql.DB
	id string
}

func (r sqlReader) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		rows, err := r.db.Query(`SELECT seq, body FROM session_records WHERE session_id = ? ORDER BY seq`, r.id)
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var rec Record
			var body string
			if err := rows.Scan(&rec.Seq, &body); err != nil {
				yield(Record{}, err)
				return
			}
			rec.Data = []byte(body)
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, err)
		}
	}
}
