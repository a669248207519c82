//go:build cgo

package storage

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (k BLOB PRIMARY KEY, v BLOB NOT NULL) WITHOUT ROWID`

// SQLiteStore keeps the log in a single SQLite database. Each batch is one
// transaction.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// OpenSQLiteStore opens or creates the database at path
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store
func (s *SQLiteStore) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	var v []byte
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Iterate implements Store. Rows are read before fn runs.
func (s *SQLiteStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	type kv struct{ k, v []byte }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	var (
		rows *sql.Rows
		err  error
	)
	if end := PrefixEnd(prefix); end != nil {
		rows, err = s.db.Query(`SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k`, prefix, end)
	} else {
		rows, err = s.db.Query(`SELECT k, v FROM kv WHERE k >= ? ORDER BY k`, prefix)
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var out []kv
	for rows.Next() {
		var e kv
		if err := rows.Scan(&e.k, &e.v); err != nil {
			rows.Close()
			s.mu.Unlock()
			return err
		}
		out = append(out, e)
	}
	err = rows.Err()
	rows.Close()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, e := range out {
		if !bytes.HasPrefix(e.k, prefix) {
			continue
		}
		if err := fn(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

// Write implements Store
func (s *SQLiteStore) Write(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if b.Len() == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, o := range b.ops {
		switch o.kind {
		case opPut:
			v := o.value
			if v == nil {
				v = []byte{}
			}
			_, err = tx.Exec(`INSERT OR REPLACE INTO kv (k, v) VALUES (?, ?)`, o.key, v)
		case opDelete:
			_, err = tx.Exec(`DELETE FROM kv WHERE k = ?`, o.key)
		case opDeleteRange:
			if o.value == nil {
				_, err = tx.Exec(`DELETE FROM kv WHERE k >= ?`, o.key)
			} else {
				_, err = tx.Exec(`DELETE FROM kv WHERE k >= ? AND k < ?`, o.key, o.value)
			}
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply batch: %w", err)
		}
	}
	return tx.Commit()
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
