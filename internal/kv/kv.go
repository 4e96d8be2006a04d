// Package kv provides the durable local key-value store behind drafts,
// permission modes and read-state watermarks, backed by SQLite.
package kv

import (
	"database/sql"
	"errors"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("key not found")

type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the store at path. Use ":memory:" for
// tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Set(key string, value []byte, nowMillis int64) error {
	_, err := s.db.Exec(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowMillis)
	return err
}

func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// List returns all entries whose key starts with prefix.
func (s *Store) List(prefix string) (map[string][]byte, error) {
	rows, err := s.db.Query(`SELECT key, value FROM kv WHERE key >= ? AND key < ?`,
		prefix, prefix+"\xff")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		if strings.HasPrefix(key, prefix) {
			result[key] = value
		}
	}
	return result, rows.Err()
}

// DeletePrefix removes all entries under prefix. Used on logout.
func (s *Store) DeletePrefix(prefix string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key >= ? AND key < ?`, prefix, prefix+"\xff")
	return err
}
