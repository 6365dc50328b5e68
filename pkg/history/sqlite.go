package history

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteBackend хранит значения в таблице kv базы SQLite
type SQLiteBackend struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLiteBackend открывает (или создает) базу по пути path.
// Путь ":memory:" открывает базу в памяти.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create database dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// одно соединение, иначе каждая ":memory:" сессия видит свою базу
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init sqlite schema")
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select history")
	}
	return value, nil
}

func (s *SQLiteBackend) Put(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, data)
	return errors.Wrap(err, "upsert history")
}

func (s *SQLiteBackend) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return errors.Wrap(err, "delete history")
}

// Close закрывает базу
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
