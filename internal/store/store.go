// Package store provides named-collection CRUD over SQLite. Rows are
// schemaless JSON documents keyed by an "id" field; filters compose via
// chained equality/ordering/limit predicates.
//
// The orchestrator consumes this contract best-effort: every call may fail
// (store unreachable) and callers are expected to swallow the error.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	_ "modernc.org/sqlite"

	"evolved/internal/logging"
)

// Row is one schemaless document. The "id" field is the collection key.
type Row map[string]any

// Store is the persistence contract the orchestrator consumes.
type Store interface {
	Select(collection string, f *Filter) ([]Row, error)
	Insert(collection string, row Row) error
	Update(collection string, f *Filter, patch Row) error
	Upsert(collection string, row Row) error
	Delete(collection string, f *Filter) error
	Close() error
}

// LocalStore implements Store on a local SQLite database, one table per
// collection, each row stored as a JSON document.
type LocalStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
	known  map[string]bool // collections with a created table
}

var collectionName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NewLocalStore initializes the SQLite database at the given path.
func NewLocalStore(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Initializing LocalStore at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	return &LocalStore{db: db, dbPath: path, known: make(map[string]bool)}, nil
}

// ensureCollection lazily creates the backing table for a collection.
func (s *LocalStore) ensureCollection(collection string) error {
	if !collectionName.MatchString(collection) {
		return fmt.Errorf("invalid collection name %q", collection)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[collection] {
		return nil
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`, collection)
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collection, err)
	}
	s.known[collection] = true
	logging.StoreDebug("Collection ready: %s", collection)
	return nil
}

func rowID(row Row) (string, error) {
	id, ok := row["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("row requires a non-empty string id")
	}
	return id, nil
}

// Insert adds one row; it fails if the id already exists.
func (s *LocalStore) Insert(collection string, row Row) error {
	if err := s.ensureCollection(collection); err != nil {
		return err
	}
	id, err := rowID(row)
	if err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}

	stmt := fmt.Sprintf(`INSERT INTO %q (id, data) VALUES (?, ?)`, collection)
	if _, err := s.db.Exec(stmt, id, string(data)); err != nil {
		return fmt.Errorf("insert into %s failed: %w", collection, err)
	}
	return nil
}

// Upsert adds or replaces the row with the same id.
func (s *LocalStore) Upsert(collection string, row Row) error {
	if err := s.ensureCollection(collection); err != nil {
		return err
	}
	id, err := rowID(row)
	if err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}

	stmt := fmt.Sprintf(`INSERT INTO %q (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, collection)
	if _, err := s.db.Exec(stmt, id, string(data)); err != nil {
		return fmt.Errorf("upsert into %s failed: %w", collection, err)
	}
	return nil
}

// Select returns the rows matching the filter. A nil filter matches all.
func (s *LocalStore) Select(collection string, f *Filter) ([]Row, error) {
	if err := s.ensureCollection(collection); err != nil {
		return nil, err
	}

	where, args := f.whereClause()
	query := fmt.Sprintf(`SELECT data FROM %q%s%s%s`, collection, where, f.orderClause(), f.limitClause())

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s failed: %w", collection, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan from %s failed: %w", collection, err)
		}
		var row Row
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("failed to decode row from %s: %w", collection, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Update merges patch into every row matching the filter.
func (s *LocalStore) Update(collection string, f *Filter, patch Row) error {
	matches, err := s.Select(collection, f)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("update on %s failed: %w", collection, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := fmt.Sprintf(`UPDATE %q SET data = ? WHERE id = ?`, collection)
	for _, row := range matches {
		for k, v := range patch {
			if k == "id" {
				continue // the key is immutable
			}
			row[k] = v
		}
		id, err := rowID(row)
		if err != nil {
			return err
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to encode row: %w", err)
		}
		if _, err := tx.Exec(stmt, string(data), id); err != nil {
			return fmt.Errorf("update on %s failed: %w", collection, err)
		}
	}
	return tx.Commit()
}

// Delete removes every row matching the filter. A nil filter clears the
// collection.
func (s *LocalStore) Delete(collection string, f *Filter) error {
	if err := s.ensureCollection(collection); err != nil {
		return err
	}
	where, args := f.whereClause()
	stmt := fmt.Sprintf(`DELETE FROM %q%s`, collection, where)
	if _, err := s.db.Exec(stmt, args...); err != nil {
		return fmt.Errorf("delete from %s failed: %w", collection, err)
	}
	return nil
}

// Close releases the database handle.
func (s *LocalStore) Close() error {
	logging.Store("Closing LocalStore: %s", s.dbPath)
	return s.db.Close()
}
