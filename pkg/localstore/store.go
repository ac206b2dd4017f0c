// Package localstore is the embedded document store behind the local engine.
//
// Documents are kept in SQLite with their full revision tree: every write
// creates a revision, conflicting writes create sibling leaves, and deletions
// are tombstones. Bodies are stored CBOR encoded. The store keeps a change
// sequence, notifies watchers on every write, and runs map-only views whose
// map functions are gval expressions.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/couchlike/couchlike.go/internal/codec"
	"github.com/couchlike/couchlike.go/pkg/constants"
)

//go:embed schema.sql
var schemaSQL string

// notLocal excludes `_local/` documents, which never appear in changes or views.
const notLocal = `d.doc_id NOT LIKE '\_local/%' ESCAPE '\'`

// MemoryPath opens a store that lives only as long as the process.
const MemoryPath = ":memory:"

var (
	// ErrNotFound is returned for missing documents and deleted winners.
	ErrNotFound = fmt.Errorf("%w: missing", constants.ErrNotFound)
	// ErrConflict is returned when a write does not name a current leaf revision.
	ErrConflict = fmt.Errorf("%w: document update conflict", constants.ErrConcurrencyConflict)
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = fmt.Errorf("%w: store", constants.ErrClosed)
)

// Store is a single database.
type Store struct {
	name string
	uuid string
	db   *sql.DB

	codec *codec.CBOR
	views *viewCache

	// writeMu serialises writers; SQLite has a single writer anyway.
	writeMu sync.Mutex

	watchMu sync.Mutex
	watch   chan struct{}
	closed  bool
}

// Open creates or opens the store named name in dir. An empty dir keeps the
// store in memory.
func Open(dir, name string) (*Store, error) {
	path := MemoryPath
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		path = filepath.Join(dir, name+".sqlite")
	}
	return OpenPath(path, name)
}

// OpenPath opens the SQLite file at path.
func OpenPath(path, name string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// A single connection keeps in-memory databases alive and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	s := &Store{
		name:  name,
		db:    db,
		codec: codec.NewCBOR(),
		views: newViewCache(),
		watch: make(chan struct{}),
	}
	if s.uuid, err = s.instanceUUID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) instanceUUID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'uuid'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("read instance uuid: %w", err)
	}
	u, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('uuid', ?)`, u.String()); err != nil {
		return "", fmt.Errorf("store instance uuid: %w", err)
	}
	return u.String(), nil
}

// Name returns the database name.
func (s *Store) Name() string {
	return s.name
}

// Info returns the database summary served at the database root.
func (s *Store) Info(ctx context.Context) (map[string]any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var docCount, live, seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN EXISTS (
				SELECT 1 FROM revisions r WHERE r.doc_id = d.doc_id AND r.leaf = 1 AND r.deleted = 0
			) THEN 1 ELSE 0 END), 0),
			COALESCE(MAX(d.seq), 0)
		FROM documents d WHERE `+notLocal).Scan(&docCount, &live, &seq)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"db_name":         s.name,
		"uuid":            s.uuid,
		"doc_count":       live,
		"doc_del_count":   docCount - live,
		"update_seq":      seq,
		"instance_engine": "sqlite",
	}, nil
}

// Watch returns a channel that is closed at the next committed write.
func (s *Store) Watch() <-chan struct{} {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return s.watch
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.closed {
		return
	}
	close(s.watch)
	s.watch = make(chan struct{})
}

func (s *Store) checkOpen() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close releases the database. Watchers are woken up.
func (s *Store) Close() error {
	s.watchMu.Lock()
	if s.closed {
		s.watchMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.watch)
	s.watchMu.Unlock()
	return s.db.Close()
}
