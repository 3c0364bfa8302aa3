// Package sqlite implements the storage interface using SQLite.
//
// The package is split into focused files:
//
//   - store.go: Store struct, New() constructor, schema/migration bootstrap,
//     lifecycle methods (Close, Ping, RunInTransaction)
//   - schema.go: database schema definition
//   - migrations.go: versioned migration registry
//   - tracker.go: processed-message dedup ledger
//   - queue.go: outbound sync queue
//   - deadletter.go: dead-letter store
//   - ships.go: fleet registry
//   - identity.go: document-id <-> local-id mappings
//   - conflicts.go: conflict records
//   - metadata.go: internal key/value state
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/harborview/shipsync/internal/storage"
)

// Store implements storage.Storage backed by SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

var _ storage.Storage = (*Store)(nil)

// setupWASMCache configures WASM compilation caching to reduce SQLite
// startup time. Falls back to an in-memory cache when the user cache
// directory is unavailable.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "shipsync", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// New opens (creating if needed) the replication state database at path and
// applies schema migrations. Pass ":memory:" for an ephemeral database.
func New(ctx context.Context, path string) (*Store, error) {
	var connStr string
	switch {
	case path == ":memory:":
		// Shared in-memory database so pooled connections see the same data.
		// WAL does not work for shared memory databases; use DELETE mode.
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		}
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if isInMemory {
		// In-memory databases are isolated per connection without this.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers; cap the pool so writer
		// contention does not pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := s.applyMigrations(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Path returns the database path this store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrShuttingDown
	}
	return s.db.PingContext(ctx)
}

// Close shuts the store down. Subsequent operations return ErrShuttingDown.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// guard returns ErrShuttingDown once Close has been called, so background
// loops can yield silently during shutdown instead of surfacing driver errors.
func (s *Store) guard() error {
	if s.closed.Load() {
		return storage.ErrShuttingDown
	}
	return nil
}

// RunInTransaction executes fn within a single database transaction.
// BEGIN IMMEDIATE acquires the write lock up front so concurrent writers
// queue on busy_timeout instead of deadlocking mid-transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	if err := s.guard(); err != nil {
		return err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even when ctx is done.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&txStore{conn: conn}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry retries BEGIN IMMEDIATE on SQLITE_BUSY with
// exponential backoff.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "busy") && !strings.Contains(err.Error(), "locked") {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// execer abstracts *sql.DB and *sql.Conn so the per-concern query helpers
// run identically inside and outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
