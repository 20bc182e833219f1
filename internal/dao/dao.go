// Package dao is the durable state store of an engine.
//
// The store keeps one row per document pair plus the tables backing
// transfers, Direct Transfer sessions, filters and remote scans. It runs on
// an embedded SQLite database in WAL mode:
//
//   - Database file: {nxdrive_home}/{engine_uid}.db
//   - Writes: a single connection serialized behind a process-wide mutex
//   - Reads: a separate pool of query-only connections
//   - Schema: numbered migrations embedded in the binary, stamped in
//     PRAGMA user_version and in the Configuration table
//
// Every mutation of a pair recomputes its pair_state from the (local_state,
// remote_state) table, so the stored pair_state can never drift.
package dao

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/nxdrive/drivesync/internal/state"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrStaleVersion is returned when an optimistic update lost the race
// against a concurrent writer.
var ErrStaleVersion = errors.New("stale pair version")

// SchemaVersionKey is the Configuration entry mirroring PRAGMA user_version.
const SchemaVersionKey = "schema_version"

// QueuePusher receives pairs that need processing after a mutation.
type QueuePusher interface {
	Push(pair *state.DocPair)
}

// Store is the state store of one engine.
type Store struct {
	path   string
	db     *sql.DB // writer
	ro     *sql.DB // readers
	mu     sync.Mutex
	logger *log.Logger

	qmu   sync.RWMutex
	queue QueuePusher
}

// Open opens (creating if needed) the store at path and applies pending
// migrations.
//
// The caller MUST call Close() when done.
func Open(path string, logger *log.Logger) (*Store, error) {
	return OpenContext(context.Background(), path, logger)
}

// OpenContext opens the store with context support.
func OpenContext(ctx context.Context, path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[dao] ", log.LstdFlags)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	writer, err := sql.Open("sqlite3", dsn(path, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetConnMaxLifetime(0)

	if err := writer.PingContext(ctx); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{path: path, db: writer, logger: logger}

	if err := s.migrate(ctx); err != nil {
		_ = writer.Close()
		return nil, err
	}

	reader, err := sql.Open("sqlite3", dsn(path, true))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	reader.SetMaxOpenConns(8)
	reader.SetMaxIdleConns(4)
	reader.SetConnMaxLifetime(5 * time.Minute)
	s.ro = reader

	return s, nil
}

func dsn(path string, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if readOnly {
		q.Add("_pragma", "query_only(1)")
	} else {
		q.Add("_pragma", "journal_mode(wal)")
		q.Add("_pragma", "synchronous(normal)")
		q.Set("_txlock", "immediate")
	}
	return "file:" + filepath.ToSlash(path) + "?" + q.Encode()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// SetQueueManager wires the queue receiving pairs to process.
func (s *Store) SetQueueManager(q QueuePusher) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	s.queue = q
}

func (s *Store) push(pairs ...*state.DocPair) {
	s.qmu.RLock()
	q := s.queue
	s.qmu.RUnlock()
	if q == nil {
		return
	}
	for _, p := range pairs {
		if p != nil && p.PairState.IsQueueable() {
			q.Push(p)
		}
	}
}

// Close checkpoints the WAL and closes both pools.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.ro != nil {
		_ = s.ro.Close()
		s.ro = nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.db = nil
	return nil
}

// migrations lists the embedded migration files ordered by version.
func migrations() ([]string, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// LatestSchemaVersion is the version reached after every migration ran.
func LatestSchemaVersion() int {
	names, _ := migrations()
	return len(names)
}

// migrate applies pending migrations, each in its own transaction with the
// write lock held.
func (s *Store) migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	names, err := migrations()
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}

	for i, name := range names {
		version := i + 1
		if version <= current {
			continue
		}
		if err := s.applyMigration(ctx, version, name); err != nil {
			return err
		}
		s.logger.Printf("applied migration %d (%s)", version, filepath.Base(name))
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int, name string) error {
	body, err := fs.ReadFile(migrationsFS, name)
	if err != nil {
		return fmt.Errorf("failed to read migration %d: %w", version, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("failed to apply migration %d: %w", version, err)
	}
	// PRAGMA cannot be parameterized.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("failed to stamp migration %d: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO Configuration (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		SchemaVersionKey, strconv.Itoa(version)); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", version, err)
	}
	return nil
}

// SchemaVersion returns the schema version stored in PRAGMA user_version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.ro.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// withTx runs fn in a write transaction holding the store mutex.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- small SQL helpers ---

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// likePrefix returns a LIKE pattern matching everything strictly below dir.
// Wildcards in the path are escaped; queries must use ESCAPE '\'.
func likePrefix(dir string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	if dir == "/" {
		return "/%"
	}
	return r.Replace(strings.TrimSuffix(dir, "/")) + "/%"
}
