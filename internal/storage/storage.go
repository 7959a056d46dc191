// Package storage owns the per-project SQLite databases: opening with the
// right pragmas, schema migration, the per-project write lock, and transient
// retry policy. Each project key maps to one database file under the state
// directory.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/identity"
)

// DB wraps one project's database connection. The write mutex serializes
// event appends and their projection updates (the per-project write lock of
// the concurrency model); readers do not take it.
type DB struct {
	*sql.DB
	ProjectKey string
	Dir        string

	writeMu sync.Mutex
}

// LockWrites acquires the per-project write lock. The returned func releases
// it. Never hold it across external I/O.
func (d *DB) LockWrites() func() {
	d.writeMu.Lock()
	return d.writeMu.Unlock
}

// Manager opens and caches one DB per project key. Construct one Manager
// per process (or per test) and pass it down explicitly.
type Manager struct {
	stateDir string
	log      zerolog.Logger

	mu  sync.Mutex
	dbs map[string]*DB
}

// NewManager creates a manager rooted at stateDir.
func NewManager(stateDir string, log zerolog.Logger) *Manager {
	return &Manager{
		stateDir: stateDir,
		log:      log.With().Str("component", "storage").Logger(),
		dbs:      make(map[string]*DB),
	}
}

// Get returns the open database for projectKey, opening and migrating it on
// first use.
func (m *Manager) Get(projectKey string) (*DB, error) {
	if projectKey == "" {
		return nil, errs.Validation("empty_project_key", "project key cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.dbs[projectKey]; ok {
		return db, nil
	}

	dir := filepath.Join(m.stateDir, identity.ProjectDirName(projectKey))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	path := filepath.Join(dir, "project.db")
	sqlDB, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	m.log.Debug().Str("project", projectKey).Str("path", path).Msg("opened project database")

	db := &DB{DB: sqlDB, ProjectKey: projectKey, Dir: dir}
	m.dbs[projectKey] = db
	return db, nil
}

// Close closes all open databases.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for key, db := range m.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", key, err)
		}
		delete(m.dbs, key)
	}
	return firstErr
}

// Open opens a SQLite database with WAL mode, foreign keys, and a busy
// timeout suited to many concurrent operations in one process.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

// Retry policy for transient database errors: 3 attempts with
// 50/100/200 ms backoff plus jitter.
const (
	retryMaxAttempts     = 3
	retryInitialInterval = 50 * time.Millisecond
)

// WithRetry runs fn, retrying transient SQLite errors (lock timeout, busy)
// with exponential backoff. Non-transient failures surface immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0 // attempt count bounds us, not wall time

	attempts := 0
	operation := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if attempts < retryMaxAttempts && isTransient(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if isTransient(err) {
			return errs.Transient(err, "database busy after %d attempts", attempts)
		}
		return err
	}
	return nil
}

// isTransient reports whether err looks like a SQLite lock/busy condition.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "busy")
}

// InTx runs fn inside a transaction, rolling back on error.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// NullString returns a sql.NullString for optional string fields.
func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// NullTimeMS converts an optional time to nullable epoch milliseconds.
func NullTimeMS(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// TimeFromMS converts nullable epoch milliseconds back to *time.Time.
func TimeFromMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// BoolToInt converts a boolean to 0/1 for SQLite storage.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
