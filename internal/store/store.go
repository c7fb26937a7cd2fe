// Package store opens the local SQLite database that keeps SubnetGrid's
// scan log, traffic result history and remembered settings across
// restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/HerbHall/subnetgrid/pkg/plugin"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DBFileName is the database file created inside the data directory.
const DBFileName = "subnetgrid.db"

// Connection pragmas, passed in the DSN so every pooled connection gets
// them.
var pragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

var _ plugin.Store = (*SQLiteStore)(nil)

// SQLiteStore is the shared database handed to plugins. Each owner (a
// plugin name, or "core") versions its own tables in schema_history.
type SQLiteStore struct {
	db   *sql.DB
	path string

	migrateMu sync.Mutex
}

// Open creates dataDir if needed and opens DBFileName inside it in WAL
// mode.
func Open(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir %q: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, DBFileName)
	return open(path, dsn(path, "journal_mode(WAL)"))
}

// OpenMemory opens a private in-memory database. Used by tests.
func OpenMemory() (*SQLiteStore, error) {
	return open(":memory:", dsn(":memory:"))
}

func dsn(path string, extra ...string) string {
	q := url.Values{}
	for _, p := range append(slices.Clone(pragmas), extra...) {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

func open(path, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// from splitting across the pool.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.createHistory(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return s, nil
}

func (s *SQLiteStore) createHistory(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_history (
			owner       TEXT    NOT NULL,
			version     INTEGER NOT NULL,
			description TEXT    NOT NULL,
			applied_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			PRIMARY KEY (owner, version)
		)`)
	return err
}

// DB returns the underlying handle for repositories.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Path returns the database file path, or ":memory:".
func (s *SQLiteStore) Path() string { return s.path }

// Tx runs fn in a transaction, committing only when fn returns nil.
func (s *SQLiteStore) Tx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, ignoreDone(tx.Rollback()))
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// Migrate applies owner's migrations that schema_history does not list
// yet, lowest version first. Each migration commits together with its
// history row, so a failure leaves earlier ones applied and the failed one
// absent. Duplicate or non-positive versions are rejected before anything
// runs.
func (s *SQLiteStore) Migrate(ctx context.Context, owner string, migrations []plugin.Migration) error {
	pending := slices.Clone(migrations)
	slices.SortFunc(pending, func(a, b plugin.Migration) int { return a.Version - b.Version })
	for i, m := range pending {
		if m.Version <= 0 {
			return fmt.Errorf("migrations for %s: version %d must be positive", owner, m.Version)
		}
		if i > 0 && pending[i-1].Version == m.Version {
			return fmt.Errorf("migrations for %s: duplicate version %d", owner, m.Version)
		}
	}

	s.migrateMu.Lock()
	defer s.migrateMu.Unlock()

	applied, err := s.appliedVersions(ctx, owner)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if applied[m.Version] {
			continue
		}
		err := s.Tx(ctx, func(tx *sql.Tx) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_history (owner, version, description) VALUES (?, ?, ?)`,
				owner, m.Version, m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", owner, m.Version, m.Description, err)
		}
	}
	return nil
}

func (s *SQLiteStore) appliedVersions(ctx context.Context, owner string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_history WHERE owner = ?`, owner)
	if err != nil {
		return nil, fmt.Errorf("read schema history for %s: %w", owner, err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("read schema history for %s: %w", owner, err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// SchemaVersion returns the highest migration version applied for owner,
// or 0 when none has run.
func (s *SQLiteStore) SchemaVersion(ctx context.Context, owner string) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_history WHERE owner = ?`, owner).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("schema version of %s: %w", owner, err)
	}
	return int(v.Int64), nil
}

// Checkpoint folds the WAL back into the database file and truncates it,
// so the file alone is a complete copy.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint %s: %w", s.path, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
