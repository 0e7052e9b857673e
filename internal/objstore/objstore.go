// Package objstore provides the schema-versioned object store.
//
// The store is an embedded SQLite database (WAL mode for concurrent
// reads) holding one table per named object store, each shaped as
// (key TEXT PRIMARY KEY, value TEXT). The database's native schema
// version is SQLite's user_version pragma: a monotonically increasing
// non-negative integer that the upgrade path advances and that can be
// inspected without running any upgrade — which is what lets the
// migration runner snapshot pre-migration state.
//
// Opening is lazy and idempotent: the first operation that needs the
// database opens it; subsequent operations reuse the handle. Upgrades
// run only when Upgrade is called explicitly, never as a side effect
// of a read.
package objstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/kestrelworks/stowage/internal/scope"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a key has no value in an object store.
var ErrNotFound = errors.New("key not found")

// storeNamePattern restricts object store names to SQL identifier shape,
// since store names become table names.
var storeNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Migration describes one schema upgrade step for the object store.
// Migrations are applied in strictly ascending Version order inside a
// single transaction; a migration whose Version is <= the database's
// current user_version is never re-applied.
type Migration struct {
	// Version is the user_version value this migration upgrades to.
	Version int

	// Description is a short human-readable summary.
	Description string

	// Migrate performs the schema change within the upgrade transaction.
	Migrate func(ctx context.Context, tx *sql.Tx) error
}

// Store wraps the SQLite database holding the named object stores.
type Store struct {
	path string
	conn *sql.DB
}

// New creates a Store for the database file at path. The database is
// not opened until first use.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// open opens the database if it isn't open yet. Safe to call repeatedly.
func (s *Store) open() error {
	if s.conn != nil {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", s.path))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s.conn = conn
	return nil
}

// Close closes the database connection, checkpointing the WAL first.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Version returns the database's current user_version without running
// any upgrade. A never-upgraded database reports 0.
func (s *Store) Version(ctx context.Context) (int, error) {
	if err := s.open(); err != nil {
		return 0, err
	}

	var v int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read user_version: %w", err)
	}
	return v, nil
}

// TargetVersion returns the highest version in the migration set, or 0
// for an empty set.
func TargetVersion(migrations []Migration) int {
	target := 0
	for _, m := range migrations {
		if m.Version > target {
			target = m.Version
		}
	}
	return target
}

// NeedsUpgrade reports whether any migration in the set has a version
// greater than the database's current user_version. It never mutates
// the database.
func (s *Store) NeedsUpgrade(ctx context.Context, migrations []Migration) (bool, error) {
	current, err := s.Version(ctx)
	if err != nil {
		return false, err
	}
	return TargetVersion(migrations) > current, nil
}

// Upgrade applies every migration with a version greater than the
// current user_version, in ascending order, inside one transaction,
// then advances user_version to the target. Calling Upgrade with no
// pending migrations is a no-op.
func (s *Store) Upgrade(ctx context.Context, migrations []Migration) error {
	current, err := s.Version(ctx)
	if err != nil {
		return err
	}

	var pending []Migration
	for _, m := range migrations {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upgrade transaction: %w", err)
	}
	defer tx.Rollback()

	for _, m := range pending {
		if err := m.Migrate(ctx, tx); err != nil {
			return fmt.Errorf("object store migration to version %d failed: %w", m.Version, err)
		}
	}

	target := pending[len(pending)-1].Version
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upgrade: %w", err)
	}

	return nil
}

// CreateObjectStore creates the table for a named object store within a
// migration transaction. Idempotent.
func CreateObjectStore(ctx context.Context, tx *sql.Tx, name string) error {
	if err := validateStoreName(name); err != nil {
		return err
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`, name)

	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create object store %s: %w", name, err)
	}
	return nil
}

// DropObjectStore removes a named object store within a migration
// transaction. Dropping an absent store is a no-op.
func DropObjectStore(ctx context.Context, tx *sql.Tx, name string) error {
	if err := validateStoreName(name); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", name)); err != nil {
		return fmt.Errorf("failed to drop object store %s: %w", name, err)
	}
	return nil
}

func validateStoreName(name string) error {
	if !storeNamePattern.MatchString(name) {
		return fmt.Errorf("invalid object store name %q", name)
	}
	return nil
}

// Stores returns the names of all object stores, sorted.
func (s *Store) Stores(ctx context.Context) ([]string, error) {
	if err := s.open(); err != nil {
		return nil, err
	}

	query := `SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list object stores: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan store name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating store names: %w", err)
	}

	return names, nil
}

// Keys returns all keys in the named object store, sorted.
func (s *Store) Keys(ctx context.Context, store string) ([]string, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	if err := validateStoreName(store); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT key FROM %q ORDER BY key", store)
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys in %s: %w", store, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}

	return keys, nil
}

// GetRaw returns the value stored under the full (unscoped) key in the
// named object store. Returns ErrNotFound if the key is absent.
func (s *Store) GetRaw(ctx context.Context, store, key string) (string, error) {
	if err := s.open(); err != nil {
		return "", err
	}
	if err := validateStoreName(store); err != nil {
		return "", err
	}

	query := fmt.Sprintf("SELECT value FROM %q WHERE key = ?", store)

	var value string
	err := s.conn.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s/%s: %w", store, key, err)
	}
	return value, nil
}

// PutRaw stores a value under the full (unscoped) key in the named
// object store, replacing any existing value.
func (s *Store) PutRaw(ctx context.Context, store, key, value string) error {
	if err := s.open(); err != nil {
		return err
	}
	if err := validateStoreName(store); err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %q (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, store)

	if _, err := s.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", store, key, err)
	}
	return nil
}

// DeleteRaw removes a full key from the named object store. Deleting an
// absent key is a no-op.
func (s *Store) DeleteRaw(ctx context.Context, store, key string) error {
	if err := s.open(); err != nil {
		return err
	}
	if err := validateStoreName(store); err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %q WHERE key = ?", store)
	if _, err := s.conn.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", store, key, err)
	}
	return nil
}

// Get returns the value for a base key within the given scope.
func (s *Store) Get(ctx context.Context, store string, sc scope.Scope, base string) (string, error) {
	return s.GetRaw(ctx, store, sc.Key(base))
}

// Put stores a value for a base key within the given scope.
func (s *Store) Put(ctx context.Context, store string, sc scope.Scope, base, value string) error {
	return s.PutRaw(ctx, store, sc.Key(base), value)
}

// Delete removes a base key within the given scope.
func (s *Store) Delete(ctx context.Context, store string, sc scope.Scope, base string) error {
	return s.DeleteRaw(ctx, store, sc.Key(base))
}

// DeleteScope removes every key in the named object store that belongs
// to the given scope. Returns the number of keys removed.
func (s *Store) DeleteScope(ctx context.Context, store string, sc scope.Scope) (int, error) {
	if err := s.open(); err != nil {
		return 0, err
	}
	if err := validateStoreName(store); err != nil {
		return 0, err
	}

	query := fmt.Sprintf("DELETE FROM %q WHERE key LIKE ? ESCAPE '\\'", store)
	res, err := s.conn.ExecContext(ctx, query, likePrefix(sc.Prefix()+"_"))
	if err != nil {
		return 0, fmt.Errorf("failed to clear scope in %s: %w", store, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// likePrefix escapes LIKE metacharacters in prefix and appends the
// wildcard, so underscores in scope prefixes match literally.
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+4)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	return string(escaped) + "%"
}
