package worldsync

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - worlds, settings, pending_sync tables with JSON expression indexes
const currentSchemaVersion = 1

var tableNames = map[string]string{
	CollectionWorlds:   "worlds",
	CollectionSettings: "settings",
	CollectionPending:  "pending_sync",
}

// SQLiteBackend is the indexed backend. Every call runs as a single statement
// or transaction, so each record write is atomic.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

func sqlitePath(opts BackendOptions) string {
	if opts.Dir == "" {
		return ""
	}
	return filepath.Join(opts.Dir, opts.Prefix+".db")
}

// OpenSQLiteBackend creates or opens the database at path, applying pragmas
// and the schema. It fails when the driver is unusable (for example a build
// without cgo), which is what backend probing relies on.
func OpenSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite backend: no database path configured")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite backend: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite backend: connect: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite backend: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite backend: %w", err)
	}

	return &SQLiteBackend{db: db, path: path}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func (s *SQLiteBackend) Name() string { return BackendSQLite }

// Path returns the database file location.
func (s *SQLiteBackend) Path() string { return s.path }

func table(collection string) (string, error) {
	t, ok := tableNames[collection]
	if !ok {
		return "", validCollection(collection)
	}
	return t, nil
}

func (s *SQLiteBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	t, err := table(collection)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO "+t+" (key, value) VALUES (?, ?)", key, string(value))
	if err != nil {
		return fmt.Errorf("sqlite backend: put %s/%s: %w", collection, key, err)
	}
	return nil
}

// PutBatch writes all values in a single transaction.
func (s *SQLiteBackend) PutBatch(ctx context.Context, collection string, values map[string][]byte) error {
	t, err := table(collection)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite backend: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO "+t+" (key, value) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("sqlite backend: prepare: %w", err)
	}
	defer stmt.Close()

	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, k, string(v)); err != nil {
			return fmt.Errorf("sqlite backend: put %s/%s: %w", collection, k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	t, err := table(collection)
	if err != nil {
		return nil, err
	}
	var value string
	err = s.db.QueryRowContext(ctx, "SELECT value FROM "+t+" WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: get %s/%s: %w", collection, key, err)
	}
	return []byte(value), nil
}

func (s *SQLiteBackend) GetAll(ctx context.Context, collection string) ([][]byte, error) {
	t, err := table(collection)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT value FROM "+t+" ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: list %s: %w", collection, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("sqlite backend: scan %s: %w", collection, err)
		}
		out = append(out, []byte(value))
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) Delete(ctx context.Context, collection, key string) error {
	t, err := table(collection)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t+" WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlite backend: delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *SQLiteBackend) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
