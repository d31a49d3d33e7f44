package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the recall SQLite database. It implements
// the engine's VectorIndex, GraphStore and AuditLog ports over one file.
type DB struct {
	*sql.DB
	Path string
}

// DefaultDBPath returns the default database path: ~/.recall/recall.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".recall", "recall.db"), nil
}

// connPragmas are applied by the driver to every pooled connection.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
	"mmap_size(268435456)", // 256MB
}

// dsn builds a modernc sqlite DSN carrying connPragmas. Transactions take
// the write lock up front so a read-then-write never fails on upgrade.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return setup(&DB{DB: sqlDB, Path: path})
}

// OpenMemory opens an in-memory SQLite database for testing.
// Every pooled connection would get its own empty database, so the pool is
// pinned to a single connection.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(":memory:"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return setup(&DB{DB: sqlDB, Path: ":memory:"})
}

func setup(db *DB) (*DB, error) {
	if err := db.Ping(); err != nil {
		db.DB.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	if err := db.migrate(); err != nil {
		db.DB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}
