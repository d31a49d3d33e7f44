package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memories: payload store for the vector index",
		SQL: `
CREATE TABLE memories (
    id                 TEXT PRIMARY KEY,
    content            TEXT NOT NULL,
    content_hash       TEXT NOT NULL,
    memory_type        TEXT NOT NULL CHECK (memory_type IN ('semantic', 'episodic', 'procedural', 'working')),
    domain             TEXT NOT NULL DEFAULT '',
    tags               TEXT NOT NULL DEFAULT '[]',
    source             TEXT NOT NULL CHECK (source IN ('user', 'assistant', 'observer')),

    -- Relevance state
    importance         REAL NOT NULL CHECK (importance BETWEEN 0 AND 1),
    initial_importance REAL NOT NULL,
    confidence         REAL NOT NULL DEFAULT 1.0,
    stability          REAL NOT NULL DEFAULT 0 CHECK (stability >= 0),
    durability         TEXT CHECK (durability IN ('ephemeral', 'durable', 'permanent')),
    pinned             INTEGER NOT NULL DEFAULT 0,
    access_count       INTEGER NOT NULL DEFAULT 0,

    -- Consolidation
    superseded_by      TEXT,

    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

CREATE INDEX idx_memories_hash       ON memories(content_hash);
CREATE INDEX idx_memories_domain     ON memories(domain);
CREATE INDEX idx_memories_durability ON memories(durability);
`,
	},
	{
		Version:     2,
		Description: "memory_vectors: main embedding per memory",
		SQL: `
CREATE TABLE memory_vectors (
    memory_id  TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     3,
		Description: "relationships: weighted memory graph",
		SQL: `
CREATE TABLE relationships (
    source_id     TEXT NOT NULL,
    target_id     TEXT NOT NULL,
    type          TEXT NOT NULL CHECK (type IN ('related_to', 'caused_by', 'solved_by', 'supersedes',
                                                'derived_from', 'contradicts', 'requires', 'part_of')),
    weight        REAL NOT NULL DEFAULT 0,
    bidirectional INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    PRIMARY KEY (source_id, target_id, type)
);

CREATE INDEX idx_rel_target ON relationships(target_id);
`,
	},
	{
		Version:     4,
		Description: "audit_log: append-only engine actions",
		SQL: `
CREATE TABLE audit_log (
    id         INTEGER PRIMARY KEY,
    action     TEXT NOT NULL,
    memory_id  TEXT,
    details    TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_audit_memory  ON audit_log(memory_id);
CREATE INDEX idx_audit_created ON audit_log(created_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
