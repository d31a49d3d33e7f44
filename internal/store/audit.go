package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Action    string         `json:"action"`
	MemoryID  string         `json:"memory_id"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// Append writes an audit entry.
func (db *DB) Append(ctx context.Context, action, memoryID string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO audit_log (action, memory_id, details, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?)
	`, action, memoryID, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

// AuditTrail returns the most recent entries for a memory, newest first.
// An empty memoryID returns entries for every memory.
func (db *DB) AuditTrail(ctx context.Context, memoryID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, action, COALESCE(memory_id, ''), details, created_at
		FROM audit_log
		WHERE ? = '' OR memory_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, memoryID, memoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Action, &e.MemoryID, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
