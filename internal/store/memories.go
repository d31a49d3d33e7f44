package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/recall/internal/memory"
)

const memoryColumns = `m.id, m.content, m.content_hash, m.memory_type, m.domain, m.tags, m.source,
	m.importance, m.initial_importance, m.confidence, m.stability, m.durability, m.pinned,
	m.access_count, m.superseded_by, m.created_at, m.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// scanPoint reads memoryColumns followed by a nullable embedding blob.
func scanPoint(s scanner) (memory.Point, error) {
	var (
		m                    memory.Memory
		tags                 string
		durability, superBy  sql.NullString
		pinned               int
		createdAt, updatedAt int64
		blob                 []byte
	)
	err := s.Scan(&m.ID, &m.Content, &m.ContentHash, &m.Type, &m.Domain, &tags, &m.Source,
		&m.Importance, &m.InitialImportance, &m.Confidence, &m.Stability, &durability, &pinned,
		&m.AccessCount, &superBy, &createdAt, &updatedAt, &blob)
	if err != nil {
		return memory.Point{}, err
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return memory.Point{}, fmt.Errorf("decode tags for %s: %w", m.ID, err)
	}
	m.Durability = memory.Durability(durability.String)
	m.SupersededBy = superBy.String
	m.Pinned = pinned != 0
	m.CreatedAt = time.UnixMilli(createdAt)
	m.UpdatedAt = time.UnixMilli(updatedAt)
	return memory.Point{Memory: m, Vector: decodeEmbedding(blob)}, nil
}

// filterClause renders f as SQL predicates over the memories alias m.
func filterClause(f memory.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	in := func(col string, n int) string {
		return col + " IN (" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
	}

	if len(f.Domains) > 0 {
		conds = append(conds, in("m.domain", len(f.Domains)))
		for _, d := range f.Domains {
			args = append(args, d)
		}
	}
	if len(f.Types) > 0 {
		conds = append(conds, in("m.memory_type", len(f.Types)))
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.Tags) > 0 {
		conds = append(conds, "EXISTS (SELECT 1 FROM json_each(m.tags) WHERE "+in("json_each.value", len(f.Tags))+")")
		for _, t := range f.Tags {
			args = append(args, t)
		}
	}
	if f.MinImportance > 0 {
		conds = append(conds, "m.importance >= ?")
		args = append(args, f.MinImportance)
	}
	if len(f.ExcludeIDs) > 0 {
		conds = append(conds, "NOT "+in("m.id", len(f.ExcludeIDs)))
		for _, id := range f.ExcludeIDs {
			args = append(args, id)
		}
	}
	if !f.IncludeSuperseded {
		conds = append(conds, "m.superseded_by IS NULL")
	}
	if f.UnclassifiedOnly {
		conds = append(conds, "m.durability IS NULL")
	}

	if len(conds) == 0 {
		return "1=1", nil
	}
	return strings.Join(conds, " AND "), args
}

// Upsert stores a memory payload and its embedding atomically.
func (db *DB) Upsert(ctx context.Context, p memory.Point) error {
	m := p.Memory
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, content, content_hash, memory_type, domain, tags, source,
			importance, initial_importance, confidence, stability, durability, pinned,
			access_count, superseded_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content, content_hash = excluded.content_hash,
			memory_type = excluded.memory_type, domain = excluded.domain, tags = excluded.tags,
			source = excluded.source, importance = excluded.importance,
			confidence = excluded.confidence, stability = excluded.stability,
			durability = excluded.durability, pinned = excluded.pinned,
			access_count = excluded.access_count, superseded_by = excluded.superseded_by,
			updated_at = excluded.updated_at
	`, m.ID, m.Content, m.ContentHash, string(m.Type), m.Domain, string(tags), string(m.Source),
		m.Importance, m.InitialImportance, m.Confidence, m.Stability, string(m.Durability), boolInt(m.Pinned),
		m.AccessCount, m.SupersededBy, m.CreatedAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert memory %s: %w", m.ID, err)
	}

	if len(p.Vector) > 0 {
		if err := saveVector(tx, m.ID, p.Vector); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// Get returns a memory and its embedding, or a NotFoundError.
func (db *DB) Get(ctx context.Context, id string) (memory.Point, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+memoryColumns+`, v.embedding
		FROM memories m LEFT JOIN memory_vectors v ON v.memory_id = m.id
		WHERE m.id = ?
	`, id)
	p, err := scanPoint(row)
	if err == sql.ErrNoRows {
		return memory.Point{}, &memory.NotFoundError{ID: id}
	}
	if err != nil {
		return memory.Point{}, fmt.Errorf("get memory: %w", err)
	}
	return p, nil
}

// FindByHash returns the oldest live memory with the given content hash.
func (db *DB) FindByHash(ctx context.Context, hash string) (memory.Memory, bool, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+memoryColumns+`, NULL
		FROM memories m
		WHERE m.content_hash = ? AND m.superseded_by IS NULL
		ORDER BY m.created_at LIMIT 1
	`, hash)
	p, err := scanPoint(row)
	if err == sql.ErrNoRows {
		return memory.Memory{}, false, nil
	}
	if err != nil {
		return memory.Memory{}, false, fmt.Errorf("find by hash: %w", err)
	}
	return p.Memory, true, nil
}

// Search scores every embedded memory matching f against vec and returns the
// top limit hits by cosine similarity.
func (db *DB) Search(ctx context.Context, vec []float64, f memory.Filter, limit int) ([]memory.Hit, error) {
	where, args := filterClause(f)
	rows, err := db.QueryContext(ctx, `
		SELECT `+memoryColumns+`, v.embedding
		FROM memories m JOIN memory_vectors v ON v.memory_id = m.id
		WHERE `+where+`
		ORDER BY m.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var hits []memory.Hit
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		hits = append(hits, memory.Hit{
			Memory:     p.Memory,
			Similarity: memory.CosineSimilarity(vec, p.Vector),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Scroll returns up to limit memories matching f with id greater than cursor,
// ordered by id. The returned cursor is empty once the scan is exhausted.
func (db *DB) Scroll(ctx context.Context, f memory.Filter, cursor string, limit int) ([]memory.Point, string, error) {
	where, args := filterClause(f)
	args = append(args, cursor, limit)
	rows, err := db.QueryContext(ctx, `
		SELECT `+memoryColumns+`, v.embedding
		FROM memories m LEFT JOIN memory_vectors v ON v.memory_id = m.id
		WHERE `+where+` AND m.id > ?
		ORDER BY m.id
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, "", fmt.Errorf("scroll: %w", err)
	}
	defer rows.Close()

	var points []memory.Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan scroll row: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(points) == limit {
		next = points[len(points)-1].Memory.ID
	}
	return points, next, nil
}

// UpdatePayload applies a patch in a single statement so deltas from
// concurrent callers compose instead of overwriting each other.
func (db *DB) UpdatePayload(ctx context.Context, id string, p memory.Patch) error {
	if p.Empty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	if p.Importance != nil || p.ImportanceDelta != 0 {
		lo := 0.0
		if p.ImportanceDelta < 0 {
			lo = memory.ImportanceFloor
		}
		if p.Importance != nil {
			sets = append(sets, "importance = MIN(1.0, MAX(?, ? + ?))")
			args = append(args, lo, memory.Clamp(*p.Importance, 0, 1), p.ImportanceDelta)
		} else {
			sets = append(sets, "importance = MIN(1.0, MAX(?, importance + ?))")
			args = append(args, lo, p.ImportanceDelta)
		}
	}
	if p.StabilityDelta != 0 {
		sets = append(sets, "stability = MAX(0, stability + ?)")
		args = append(args, p.StabilityDelta)
	}
	if p.AccessDelta != 0 {
		sets = append(sets, "access_count = access_count + ?")
		args = append(args, p.AccessDelta)
	}
	if p.Durability != nil {
		sets = append(sets, "durability = NULLIF(?, '')")
		args = append(args, string(*p.Durability))
	}
	if p.SupersededBy != nil {
		sets = append(sets, "superseded_by = NULLIF(?, '')")
		args = append(args, *p.SupersededBy)
	}
	if p.Pinned != nil {
		sets = append(sets, "pinned = ?")
		args = append(args, boolInt(*p.Pinned))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UnixMilli(), id)

	res, err := db.ExecContext(ctx, "UPDATE memories SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update payload %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &memory.NotFoundError{ID: id}
	}
	return nil
}

// Count returns the number of memories matching f.
func (db *DB) Count(ctx context.Context, f memory.Filter) (int, error) {
	where, args := filterClause(f)
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories m WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
