package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lazypower/recall/internal/memory"
)

// UpsertEdge creates the (source, target, type) edge with weight delta, or
// adds delta to the weight of an existing one. Reports whether the edge was new.
func (db *DB) UpsertEdge(ctx context.Context, rel memory.Relationship, delta float64) (bool, error) {
	if rel.Source == "" || rel.Target == "" || rel.Source == rel.Target {
		return false, memory.Invalid("edge", "source and target must be distinct ids")
	}
	if !rel.Type.Valid() {
		return false, memory.Invalid("type", "unknown relation type %q", rel.Type)
	}
	// undirected edges are stored once, keyed low id first
	if rel.Bidirectional && rel.Target < rel.Source {
		rel.Source, rel.Target = rel.Target, rel.Source
	}

	// Insert-if-absent then strengthen: each statement is atomic on its own,
	// so exactly one concurrent caller sees the edge as new and every delta
	// lands on the weight.
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO relationships (source_id, target_id, type, weight, bidirectional, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, type) DO NOTHING
	`, rel.Source, rel.Target, string(rel.Type), delta, boolInt(rel.Bidirectional), now, now)
	if err != nil {
		return false, fmt.Errorf("insert edge %s->%s: %w", rel.Source, rel.Target, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	_, err = db.ExecContext(ctx, `
		UPDATE relationships
		SET weight = weight + ?, bidirectional = MAX(bidirectional, ?), updated_at = ?
		WHERE source_id = ? AND target_id = ? AND type = ?
	`, delta, boolInt(rel.Bidirectional), now, rel.Source, rel.Target, string(rel.Type))
	if err != nil {
		return false, fmt.Errorf("strengthen edge %s->%s: %w", rel.Source, rel.Target, err)
	}
	return false, nil
}

// Edges returns every edge touching nodeID in either direction.
func (db *DB) Edges(ctx context.Context, nodeID string) ([]memory.Relationship, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT source_id, target_id, type, weight, bidirectional
		FROM relationships
		WHERE source_id = ? OR target_id = ?
		ORDER BY weight DESC, source_id, target_id
	`, nodeID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("edges for %s: %w", nodeID, err)
	}
	defer rows.Close()

	var rels []memory.Relationship
	for rows.Next() {
		var r memory.Relationship
		var bidi int
		if err := rows.Scan(&r.Source, &r.Target, &r.Type, &r.Weight, &bidi); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		r.Bidirectional = bidi != 0
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// Traverse walks the graph breadth-first from nodeID up to maxDepth hops and
// returns at most limit reached nodes with their hop distance. The start node
// is not included. Edges are walked in both directions.
func (db *DB) Traverse(ctx context.Context, nodeID string, maxDepth, limit int) ([]memory.Neighbor, error) {
	if maxDepth <= 0 || limit <= 0 {
		return nil, nil
	}

	visited := map[string]bool{nodeID: true}
	type item struct {
		id    string
		depth int
	}
	queue := []item{{nodeID, 0}}
	var out []memory.Neighbor

	for len(queue) > 0 && len(out) < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxDepth {
			continue
		}

		rels, err := db.Edges(ctx, current.id)
		if err != nil {
			return out, err
		}
		for _, rel := range rels {
			neighbor := rel.Target
			if neighbor == current.id {
				neighbor = rel.Source
			}
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true
			out = append(out, memory.Neighbor{ID: neighbor, Distance: current.depth + 1})
			if len(out) >= limit {
				break
			}
			queue = append(queue, item{neighbor, current.depth + 1})
		}
	}
	return out, nil
}
