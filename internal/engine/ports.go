package engine

import (
	"context"

	"github.com/lazypower/recall/internal/memory"
)

// VectorIndex stores memories with their main embedding. The payload it
// returns is the source of truth for relevance state.
type VectorIndex interface {
	Upsert(ctx context.Context, p memory.Point) error
	// Get returns a *memory.NotFoundError for unknown ids.
	Get(ctx context.Context, id string) (memory.Point, error)
	FindByHash(ctx context.Context, hash string) (memory.Memory, bool, error)
	Search(ctx context.Context, vec []float64, f memory.Filter, limit int) ([]memory.Hit, error)
	// Scroll pages through every matching record by cursor. An empty next
	// cursor ends the scan.
	Scroll(ctx context.Context, f memory.Filter, cursor string, limit int) (points []memory.Point, next string, err error)
	UpdatePayload(ctx context.Context, id string, p memory.Patch) error
}

// GraphStore holds weighted relationships between memories. It is a
// separate store from the VectorIndex; writes to one are not visible
// atomically in the other.
type GraphStore interface {
	UpsertEdge(ctx context.Context, rel memory.Relationship, weightDelta float64) (created bool, err error)
	Traverse(ctx context.Context, nodeID string, maxDepth, limit int) ([]memory.Neighbor, error)
}

// AuditLog receives append-only records of engine actions.
type AuditLog interface {
	Append(ctx context.Context, action, memoryID string, details map[string]any) error
}
