package engine

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/lazypower/recall/internal/memory"
)

// AutoLinker connects newly stored memories to their nearest neighbours with
// bidirectional related_to edges. Linking runs on the shared worker pool and
// never fails the store that triggered it.
type AutoLinker struct {
	index     VectorIndex
	graph     GraphStore
	pool      *Pool
	threshold float64
	fanout    int
	log       *log.Logger
}

// NewAutoLinker creates a linker capped at fanout edges per new memory.
func NewAutoLinker(index VectorIndex, graph GraphStore, pool *Pool, fanout int, logger *log.Logger) *AutoLinker {
	if fanout <= 0 {
		fanout = 5
	}
	return &AutoLinker{
		index:     index,
		graph:     graph,
		pool:      pool,
		threshold: memory.LinkThreshold,
		fanout:    fanout,
		log:       logger,
	}
}

// LinkNew queues linking for m. It returns immediately.
func (a *AutoLinker) LinkNew(m memory.Memory, vec []float64) {
	if len(vec) == 0 {
		return
	}
	a.pool.Submit("autolink:"+m.ID, func(ctx context.Context) {
		a.link(ctx, m, vec)
	})
}

// link creates edges to every live neighbour at or above the threshold and
// returns how many edges it touched.
func (a *AutoLinker) link(ctx context.Context, m memory.Memory, vec []float64) int {
	hits, err := a.index.Search(ctx, vec, memory.Filter{ExcludeIDs: []string{m.ID}}, a.fanout)
	if err != nil {
		a.log.Warn("neighbour search failed", "id", m.ID, "err", err)
		return 0
	}

	linked := 0
	for _, h := range hits {
		if h.Similarity < a.threshold {
			continue
		}
		rel := memory.Relationship{
			Source:        m.ID,
			Target:        h.Memory.ID,
			Type:          memory.RelRelatedTo,
			Bidirectional: true,
		}
		created, err := a.graph.UpsertEdge(ctx, rel, h.Similarity)
		if err != nil {
			a.log.Warn("link failed", "source", m.ID, "target", h.Memory.ID, "err", err)
			continue
		}
		linked++
		a.log.Debug("linked", "source", m.ID, "target", h.Memory.ID, "similarity", h.Similarity, "created", created)
	}
	return linked
}
