package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lazypower/recall/internal/memory"
)

// SearchRequest controls a retrieval.
type SearchRequest struct {
	Query          string        `json:"query"`
	SessionContext string        `json:"session_context,omitempty"`
	Filters        memory.Filter `json:"filters"`
	Limit          int           `json:"limit,omitempty"` // max results (default 10)

	ExpandRelationships bool `json:"expand_relationships,omitempty"`
	MaxDepth            int  `json:"max_depth,omitempty"` // graph hops when expanding (default 1)
}

func (r SearchRequest) limit() int {
	if r.Limit <= 0 {
		return 10
	}
	return r.Limit
}

// SearchResult is a ranked memory. GraphDistance is 0 for direct hits and
// the hop count for memories reached through relationship expansion.
type SearchResult struct {
	Memory        memory.Memory `json:"memory"`
	Score         float64       `json:"score"`
	Similarity    float64       `json:"similarity"`
	GraphDistance int           `json:"graph_distance"`
	Via           string        `json:"via,omitempty"`
}

// Score combines similarity with importance. Importance is floored so that
// heavily decayed memories remain findable when they match strongly.
func Score(similarity, importance float64) float64 {
	return similarity * math.Max(importance, memory.RetrievalImportanceFloor)
}

// Search ranks memories against the query, optionally expands through the
// relationship graph, and reinforces everything it returns. An empty query
// falls back to the session context; when both are empty nothing is
// returned and nothing is reinforced.
func (e *Engine) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		query = strings.TrimSpace(req.SessionContext)
	}
	if query == "" {
		return []SearchResult{}, nil
	}

	queryVec, err := e.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	limit := req.limit()
	results, err := e.rank(ctx, queryVec, req.Filters, limit)
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}

	if req.ExpandRelationships && len(results) > 0 {
		results = e.expand(ctx, queryVec, results, req.Filters, clampDepth(req.MaxDepth, e.opts.MaxDepth), limit)
		sortResults(results)
		if len(results) > limit {
			results = results[:limit]
		}
	}

	e.reinforce(ctx, results)
	return results, nil
}

// Similar returns memories nearest to an existing memory. It is a plain
// lookup and does not reinforce.
func (e *Engine) Similar(ctx context.Context, id string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > maxLimit {
		return nil, memory.Invalid("limit", "must be <= %d", maxLimit)
	}
	p, err := e.Index.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	vec := p.Vector
	if len(vec) == 0 {
		if vec, err = e.Embedder.Embed(ctx, p.Memory.Content); err != nil {
			return nil, fmt.Errorf("embed %s: %w", id, err)
		}
	}

	hits, err := e.Index.Search(ctx, vec, memory.Filter{ExcludeIDs: []string{id}}, limit)
	if err != nil {
		return nil, fmt.Errorf("similar to %s: %w", id, err)
	}
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, SearchResult{
			Memory:     h.Memory,
			Score:      Score(h.Similarity, h.Memory.Importance),
			Similarity: h.Similarity,
		})
	}
	sortResults(results)
	return results, nil
}

// rank scores the main index and the fact sub-index, keeping the best
// similarity per memory.
func (e *Engine) rank(ctx context.Context, queryVec []float64, f memory.Filter, limit int) ([]SearchResult, error) {
	hits, err := e.Index.Search(ctx, queryVec, f, limit*3)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	byID := make(map[string]*SearchResult, len(hits))
	for _, h := range hits {
		byID[h.Memory.ID] = &SearchResult{Memory: h.Memory, Similarity: h.Similarity}
	}

	factSims, err := e.Facts.Query(ctx, queryVec, limit*3)
	if err != nil {
		e.log.Warn("fact search failed, using main index only", "err", err)
	}
	for id, sim := range factSims {
		if r, ok := byID[id]; ok {
			r.Similarity = math.Max(r.Similarity, sim)
			continue
		}
		p, err := e.Index.Get(ctx, id)
		if err != nil {
			// facts can outlive their parent briefly
			e.log.Debug("fact parent lookup failed", "id", id, "err", err)
			continue
		}
		if !f.Match(p.Memory) {
			continue
		}
		byID[id] = &SearchResult{Memory: p.Memory, Similarity: sim}
	}

	results := make([]SearchResult, 0, len(byID))
	for _, r := range byID {
		if r.Similarity <= 0 {
			continue
		}
		r.Score = Score(r.Similarity, r.Memory.Importance)
		results = append(results, *r)
	}
	sortResults(results)
	return results, nil
}

// expand adds graph neighbours of the direct hits. A neighbour at distance d
// from seed s scores s.Score/(1+d). Superseded memories are never added, and
// a memory reachable several ways keeps its shortest distance.
func (e *Engine) expand(ctx context.Context, queryVec []float64, seeds []SearchResult, f memory.Filter, depth, limit int) []SearchResult {
	byID := make(map[string]int, len(seeds))
	results := append([]SearchResult(nil), seeds...)
	for i, r := range results {
		byID[r.Memory.ID] = i
	}
	fetched := make(map[string]*memory.Point)

	for _, seed := range seeds {
		neighbors, err := e.Graph.Traverse(ctx, seed.Memory.ID, depth, limit)
		if err != nil {
			e.log.Warn("graph expansion failed", "seed", seed.Memory.ID, "err", err)
			continue
		}
		for _, n := range neighbors {
			if n.Distance <= 0 {
				continue
			}
			score := seed.Score / float64(1+n.Distance)

			if i, ok := byID[n.ID]; ok {
				cur := &results[i]
				if cur.GraphDistance == 0 {
					continue
				}
				if n.Distance < cur.GraphDistance || (n.Distance == cur.GraphDistance && score > cur.Score) {
					cur.GraphDistance = n.Distance
					cur.Score = score
					cur.Via = seed.Memory.ID
				}
				continue
			}

			p, seen := fetched[n.ID]
			if !seen {
				got, err := e.Index.Get(ctx, n.ID)
				if err != nil {
					if !memory.IsNotFound(err) {
						e.log.Warn("expansion lookup failed", "id", n.ID, "err", err)
					}
					fetched[n.ID] = nil
					continue
				}
				p = &got
				fetched[n.ID] = p
			}
			if p == nil || p.Memory.SupersededBy != "" || !f.Match(p.Memory) {
				continue
			}

			byID[n.ID] = len(results)
			results = append(results, SearchResult{
				Memory:        p.Memory,
				Score:         score,
				Similarity:    memory.CosineSimilarity(queryVec, p.Vector),
				GraphDistance: n.Distance,
				Via:           seed.Memory.ID,
			})
		}
	}
	return results
}

// reinforce records one access for every returned memory. Failures are
// logged; the results are still returned.
func (e *Engine) reinforce(ctx context.Context, results []SearchResult) {
	for i := range results {
		r := &results[i]
		patch := memory.Patch{AccessDelta: 1, ImportanceDelta: e.opts.ReinforceBoost}
		if err := e.Index.UpdatePayload(ctx, r.Memory.ID, patch); err != nil {
			e.log.Warn("reinforce failed", "id", r.Memory.ID, "err", err)
			continue
		}
		r.Memory = patch.Apply(r.Memory)
		e.Facts.Warm(r.Memory)
	}
}

func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].GraphDistance != results[j].GraphDistance {
			return results[i].GraphDistance < results[j].GraphDistance
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
}
