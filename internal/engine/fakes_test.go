package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lazypower/recall/internal/memory"
)

// fakeIndex is an in-memory VectorIndex. It applies patches under its own
// lock so deltas compose the way the sqlite adapter's do.
type fakeIndex struct {
	mu         sync.RWMutex
	points     map[string]memory.Point
	failUpdate map[string]error
	searchErr  error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: make(map[string]memory.Point), failUpdate: make(map[string]error)}
}

func (f *fakeIndex) Upsert(_ context.Context, p memory.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points[p.Memory.ID] = p
	return nil
}

func (f *fakeIndex) Get(_ context.Context, id string) (memory.Point, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.points[id]
	if !ok {
		return memory.Point{}, &memory.NotFoundError{ID: id}
	}
	return p, nil
}

func (f *fakeIndex) FindByHash(_ context.Context, hash string) (memory.Memory, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var found *memory.Memory
	for _, p := range f.points {
		m := p.Memory
		if m.ContentHash != hash || m.SupersededBy != "" {
			continue
		}
		if found == nil || m.CreatedAt.Before(found.CreatedAt) {
			found = &m
		}
	}
	if found == nil {
		return memory.Memory{}, false, nil
	}
	return *found, true, nil
}

func (f *fakeIndex) Search(_ context.Context, vec []float64, flt memory.Filter, limit int) ([]memory.Hit, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	var hits []memory.Hit
	for _, p := range f.points {
		if len(p.Vector) == 0 || !flt.Match(p.Memory) {
			continue
		}
		hits = append(hits, memory.Hit{Memory: p.Memory, Similarity: memory.CosineSimilarity(vec, p.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Memory.ID < hits[j].Memory.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (f *fakeIndex) Scroll(_ context.Context, flt memory.Filter, cursor string, limit int) ([]memory.Point, string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.points))
	for id, p := range f.points {
		if id > cursor && flt.Match(p.Memory) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]memory.Point, len(ids))
	for i, id := range ids {
		out[i] = f.points[id]
	}
	next := ""
	if len(ids) == limit {
		next = ids[len(ids)-1]
	}
	return out, next, nil
}

func (f *fakeIndex) UpdatePayload(_ context.Context, id string, patch memory.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUpdate[id]; err != nil {
		return err
	}
	p, ok := f.points[id]
	if !ok {
		return &memory.NotFoundError{ID: id}
	}
	p.Memory = patch.Apply(p.Memory)
	f.points[id] = p
	return nil
}

func (f *fakeIndex) memory(t *testing.T, id string) memory.Memory {
	t.Helper()
	p, err := f.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return p.Memory
}

func (f *fakeIndex) put(t *testing.T, m memory.Memory, vec []float64) memory.Memory {
	t.Helper()
	if m.ContentHash == "" {
		m.ContentHash = memory.ContentHash(m.Content)
	}
	if m.Type == "" {
		m.Type = memory.TypeSemantic
	}
	if m.Source == "" {
		m.Source = memory.SourceUser
	}
	if m.Domain == "" {
		m.Domain = "general"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if err := f.Upsert(context.Background(), memory.Point{Memory: m, Vector: vec}); err != nil {
		t.Fatalf("Upsert %s: %v", m.ID, err)
	}
	return m
}

type edgeKey struct {
	source, target string
	typ            memory.RelationType
}

// fakeGraph mirrors the sqlite graph: undirected edges are keyed low id first.
type fakeGraph struct {
	mu          sync.Mutex
	edges       map[edgeKey]float64
	traverseErr error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{edges: make(map[edgeKey]float64)}
}

func (g *fakeGraph) UpsertEdge(_ context.Context, rel memory.Relationship, delta float64) (bool, error) {
	if rel.Source == "" || rel.Target == "" || rel.Source == rel.Target {
		return false, memory.Invalid("edge", "source and target must be distinct ids")
	}
	if rel.Bidirectional && rel.Target < rel.Source {
		rel.Source, rel.Target = rel.Target, rel.Source
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	k := edgeKey{rel.Source, rel.Target, rel.Type}
	_, exists := g.edges[k]
	g.edges[k] += delta
	return !exists, nil
}

func (g *fakeGraph) Traverse(_ context.Context, nodeID string, maxDepth, limit int) ([]memory.Neighbor, error) {
	if g.traverseErr != nil {
		return nil, g.traverseErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	adj := make(map[string][]string)
	for k := range g.edges {
		adj[k.source] = append(adj[k.source], k.target)
		adj[k.target] = append(adj[k.target], k.source)
	}
	for _, n := range adj {
		sort.Strings(n)
	}

	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}
	var out []memory.Neighbor
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, n := range adj[id] {
				if visited[n] {
					continue
				}
				visited[n] = true
				out = append(out, memory.Neighbor{ID: n, Distance: depth})
				if len(out) >= limit {
					return out, nil
				}
				next = append(next, n)
			}
		}
		frontier = next
	}
	return out, nil
}

// weight returns the weight of the edge between a and b, honouring the
// canonical ordering of undirected edges.
func (g *fakeGraph) weight(a, b string, typ memory.RelationType) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.edges[edgeKey{a, b, typ}]; ok {
		return w, true
	}
	w, ok := g.edges[edgeKey{b, a, typ}]
	return w, ok
}

func (g *fakeGraph) count(typ memory.RelationType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k := range g.edges {
		if k.typ == typ {
			n++
		}
	}
	return n
}

type auditRecord struct {
	action   string
	memoryID string
	details  map[string]any
}

type fakeAudit struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *fakeAudit) Append(_ context.Context, action, memoryID string, details map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{action, memoryID, details})
	return nil
}

func (a *fakeAudit) actions(action string) []auditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []auditRecord
	for _, r := range a.records {
		if r.action == action {
			out = append(out, r)
		}
	}
	return out
}

// mapEmbedder returns fixed vectors for known texts and a hashed
// bag-of-words vector for everything else.
type mapEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float64
	fail    map[string]bool
	failAll bool
	calls   atomic.Int64
}

const hashDims = 64

var errEmbedDown = &memory.ExternalServiceError{Service: "fake", Op: "embed", Retryable: true, Err: errors.New("down")}

func newMapEmbedder() *mapEmbedder {
	return &mapEmbedder{vectors: make(map[string][]float64), fail: make(map[string]bool)}
}

func (e *mapEmbedder) set(text string, vec ...float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[text] = padded(vec)
}

func (e *mapEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	e.calls.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAll || e.fail[text] {
		return nil, errEmbedDown
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return hashedVector(text), nil
}

func (e *mapEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *mapEmbedder) Model() string   { return "fake" }
func (e *mapEmbedder) Dimensions() int { return hashDims }

func padded(vec []float64) []float64 {
	out := make([]float64, hashDims)
	copy(out, vec)
	return out
}

func hashedVector(text string) []float64 {
	vec := make([]float64, hashDims)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%hashDims]++
	}
	memory.Normalize(vec)
	return vec
}

type testEngine struct {
	*Engine
	index *fakeIndex
	graph *fakeGraph
	audit *fakeAudit
	emb   *mapEmbedder
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	return newTestEngineWith(t, Options{})
}

func newTestEngineWith(t *testing.T, opts Options) *testEngine {
	t.Helper()
	te := &testEngine{
		index: newFakeIndex(),
		graph: newFakeGraph(),
		audit: &fakeAudit{},
		emb:   newMapEmbedder(),
	}
	e, err := New(Deps{Index: te.index, Graph: te.graph, Audit: te.audit, Embedder: te.emb}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Stop)
	te.Engine = e
	return te
}
