package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/lazypower/recall/internal/memory"
	"github.com/philippgille/chromem-go"
)

const (
	minFactChars    = 12
	maxFactsPerItem = 16
)

// FactIndex is a derived sub-index of sentence-level facts. Facts are
// generated lazily after a memory is retrieved, so frequently used memories
// become findable by any one of their sentences. It is a cache: losing it
// only costs recall quality, never correctness.
type FactIndex struct {
	col      *chromem.Collection
	embedder Embedder
	pool     *Pool
	batch    int
	log      *log.Logger

	mu       sync.Mutex
	versions map[string]string // memory id -> content hash the facts were built from
}

// NewFactIndex creates an empty in-process fact index.
func NewFactIndex(emb Embedder, pool *Pool, batch int, logger *log.Logger) (*FactIndex, error) {
	col, err := chromem.NewDB().CreateCollection("facts", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create fact collection: %w", err)
	}
	return &FactIndex{
		col:      col,
		embedder: emb,
		pool:     pool,
		batch:    batch,
		log:      logger,
		versions: make(map[string]string),
	}, nil
}

// Warm schedules fact generation for m unless its facts are current.
func (f *FactIndex) Warm(m memory.Memory) {
	if f.current(m) {
		return
	}
	f.pool.Submit("facts:"+m.ID, func(ctx context.Context) {
		if err := f.Ensure(ctx, m); err != nil {
			f.log.Warn("fact generation failed", "id", m.ID, "err", err)
		}
	})
}

// Ensure builds facts for m now, replacing any stale ones.
func (f *FactIndex) Ensure(ctx context.Context, m memory.Memory) error {
	if f.current(m) {
		return nil
	}
	if err := f.col.Delete(ctx, map[string]string{"memory_id": m.ID}, nil); err != nil {
		return fmt.Errorf("drop stale facts: %w", err)
	}

	facts := splitFacts(m.Content)
	if len(facts) == 0 {
		f.mark(m)
		return nil
	}

	vecs, failed, err := embedAll(ctx, f.embedder, facts, f.batch, f.log)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(facts))
	for i, vec := range vecs {
		if isZero(vec) {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        fmt.Sprintf("%s#%d", m.ID, i),
			Content:   facts[i],
			Embedding: toFloat32(vec),
			Metadata:  map[string]string{"memory_id": m.ID},
		})
	}
	if len(docs) > 0 {
		if err := f.col.AddDocuments(ctx, docs, 1); err != nil {
			return fmt.Errorf("add facts: %w", err)
		}
	}
	// partially embedded memories are retried on next retrieval
	if failed == 0 {
		f.mark(m)
	}
	return nil
}

// Query returns the best fact similarity per parent memory id.
func (f *FactIndex) Query(ctx context.Context, vec []float64, n int) (map[string]float64, error) {
	count := f.col.Count()
	if count == 0 || n <= 0 || isZero(vec) {
		return nil, nil
	}
	n = min(n, count)

	results, err := f.col.QueryEmbedding(ctx, toFloat32(vec), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	best := make(map[string]float64, len(results))
	for _, r := range results {
		id := r.Metadata["memory_id"]
		sim := float64(r.Similarity)
		if cur, ok := best[id]; !ok || sim > cur {
			best[id] = sim
		}
	}
	return best, nil
}

// Len returns the number of stored facts.
func (f *FactIndex) Len() int { return f.col.Count() }

func (f *FactIndex) current(m memory.Memory) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[m.ID] == m.ContentHash
}

func (f *FactIndex) mark(m memory.Memory) {
	f.mu.Lock()
	f.versions[m.ID] = m.ContentHash
	f.mu.Unlock()
}

// splitFacts breaks content into sentence-sized statements. Content that is
// already a single statement yields nothing; the main vector covers it.
func splitFacts(content string) []string {
	var facts []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		for _, s := range splitSentences(line) {
			s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "-*•"))
			key := strings.ToLower(s)
			if len(s) < minFactChars || seen[key] {
				continue
			}
			seen[key] = true
			facts = append(facts, s)
			if len(facts) == maxFactsPerItem {
				return facts
			}
		}
	}
	if len(facts) < 2 {
		return nil
	}
	return facts
}

// splitSentences cuts at '.', '!' or '?' followed by whitespace.
func splitSentences(line string) []string {
	var out []string
	start := 0
	for i := 0; i < len(line)-1; i++ {
		switch line[i] {
		case '.', '!', '?':
			if line[i+1] == ' ' || line[i+1] == '\t' {
				out = append(out, line[start:i+1])
				start = i + 1
			}
		}
	}
	return append(out, line[start:])
}

func toFloat32(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}

func isZero(vec []float64) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
