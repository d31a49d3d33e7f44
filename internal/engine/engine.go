package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lazypower/recall/internal/memory"
)

// Options tunes the relevance engine. Zero values are replaced by defaults.
type Options struct {
	DecayRatePerHour float64 // base importance loss per hour at zero stability

	MergeThreshold     float64 // consolidation similarity, stricter than memory.LinkThreshold
	ConsolidationBoost float64 // stability added to a merged memory above its sources

	UsefulThreshold   float64 // feedback similarity at or above which a memory was useful
	UsefulBoost       float64
	UsefulStability   float64
	NotUsefulPenalty  float64
	CoRetrievalWeight float64

	ReinforceBoost float64 // importance added per retrieval

	InitialStability float64

	LinkFanout  int
	LinkWorkers int
	LinkQueue   int

	ScrollBatch    int
	EmbedBatchSize int
	MaxDepth       int
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		DecayRatePerHour:   0.01,
		MergeThreshold:     0.85,
		ConsolidationBoost: 0.1,
		UsefulThreshold:    0.35,
		UsefulBoost:        0.05,
		UsefulStability:    0.05,
		NotUsefulPenalty:   0.02,
		CoRetrievalWeight:  0.1,
		ReinforceBoost:     0.02,
		InitialStability:   0.1,
		LinkFanout:         5,
		LinkWorkers:        2,
		LinkQueue:          256,
		ScrollBatch:        200,
		EmbedBatchSize:     32,
		MaxDepth:           3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	set := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	set(&o.DecayRatePerHour, d.DecayRatePerHour)
	set(&o.MergeThreshold, d.MergeThreshold)
	set(&o.ConsolidationBoost, d.ConsolidationBoost)
	set(&o.UsefulThreshold, d.UsefulThreshold)
	set(&o.UsefulBoost, d.UsefulBoost)
	set(&o.UsefulStability, d.UsefulStability)
	set(&o.NotUsefulPenalty, d.NotUsefulPenalty)
	set(&o.CoRetrievalWeight, d.CoRetrievalWeight)
	set(&o.ReinforceBoost, d.ReinforceBoost)
	set(&o.InitialStability, d.InitialStability)
	setInt(&o.LinkFanout, d.LinkFanout)
	setInt(&o.LinkWorkers, d.LinkWorkers)
	setInt(&o.LinkQueue, d.LinkQueue)
	setInt(&o.ScrollBatch, d.ScrollBatch)
	setInt(&o.EmbedBatchSize, d.EmbedBatchSize)
	setInt(&o.MaxDepth, d.MaxDepth)
	return o
}

func (o Options) validate() error {
	v := &memory.ValidationError{}
	if o.DecayRatePerHour < 0 {
		v.Add("decay_rate_per_hour", "must be >= 0")
	}
	if o.MergeThreshold <= memory.LinkThreshold || o.MergeThreshold > 1 {
		v.Add("merge_threshold", "must be in (%.2f, 1], got %v", memory.LinkThreshold, o.MergeThreshold)
	}
	if o.ConsolidationBoost <= 0 {
		v.Add("consolidation_boost", "must be > 0")
	}
	if o.UsefulThreshold <= 0 || o.UsefulThreshold > 1 {
		v.Add("useful_threshold", "must be in (0, 1]")
	}
	if o.ReinforceBoost < 0 {
		v.Add("reinforce_boost", "must be >= 0")
	}
	if o.NotUsefulPenalty < 0 {
		v.Add("not_useful_penalty", "must be >= 0")
	}
	return v.Err()
}

// Deps are the collaborators the engine is built from.
type Deps struct {
	Index    VectorIndex
	Graph    GraphStore
	Audit    AuditLog
	Embedder Embedder
	Logger   *log.Logger
}

// Engine orchestrates retrieval, decay, linking, consolidation, feedback
// and durability classification over the injected ports.
type Engine struct {
	Index    VectorIndex
	Graph    GraphStore
	Audit    AuditLog
	Embedder Embedder
	Facts    *FactIndex

	opts   Options
	log    *log.Logger
	tasks  *Pool
	linker *AutoLinker

	now func() time.Time

	decayMu       sync.Mutex
	lastDecay     time.Time // guarded by decayMu
	consolidateMu sync.Mutex
	migrateMu     sync.Mutex
}

// New creates a new Engine and starts its background worker pool.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Index == nil || deps.Graph == nil || deps.Embedder == nil {
		return nil, fmt.Errorf("engine: index, graph and embedder are required")
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("engine options: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	tasks := NewPool(opts.LinkWorkers, opts.LinkQueue, logger.WithPrefix("tasks"))
	facts, err := NewFactIndex(deps.Embedder, tasks, opts.EmbedBatchSize, logger.WithPrefix("facts"))
	if err != nil {
		tasks.Close()
		return nil, err
	}

	e := &Engine{
		Index:    deps.Index,
		Graph:    deps.Graph,
		Audit:    deps.Audit,
		Embedder: deps.Embedder,
		Facts:    facts,
		opts:     opts,
		log:      logger,
		tasks:    tasks,
		linker:   NewAutoLinker(deps.Index, deps.Graph, tasks, opts.LinkFanout, logger.WithPrefix("autolink")),
		now:      time.Now,
	}
	e.lastDecay = e.now()
	return e, nil
}

// Options returns the effective tuning.
func (e *Engine) Options() Options { return e.opts }

// Flush blocks until queued background work (links, fact generation) is done.
func (e *Engine) Flush() { e.tasks.Flush() }

// Stop drains background work and shuts down the worker pool.
func (e *Engine) Stop() { e.tasks.Close() }

// Store validates and persists a new memory, returning the existing one when
// identical content is already stored. Linking runs in the background, so
// callers must not expect related edges to exist when Store returns.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (memory.Memory, bool, error) {
	req, err := req.normalize()
	if err != nil {
		return memory.Memory{}, false, err
	}

	hash := memory.ContentHash(req.Content)
	existing, ok, err := e.Index.FindByHash(ctx, hash)
	if err != nil {
		return memory.Memory{}, false, fmt.Errorf("dedupe lookup: %w", err)
	}
	if ok {
		return existing, false, nil
	}

	vec, err := e.Embedder.Embed(ctx, req.Content)
	if err != nil {
		return memory.Memory{}, false, fmt.Errorf("embed memory: %w", err)
	}

	now := time.Now()
	m := memory.Memory{
		ID:                uuid.NewString(),
		Content:           req.Content,
		ContentHash:       hash,
		Type:              req.Type,
		Domain:            req.Domain,
		Tags:              req.Tags,
		Source:            req.Source,
		Importance:        *req.Importance,
		InitialImportance: *req.Importance,
		Confidence:        *req.Confidence,
		Stability:         e.opts.InitialStability,
		Durability:        req.Durability,
		Pinned:            req.Pinned,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Index.Upsert(ctx, memory.Point{Memory: m, Vector: vec}); err != nil {
		return memory.Memory{}, false, fmt.Errorf("store memory: %w", err)
	}

	e.audit(ctx, "store", m.ID, map[string]any{"domain": m.Domain, "type": string(m.Type)})
	e.linker.LinkNew(m, vec)
	return m, true, nil
}

// Get returns a memory by id without counting it as an access.
func (e *Engine) Get(ctx context.Context, id string) (memory.Memory, error) {
	p, err := e.Index.Get(ctx, id)
	if err != nil {
		return memory.Memory{}, err
	}
	return p.Memory, nil
}

// Pin toggles decay immunity for a memory.
func (e *Engine) Pin(ctx context.Context, id string, pinned bool) error {
	if err := e.Index.UpdatePayload(ctx, id, memory.Patch{Pinned: memory.Bool(pinned)}); err != nil {
		return err
	}
	e.audit(ctx, "pin", id, map[string]any{"pinned": pinned})
	return nil
}

// RelatedMemory is a graph neighbour of a memory.
type RelatedMemory struct {
	Memory   memory.Memory `json:"memory"`
	Distance int           `json:"distance"`
}

// Related returns live graph neighbours of id up to depth hops. Superseded
// memories are left out.
func (e *Engine) Related(ctx context.Context, id string, depth, limit int) ([]RelatedMemory, error) {
	if _, err := e.Index.Get(ctx, id); err != nil {
		return nil, err
	}
	depth = clampDepth(depth, e.opts.MaxDepth)
	if limit <= 0 {
		limit = 20
	}

	neighbors, err := e.Graph.Traverse(ctx, id, depth, limit*2)
	if err != nil {
		return nil, fmt.Errorf("traverse %s: %w", id, err)
	}

	var out []RelatedMemory
	for _, n := range neighbors {
		p, err := e.Index.Get(ctx, n.ID)
		if memory.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if p.Memory.SupersededBy != "" {
			continue
		}
		out = append(out, RelatedMemory{Memory: p.Memory, Distance: n.Distance})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// scrollAll visits every record matching f, page by page. Cancellation is
// honoured between pages; work already done is kept.
func (e *Engine) scrollAll(ctx context.Context, f memory.Filter, fn func(memory.Point)) error {
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		points, next, err := e.Index.Scroll(ctx, f, cursor, e.opts.ScrollBatch)
		if err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		for _, p := range points {
			fn(p)
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

func (e *Engine) audit(ctx context.Context, action, id string, details map[string]any) {
	if e.Audit == nil {
		return
	}
	if err := e.Audit.Append(ctx, action, id, details); err != nil {
		e.log.Warn("audit append failed", "action", action, "id", id, "err", err)
	}
}

func clampDepth(depth, max int) int {
	if depth <= 0 {
		return 1
	}
	if depth > max {
		return max
	}
	return depth
}
