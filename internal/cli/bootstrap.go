package cli

import (
	"context"
	"fmt"

	"github.com/lazypower/recall/internal/config"
	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/memory"
	"github.com/lazypower/recall/internal/store"
)

// app bundles the opened store and the engine built over it.
type app struct {
	db     *store.DB
	engine *engine.Engine
	cache  *engine.CachedEmbedder
}

func openApp(ctx context.Context) (*app, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	inner, err := buildEmbedder(ctx, cfg.Embedding, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	cache, err := engine.NewCachedEmbedder(inner, cfg.Embedding.CacheSize, cfg.Embedding.Timeout)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("embedding cache: %w", err)
	}

	eng, err := engine.New(engine.Deps{
		Index:    db,
		Graph:    db,
		Audit:    db,
		Embedder: cache,
		Logger:   logger,
	}, engineOptions(cfg.Engine, cfg.Embedding))
	if err != nil {
		cache.Close()
		db.Close()
		return nil, err
	}

	logger.Debug("engine ready", "db", dbPath, "embedder", inner.Model())
	return &app{db: db, engine: eng, cache: cache}, nil
}

// Close waits for background linking, then releases the store.
func (a *app) Close() {
	a.engine.Flush()
	a.engine.Stop()
	a.cache.Close()
	a.db.Close()
}

func buildEmbedder(ctx context.Context, c config.EmbeddingConfig, db *store.DB) (engine.Embedder, error) {
	switch c.Provider {
	case "ollama":
		return engine.NewOllamaEmbedder(c.OllamaURL, c.Model, c.Timeout, c.Concurrency)
	case "auto":
		if engine.ProbeOllama(ctx, c.OllamaURL, c.Model) {
			return engine.NewOllamaEmbedder(c.OllamaURL, c.Model, c.Timeout, c.Concurrency)
		}
		logger.Warn("ollama unavailable, falling back to tfidf", "url", c.OllamaURL, "model", c.Model)
	}

	corpus, err := loadCorpus(ctx, db)
	if err != nil {
		return nil, err
	}
	return engine.NewTFIDFEmbedder(corpus, 512), nil
}

// loadCorpus reads every stored memory's content for the TF-IDF vocabulary.
func loadCorpus(ctx context.Context, db *store.DB) ([]string, error) {
	var corpus []string
	cursor := ""
	for {
		points, next, err := db.Scroll(ctx, memory.Filter{IncludeSuperseded: true}, cursor, 500)
		if err != nil {
			return nil, fmt.Errorf("load tfidf corpus: %w", err)
		}
		for _, p := range points {
			corpus = append(corpus, p.Memory.Content)
		}
		if next == "" {
			return corpus, nil
		}
		cursor = next
	}
}

func engineOptions(c config.EngineConfig, emb config.EmbeddingConfig) engine.Options {
	opts := engine.DefaultOptions()
	opts.DecayRatePerHour = c.DecayRatePerHour
	opts.MergeThreshold = c.MergeThreshold
	opts.UsefulThreshold = c.UsefulThreshold
	opts.ReinforceBoost = c.ReinforceBoost
	opts.CoRetrievalWeight = c.CoRetrievalWeight
	opts.LinkFanout = c.LinkFanout
	opts.LinkWorkers = c.LinkWorkers
	opts.LinkQueue = c.LinkQueue
	opts.MaxDepth = c.MaxDepth
	opts.EmbedBatchSize = emb.BatchSize
	return opts
}
