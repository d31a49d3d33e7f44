package engine

import (
	"context"

	"github.com/charmbracelet/log"
)

// embedAll embeds texts in chunks of size. When a chunk's batch call fails
// its items are embedded one at a time; items that still fail are left nil
// and counted. Chunks that already succeeded are never re-sent.
func embedAll(ctx context.Context, emb Embedder, texts []string, size int, logger *log.Logger) ([][]float64, int, error) {
	if size <= 0 {
		size = 32
	}
	out := make([][]float64, len(texts))
	failed := 0

	for start := 0; start < len(texts); start += size {
		if err := ctx.Err(); err != nil {
			return out, failed, err
		}
		end := min(start+size, len(texts))

		vecs, err := emb.EmbedBatch(ctx, texts[start:end])
		if err == nil {
			copy(out[start:end], vecs)
			continue
		}
		logger.Warn("batch embed failed, falling back to sequential", "items", end-start, "err", err)

		for i := start; i < end; i++ {
			vec, err := emb.Embed(ctx, texts[i])
			if err != nil {
				failed++
				logger.Debug("embed item failed", "index", i, "err", err)
				continue
			}
			out[i] = vec
		}
	}
	return out, failed, nil
}
