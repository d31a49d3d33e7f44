package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/lazypower/recall/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLinksSimilarMemories(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.emb.set("redis runs on port 6379", 1, 0, 0)
	te.emb.set("redis cache port is 6379", 0.9, 0.43589, 0)
	te.emb.set("lunch is at noon", 0.3, 0, 0.95394)

	a, _, err := te.Store(ctx, StoreRequest{Content: "redis runs on port 6379"})
	require.NoError(t, err)
	te.Flush()
	b, _, err := te.Store(ctx, StoreRequest{Content: "redis cache port is 6379"})
	require.NoError(t, err)
	te.Flush()
	c, _, err := te.Store(ctx, StoreRequest{Content: "lunch is at noon"})
	require.NoError(t, err)
	te.Flush()

	w, ok := te.graph.weight(a.ID, b.ID, memory.RelRelatedTo)
	require.True(t, ok, "similar memories are linked")
	assert.InDelta(t, 0.9, w, 1e-4)

	_, ok = te.graph.weight(a.ID, c.ID, memory.RelRelatedTo)
	assert.False(t, ok, "similarity below threshold is not linked")
	assert.Equal(t, 1, te.graph.count(memory.RelRelatedTo))
}

func TestAutoLinkFanoutCap(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		te.index.put(t, memory.Memory{ID: fmt.Sprintf("n%d", i), Content: fmt.Sprintf("n%d", i), Importance: 0.5}, padded([]float64{1, 0.01 * float64(i)}))
	}

	m := memory.Memory{ID: "new"}
	linked := te.linker.link(ctx, m, padded([]float64{1, 0}))
	assert.Equal(t, 5, linked)
	assert.Equal(t, 5, te.graph.count(memory.RelRelatedTo))
}

func TestAutoLinkSkipsSupersededAndSelf(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	vec := padded([]float64{1})
	te.index.put(t, memory.Memory{ID: "self", Content: "s"}, vec)
	te.index.put(t, memory.Memory{ID: "retired", Content: "r", SupersededBy: "x"}, vec)
	te.index.put(t, memory.Memory{ID: "live", Content: "l"}, vec)

	linked := te.linker.link(ctx, memory.Memory{ID: "self"}, vec)
	assert.Equal(t, 1, linked)
	_, ok := te.graph.weight("self", "live", memory.RelRelatedTo)
	assert.True(t, ok)
}

func TestAutoLinkRepeatedStrengthens(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	vec := padded([]float64{1})
	te.index.put(t, memory.Memory{ID: "b", Content: "b"}, vec)

	te.linker.link(ctx, memory.Memory{ID: "a"}, vec)
	te.linker.link(ctx, memory.Memory{ID: "a"}, vec)

	w, ok := te.graph.weight("a", "b", memory.RelRelatedTo)
	require.True(t, ok)
	assert.InDelta(t, 2.0, w, 1e-9)
	assert.Equal(t, 1, te.graph.count(memory.RelRelatedTo))
}

func TestAutoLinkSearchFailureIsSwallowed(t *testing.T) {
	te := newTestEngine(t)
	te.index.searchErr = fmt.Errorf("index offline")

	linked := te.linker.link(context.Background(), memory.Memory{ID: "a"}, padded([]float64{1}))
	assert.Zero(t, linked)
}
