package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lazypower/recall/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func point(id string, age time.Duration, vec ...float64) memory.Point {
	return memory.Point{
		Memory: memory.Memory{ID: id, Content: id, ContentHash: memory.ContentHash(id), CreatedAt: t0.Add(age)},
		Vector: padded(vec),
	}
}

func TestClusterPointsGreedy(t *testing.T) {
	points := []memory.Point{
		point("late-dup", 3*time.Hour, 0.99, 0.141),
		point("seed", 0, 1, 0),
		point("dup", time.Hour, 0.95, 0.312),
		point("loner", 2*time.Hour, 0, 1),
	}

	clusters := clusterPoints(points, 0.85, 2)
	require.Len(t, clusters, 1)
	var ids []string
	for _, p := range clusters[0] {
		ids = append(ids, p.Memory.ID)
	}
	assert.Equal(t, []string{"seed", "dup", "late-dup"}, ids, "oldest seeds the cluster, members stay oldest first")
}

func TestClusterPointsMinSize(t *testing.T) {
	points := []memory.Point{point("a", 0, 1, 0), point("b", time.Hour, 1, 0.01)}
	assert.Empty(t, clusterPoints(points, 0.85, 3))
	assert.Len(t, clusterPoints(points, 0.85, 2), 1)
}

func TestMergeMemories(t *testing.T) {
	now := t0.Add(24 * time.Hour)
	cluster := []memory.Point{
		{Memory: memory.Memory{
			ID: "a", Content: "Postgres listens on 5432", Type: memory.TypeEpisodic, Domain: "ops",
			Tags: []string{"db", "pg"}, Importance: 0.4, Confidence: 0.9, Stability: 0.2,
			Durability: memory.DurabilityEphemeral, CreatedAt: t0,
		}},
		{Memory: memory.Memory{
			ID: "b", Content: "postgres   listens on 5432", Type: memory.TypeSemantic, Domain: "ops",
			Tags: []string{"infra"}, Importance: 0.7, Confidence: 0.6, Stability: 0.5,
			CreatedAt: t0.Add(time.Hour),
		}},
		{Memory: memory.Memory{
			ID: "c", Content: "The primary Postgres port is 5432", Type: memory.TypeSemantic, Domain: "ops",
			Tags: []string{"pg"}, Importance: 0.3, Confidence: 0.5, Stability: 0.1,
			Durability: memory.DurabilityDurable, CreatedAt: t0.Add(2 * time.Hour),
		}},
	}
	for i := range cluster {
		cluster[i].Memory.ContentHash = memory.ContentHash(cluster[i].Memory.Content)
	}

	m := mergeMemories(cluster, 0.1, now)
	assert.Equal(t, "Postgres listens on 5432\n\nThe primary Postgres port is 5432", m.Content, "duplicate content appears once")
	assert.Equal(t, memory.ContentHash(m.Content), m.ContentHash)
	assert.Equal(t, []string{"db", "infra", "pg"}, m.Tags)
	assert.Equal(t, 0.7, m.Importance)
	assert.Equal(t, 0.7, m.InitialImportance)
	assert.Equal(t, 0.9, m.Confidence)
	assert.InDelta(t, 0.6, m.Stability, 1e-9)
	assert.Equal(t, memory.DurabilityDurable, m.Durability)
	assert.Equal(t, memory.TypeSemantic, m.Type)
	assert.Equal(t, "ops", m.Domain)
	assert.Equal(t, now, m.CreatedAt)
	assert.Zero(t, m.AccessCount)
}

func TestMergeMemoriesTypeTieGoesToOldest(t *testing.T) {
	cluster := []memory.Point{
		{Memory: memory.Memory{ID: "a", Content: "a", Type: memory.TypeProcedural, CreatedAt: t0}},
		{Memory: memory.Memory{ID: "b", Content: "b", Type: memory.TypeSemantic, CreatedAt: t0.Add(time.Hour)}},
	}
	assert.Equal(t, memory.TypeProcedural, mergeMemories(cluster, 0.1, t0).Type)
}

func seedCluster(t *testing.T, te *testEngine) {
	t.Helper()
	te.index.put(t, memory.Memory{ID: "a", Content: "staging db is pg-02", Domain: "ops", Importance: 0.5, CreatedAt: t0}, padded([]float64{1, 0, 0}))
	te.index.put(t, memory.Memory{ID: "b", Content: "staging database is pg-02", Domain: "ops", Importance: 0.6, CreatedAt: t0.Add(time.Hour)}, padded([]float64{0.98, 0.199, 0}))
	te.index.put(t, memory.Memory{ID: "c", Content: "pg-02 hosts staging", Domain: "ops", Importance: 0.4, CreatedAt: t0.Add(2 * time.Hour)}, padded([]float64{0.95, 0.312, 0}))
	te.index.put(t, memory.Memory{ID: "d", Content: "lunch at noon", Domain: "ops", Importance: 0.5, CreatedAt: t0}, padded([]float64{0, 0, 1}))
	te.index.put(t, memory.Memory{ID: "e", Content: "staging db is pg-02 (dev copy)", Domain: "dev", Importance: 0.5, CreatedAt: t0}, padded([]float64{1, 0, 0}))
}

func TestConsolidate(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	seedCluster(t, te)

	res, err := te.Consolidate(ctx, ConsolidateRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ClustersFound)
	assert.Equal(t, 1, res.ClustersMerged)
	assert.Equal(t, 3, res.MemoriesMerged)
	assert.Zero(t, res.Errors)
	require.Len(t, res.Results, 1)
	assert.Equal(t, []string{"a", "b", "c"}, res.Results[0].SourceIDs)

	mergedID := res.Results[0].MergedID
	merged := te.index.memory(t, mergedID)
	assert.Equal(t, "staging db is pg-02\n\nstaging database is pg-02\n\npg-02 hosts staging", merged.Content)
	assert.Equal(t, 0.6, merged.Importance)
	assert.Empty(t, merged.SupersededBy)

	for _, id := range []string{"a", "b", "c"} {
		src := te.index.memory(t, id)
		assert.Equal(t, mergedID, src.SupersededBy, "%s superseded", id)
		w, ok := te.graph.weight(mergedID, id, memory.RelDerivedFrom)
		assert.True(t, ok, "derived_from edge to %s", id)
		assert.Equal(t, 1.0, w)
	}
	assert.Empty(t, te.index.memory(t, "d").SupersededBy)
	assert.Empty(t, te.index.memory(t, "e").SupersededBy, "domains never merge")
	assert.Len(t, te.audit.actions("consolidate"), 1)

	// sources leave default retrieval
	hits, err := te.Index.Search(ctx, padded([]float64{1, 0, 0}), memory.Filter{Domains: []string{"ops"}}, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotContains(t, []string{"a", "b", "c"}, h.Memory.ID)
	}
}

func TestConsolidateIsIdempotent(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	seedCluster(t, te)

	_, err := te.Consolidate(ctx, ConsolidateRequest{})
	require.NoError(t, err)
	res, err := te.Consolidate(ctx, ConsolidateRequest{})
	require.NoError(t, err)
	assert.Zero(t, res.ClustersMerged)
}

func TestConsolidateDryRun(t *testing.T) {
	te := newTestEngine(t)
	seedCluster(t, te)

	res, err := te.Consolidate(context.Background(), ConsolidateRequest{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ClustersFound)
	assert.Zero(t, res.ClustersMerged)
	assert.Zero(t, res.MemoriesMerged)
	assert.Empty(t, res.Results)
	assert.Len(t, te.index.points, 5)
	assert.Empty(t, te.index.memory(t, "a").SupersededBy)
}

func TestConsolidateDomainScope(t *testing.T) {
	te := newTestEngine(t)
	seedCluster(t, te)

	res, err := te.Consolidate(context.Background(), ConsolidateRequest{Domain: "dev"})
	require.NoError(t, err)
	assert.Zero(t, res.ClustersFound)
}

func TestConsolidateMinClusterSize(t *testing.T) {
	te := newTestEngine(t)
	seedCluster(t, te)

	res, err := te.Consolidate(context.Background(), ConsolidateRequest{MinClusterSize: 4})
	require.NoError(t, err)
	assert.Zero(t, res.ClustersFound)

	_, err = te.Consolidate(context.Background(), ConsolidateRequest{MinClusterSize: 1})
	assert.True(t, memory.IsValidation(err))
}

func TestConsolidateEmbedFailureCounted(t *testing.T) {
	te := newTestEngine(t)
	seedCluster(t, te)
	te.emb.failAll = true

	res, err := te.Consolidate(context.Background(), ConsolidateRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Zero(t, res.ClustersMerged)
	assert.Empty(t, te.index.memory(t, "a").SupersededBy)
}

func TestConsolidateCountsSupersedeFailures(t *testing.T) {
	te := newTestEngine(t)
	seedCluster(t, te)
	te.index.failUpdate["b"] = errors.New("disk full")

	res, err := te.Consolidate(context.Background(), ConsolidateRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ClustersMerged)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 2, res.MemoriesMerged)
	require.Len(t, res.Results, 1)
	assert.Equal(t, []string{"a", "c"}, res.Results[0].SourceIDs)
	assert.Empty(t, te.index.memory(t, "b").SupersededBy, "b stays live")
}

func TestConsolidateReusesStoredMergedContent(t *testing.T) {
	te := newTestEngine(t)
	seedCluster(t, te)
	// no vector, so it is not itself a clustering candidate
	te.index.put(t, memory.Memory{
		ID:      "prior",
		Content: "staging db is pg-02\n\nstaging database is pg-02\n\npg-02 hosts staging",
		Domain:  "ops",
	}, nil)

	res, err := te.Consolidate(context.Background(), ConsolidateRequest{})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "prior", res.Results[0].MergedID)
	assert.Len(t, te.index.points, 6, "no duplicate merged memory")
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, "prior", te.index.memory(t, id).SupersededBy)
	}
}

func TestConsolidateBusy(t *testing.T) {
	te := newTestEngine(t)
	te.consolidateMu.Lock()
	defer te.consolidateMu.Unlock()

	_, err := te.Consolidate(context.Background(), ConsolidateRequest{})
	assert.True(t, errors.Is(err, memory.ErrBusy))
}
