package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lazypower/recall/internal/memory"
)

// ConsolidateRequest scopes a consolidation pass. An empty Domain covers
// every domain.
type ConsolidateRequest struct {
	Domain         string `json:"domain,omitempty"`
	MinClusterSize int    `json:"min_cluster_size,omitempty"`
	DryRun         bool   `json:"dry_run,omitempty"`
}

// MergeResult records one merged cluster.
type MergeResult struct {
	MergedID  string   `json:"merged_id"`
	SourceIDs []string `json:"source_ids"`
}

// ConsolidateResult reports a pass. A dry run reports ClustersFound and
// leaves the merge counters at zero.
type ConsolidateResult struct {
	ClustersFound  int           `json:"clusters_found"`
	ClustersMerged int           `json:"clusters_merged"`
	MemoriesMerged int           `json:"memories_merged"`
	Results        []MergeResult `json:"results"`
	Errors         int           `json:"errors"`
}

// Consolidate merges clusters of near-duplicate live memories within each
// domain into a single new memory. Sources are kept, marked superseded and
// linked to the merged memory with derived_from edges. Only one pass runs
// at a time; a concurrent call returns memory.ErrBusy.
func (e *Engine) Consolidate(ctx context.Context, req ConsolidateRequest) (ConsolidateResult, error) {
	res := ConsolidateResult{Results: []MergeResult{}}
	if req.MinClusterSize == 0 {
		req.MinClusterSize = 2
	}
	if req.MinClusterSize < 2 {
		return res, memory.Invalid("min_cluster_size", "must be >= 2, got %d", req.MinClusterSize)
	}
	if !e.consolidateMu.TryLock() {
		return res, memory.ErrBusy
	}
	defer e.consolidateMu.Unlock()

	f := memory.Filter{}
	if req.Domain != "" {
		f.Domains = []string{req.Domain}
	}
	byDomain := make(map[string][]memory.Point)
	err := e.scrollAll(ctx, f, func(p memory.Point) {
		if len(p.Vector) == 0 {
			return
		}
		byDomain[p.Memory.Domain] = append(byDomain[p.Memory.Domain], p)
	})
	if err != nil {
		return res, err
	}

	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	for _, domain := range domains {
		clusters := clusterPoints(byDomain[domain], e.opts.MergeThreshold, req.MinClusterSize)
		res.ClustersFound += len(clusters)
		if req.DryRun {
			continue
		}
		for _, cluster := range clusters {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			merged, failed, err := e.mergeCluster(ctx, cluster)
			res.Errors += failed
			if err != nil {
				if failed == 0 {
					res.Errors++
				}
				e.log.Warn("merge failed", "domain", domain, "size", len(cluster), "err", err)
				continue
			}
			res.ClustersMerged++
			res.MemoriesMerged += len(merged.SourceIDs)
			res.Results = append(res.Results, merged)
		}
	}

	e.log.Info("consolidation pass", "found", res.ClustersFound, "merged", res.ClustersMerged, "dry_run", req.DryRun, "errors", res.Errors)
	return res, nil
}

// clusterPoints groups points greedily: each unclaimed point, oldest first,
// seeds a cluster of every later unclaimed point within threshold of it.
// Clusters smaller than minSize are discarded and their members stay free.
func clusterPoints(points []memory.Point, threshold float64, minSize int) [][]memory.Point {
	sorted := slices.Clone(points)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Memory.CreatedAt.Equal(sorted[j].Memory.CreatedAt) {
			return sorted[i].Memory.CreatedAt.Before(sorted[j].Memory.CreatedAt)
		}
		return sorted[i].Memory.ID < sorted[j].Memory.ID
	})

	claimed := make([]bool, len(sorted))
	var clusters [][]memory.Point
	for i := range sorted {
		if claimed[i] {
			continue
		}
		members := []int{i}
		for j := i + 1; j < len(sorted); j++ {
			if claimed[j] {
				continue
			}
			if memory.CosineSimilarity(sorted[i].Vector, sorted[j].Vector) >= threshold {
				members = append(members, j)
			}
		}
		if len(members) < minSize {
			continue
		}
		cluster := make([]memory.Point, len(members))
		for k, idx := range members {
			claimed[idx] = true
			cluster[k] = sorted[idx]
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

// mergeMemories builds the merged payload for an oldest-first cluster.
func mergeMemories(cluster []memory.Point, stabilityBoost float64, now time.Time) memory.Memory {
	var (
		parts      []string
		seenHashes = make(map[string]bool)
		tags       []string
		typeCounts = make(map[memory.MemoryType]int)
		typeOrder  []memory.MemoryType
	)
	merged := memory.Memory{
		Domain:    cluster[0].Memory.Domain,
		Source:    cluster[0].Memory.Source,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, p := range cluster {
		m := p.Memory
		if !seenHashes[m.ContentHash] {
			seenHashes[m.ContentHash] = true
			parts = append(parts, m.Content)
		}
		for _, t := range m.Tags {
			if !slices.Contains(tags, t) {
				tags = append(tags, t)
			}
		}
		if typeCounts[m.Type] == 0 {
			typeOrder = append(typeOrder, m.Type)
		}
		typeCounts[m.Type]++

		merged.Importance = max(merged.Importance, m.Importance)
		merged.Confidence = max(merged.Confidence, m.Confidence)
		merged.Stability = max(merged.Stability, m.Stability)
		if m.Durability.Rank() > merged.Durability.Rank() {
			merged.Durability = m.Durability
		}
		merged.Pinned = merged.Pinned || m.Pinned
	}

	merged.Content = strings.Join(parts, "\n\n")
	merged.ContentHash = memory.ContentHash(merged.Content)
	slices.Sort(tags)
	merged.Tags = tags
	merged.InitialImportance = merged.Importance
	merged.Stability += stabilityBoost

	// ties go to the type seen first, i.e. the oldest memory's
	for _, t := range typeOrder {
		if typeCounts[t] > typeCounts[merged.Type] {
			merged.Type = t
		}
	}
	return merged
}

// mergeCluster stores the merged memory and supersedes the cluster with it.
// It returns the number of sources that could not be marked superseded;
// those stay live and are left out of the result's SourceIDs.
func (e *Engine) mergeCluster(ctx context.Context, cluster []memory.Point) (MergeResult, int, error) {
	merged := mergeMemories(cluster, e.opts.ConsolidationBoost, time.Now())

	// an earlier pass may have produced the same merged content already
	existing, ok, err := e.Index.FindByHash(ctx, merged.ContentHash)
	if err != nil {
		return MergeResult{}, 0, fmt.Errorf("dedupe merged memory: %w", err)
	}
	var vec []float64
	if ok {
		merged = existing
		e.log.Debug("merged content already stored", "id", existing.ID)
	} else {
		merged.ID = uuid.NewString()
		if vec, err = e.Embedder.Embed(ctx, merged.Content); err != nil {
			return MergeResult{}, 0, fmt.Errorf("embed merged memory: %w", err)
		}
		if err := e.Index.Upsert(ctx, memory.Point{Memory: merged, Vector: vec}); err != nil {
			return MergeResult{}, 0, fmt.Errorf("store merged memory: %w", err)
		}
	}

	res := MergeResult{MergedID: merged.ID, SourceIDs: make([]string, 0, len(cluster))}
	failed := 0
	for _, p := range cluster {
		src := p.Memory.ID
		if src == merged.ID {
			continue
		}

		rel := memory.Relationship{Source: merged.ID, Target: src, Type: memory.RelDerivedFrom}
		if _, err := e.Graph.UpsertEdge(ctx, rel, 1.0); err != nil {
			e.log.Warn("derived_from edge failed", "merged", merged.ID, "source", src, "err", err)
		}
		if err := e.Index.UpdatePayload(ctx, src, memory.Patch{SupersededBy: memory.String(merged.ID)}); err != nil {
			failed++
			e.log.Warn("mark superseded failed", "merged", merged.ID, "source", src, "err", err)
			continue
		}
		res.SourceIDs = append(res.SourceIDs, src)
	}
	if len(res.SourceIDs) == 0 {
		return MergeResult{}, failed, fmt.Errorf("no source of %s could be superseded", merged.ID)
	}

	e.audit(ctx, "consolidate", merged.ID, map[string]any{"sources": res.SourceIDs})
	if vec != nil {
		e.linker.LinkNew(merged, vec)
	}
	return res, failed, nil
}
