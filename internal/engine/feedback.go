package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/lazypower/recall/internal/memory"
)

// FeedbackResult reports how retrieved memories fared against the
// assistant's reply.
type FeedbackResult struct {
	Processed                 int `json:"processed"`
	Useful                    int `json:"useful"`
	NotUseful                 int `json:"not_useful"`
	NotFound                  int `json:"not_found"`
	RelationshipsStrengthened int `json:"relationships_strengthened"`
	Errors                    int `json:"errors"`
}

// ApplyFeedback judges each retrieved memory useful when its similarity to
// assistantText reaches the useful threshold. Useful memories gain
// importance and stability and are linked pairwise as co-retrieved; the
// rest lose a little importance. Duplicate ids are evaluated once and
// unknown ids are counted, not fatal.
func (e *Engine) ApplyFeedback(ctx context.Context, retrievedIDs []string, assistantText string) (FeedbackResult, error) {
	var res FeedbackResult
	if strings.TrimSpace(assistantText) == "" {
		return res, memory.Invalid("assistant_text", "must not be empty")
	}
	if len(retrievedIDs) > maxFeedbackIDs {
		return res, memory.Invalid("retrieved_ids", "at most %d ids allowed, got %d", maxFeedbackIDs, len(retrievedIDs))
	}

	replyVec, err := e.Embedder.Embed(ctx, assistantText)
	if err != nil {
		return res, fmt.Errorf("embed assistant text: %w", err)
	}

	var useful []string
	seen := make(map[string]bool, len(retrievedIDs))
	for _, id := range retrievedIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		p, err := e.Index.Get(ctx, id)
		if memory.IsNotFound(err) {
			res.NotFound++
			continue
		}
		if err != nil {
			res.Errors++
			e.log.Warn("feedback lookup failed", "id", id, "err", err)
			continue
		}

		vec := p.Vector
		if len(vec) == 0 {
			if vec, err = e.Embedder.Embed(ctx, p.Memory.Content); err != nil {
				res.Errors++
				e.log.Warn("feedback embed failed", "id", id, "err", err)
				continue
			}
		}

		sim := memory.CosineSimilarity(vec, replyVec)
		isUseful := sim >= e.opts.UsefulThreshold
		patch := memory.Patch{ImportanceDelta: -e.opts.NotUsefulPenalty}
		if isUseful {
			patch = memory.Patch{ImportanceDelta: e.opts.UsefulBoost, StabilityDelta: e.opts.UsefulStability}
		}
		if err := e.Index.UpdatePayload(ctx, id, patch); err != nil {
			if memory.IsNotFound(err) {
				res.NotFound++
			} else {
				res.Errors++
				e.log.Warn("feedback update failed", "id", id, "err", err)
			}
			continue
		}

		res.Processed++
		if isUseful {
			res.Useful++
			useful = append(useful, id)
		} else {
			res.NotUseful++
		}
		e.audit(ctx, "feedback", id, map[string]any{"useful": isUseful, "similarity": sim})
	}

	for i := 0; i < len(useful); i++ {
		for j := i + 1; j < len(useful); j++ {
			rel := memory.Relationship{
				Source:        useful[i],
				Target:        useful[j],
				Type:          memory.RelRelatedTo,
				Bidirectional: true,
			}
			if _, err := e.Graph.UpsertEdge(ctx, rel, e.opts.CoRetrievalWeight); err != nil {
				res.Errors++
				e.log.Warn("co-retrieval link failed", "a", useful[i], "b", useful[j], "err", err)
				continue
			}
			res.RelationshipsStrengthened++
		}
	}
	return res, nil
}
