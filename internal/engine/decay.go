package engine

import (
	"context"
	"math"
	"time"

	"github.com/lazypower/recall/internal/memory"
)

// DecayResult reports a decay pass. Processed counts memories whose
// importance changed; Skipped counts pinned and permanent ones.
type DecayResult struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// tierMultiplier scales decay by durability. Unclassified memories decay
// like durable ones until the classifier assigns a tier.
func tierMultiplier(d memory.Durability) float64 {
	if d == memory.DurabilityEphemeral {
		return memory.EphemeralDecayMultiplier
	}
	return memory.DurableDecayMultiplier
}

// decayedImportance returns the importance of m after hours of decay and
// whether it differs from the current value. Stability damps decay
// linearly; a stability of 1 or more stops it.
func decayedImportance(m memory.Memory, hours, ratePerHour float64) (float64, bool) {
	if m.Pinned || m.Durability == memory.DurabilityPermanent {
		return m.Importance, false
	}
	damping := math.Max(0, 1-m.Stability)
	loss := ratePerHour * hours * damping * tierMultiplier(m.Durability)
	next := math.Max(m.Importance-loss, memory.ImportanceFloor)
	return next, next != m.Importance
}

// Decay lowers importance across the whole corpus, superseded memories
// included, as if hoursElapsed hours had passed. It does not move the
// wall-clock reference used by DecaySinceLast. Only one pass runs at a
// time; a concurrent call returns memory.ErrBusy. Cancellation stops the
// pass between pages and keeps what was already written.
func (e *Engine) Decay(ctx context.Context, hoursElapsed float64, f memory.Filter) (DecayResult, error) {
	if math.IsNaN(hoursElapsed) || math.IsInf(hoursElapsed, 0) || hoursElapsed < 0 {
		return DecayResult{}, memory.Invalid("simulate_hours", "must be a finite value >= 0")
	}
	if !e.decayMu.TryLock() {
		return DecayResult{}, memory.ErrBusy
	}
	defer e.decayMu.Unlock()
	return e.decayPass(ctx, hoursElapsed, f)
}

// DecaySinceLast decays the whole corpus by the real time elapsed since the
// previous wall-clock pass, or since the engine was created. A pass that
// fails before writing anything keeps its elapsed time for the next one.
func (e *Engine) DecaySinceLast(ctx context.Context) (DecayResult, error) {
	if !e.decayMu.TryLock() {
		return DecayResult{}, memory.ErrBusy
	}
	defer e.decayMu.Unlock()

	now := e.now()
	hours := math.Max(0, now.Sub(e.lastDecay).Hours())
	res, err := e.decayPass(ctx, hours, memory.Filter{})
	if err == nil || res.Processed > 0 {
		e.lastDecay = now
	}
	return res, err
}

// LastDecay returns the reference time of the next DecaySinceLast pass.
func (e *Engine) LastDecay() time.Time {
	e.decayMu.Lock()
	defer e.decayMu.Unlock()
	return e.lastDecay
}

// decayPass runs with decayMu held.
func (e *Engine) decayPass(ctx context.Context, hoursElapsed float64, f memory.Filter) (DecayResult, error) {
	var res DecayResult
	if hoursElapsed == 0 {
		return res, nil
	}

	f.IncludeSuperseded = true
	err := e.scrollAll(ctx, f, func(p memory.Point) {
		m := p.Memory
		if m.Pinned || m.Durability == memory.DurabilityPermanent {
			res.Skipped++
			return
		}
		next, changed := decayedImportance(m, hoursElapsed, e.opts.DecayRatePerHour)
		if !changed {
			return
		}
		// a delta composes with retrievals that land mid-pass
		if err := e.Index.UpdatePayload(ctx, m.ID, memory.Patch{ImportanceDelta: next - m.Importance}); err != nil {
			res.Errors++
			e.log.Warn("decay update failed", "id", m.ID, "err", err)
			return
		}
		res.Processed++
	})

	e.log.Info("decay pass", "hours", hoursElapsed, "processed", res.Processed, "skipped", res.Skipped, "errors", res.Errors)
	e.audit(ctx, "decay_pass", "", map[string]any{
		"hours":     hoursElapsed,
		"processed": res.Processed,
		"errors":    res.Errors,
	})
	return res, err
}
