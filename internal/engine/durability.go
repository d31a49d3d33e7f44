package engine

import (
	"context"
	"regexp"
	"strings"

	"github.com/lazypower/recall/internal/memory"
)

const (
	migrationSampleSize = 20
	previewChars        = 120
)

var (
	ipv4Pattern = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)
	urlPattern  = regexp.MustCompile(`(?i)\b(?:https?|ftp|ssh|postgres(?:ql)?|redis|mongodb)://\S+`)
)

// Rule assigns a durability tier when it applies to a memory.
type Rule struct {
	Name  string
	Match func(memory.Memory) (memory.Durability, bool)
}

// DefaultRules is the classifier, evaluated in order; the first rule that
// applies wins. The last rule always applies.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "fact_or_signal_tag", Match: func(m memory.Memory) (memory.Durability, bool) {
			for _, t := range m.Tags {
				if t == "fact" || t == "signal" || strings.HasPrefix(t, "signal:") {
					return memory.DurabilityDurable, true
				}
			}
			return "", false
		}},
		{Name: "episodic", Match: func(m memory.Memory) (memory.Durability, bool) {
			return memory.DurabilityEphemeral, m.Type == memory.TypeEpisodic
		}},
		{Name: "procedural", Match: func(m memory.Memory) (memory.Durability, bool) {
			return memory.DurabilityDurable, m.Type == memory.TypeProcedural
		}},
		{Name: "infrastructure_reference", Match: func(m memory.Memory) (memory.Durability, bool) {
			ref := ipv4Pattern.MatchString(m.Content) && urlPattern.MatchString(m.Content)
			return memory.DurabilityPermanent, ref && m.Importance >= memory.PermanentMinImportance
		}},
		{Name: "default", Match: func(memory.Memory) (memory.Durability, bool) {
			return memory.DurabilityEphemeral, true
		}},
	}
}

// Classify returns the tier of the first matching rule and its name.
func Classify(rules []Rule, m memory.Memory) (memory.Durability, string) {
	for _, r := range rules {
		if tier, ok := r.Match(m); ok {
			return tier, r.Name
		}
	}
	return memory.DurabilityEphemeral, "default"
}

// SampleEntry previews one classification.
type SampleEntry struct {
	ID             string            `json:"id"`
	ContentPreview string            `json:"content_preview"`
	AssignedTier   memory.Durability `json:"assigned_tier"`
	Reason         string            `json:"reason"`
}

// MigrationResult reports a durability migration. Classified stays zero on
// a dry run.
type MigrationResult struct {
	TotalNull  int           `json:"total_null"`
	Classified int           `json:"classified"`
	Errors     int           `json:"errors"`
	Sample     []SampleEntry `json:"sample"`
}

// MigrateDurability assigns a tier to every memory that has none. It never
// touches memories that already carry a tier.
func (e *Engine) MigrateDurability(ctx context.Context, dryRun bool) (MigrationResult, error) {
	res := MigrationResult{Sample: []SampleEntry{}}
	if !e.migrateMu.TryLock() {
		return res, memory.ErrBusy
	}
	defer e.migrateMu.Unlock()

	rules := DefaultRules()
	f := memory.Filter{UnclassifiedOnly: true, IncludeSuperseded: true}
	err := e.scrollAll(ctx, f, func(p memory.Point) {
		m := p.Memory
		res.TotalNull++
		tier, rule := Classify(rules, m)
		if len(res.Sample) < migrationSampleSize {
			res.Sample = append(res.Sample, SampleEntry{
				ID:             m.ID,
				ContentPreview: preview(m.Content, previewChars),
				AssignedTier:   tier,
				Reason:         rule,
			})
		}
		if dryRun {
			return
		}
		if err := e.Index.UpdatePayload(ctx, m.ID, memory.Patch{Durability: memory.Tier(tier)}); err != nil {
			res.Errors++
			e.log.Warn("classify failed", "id", m.ID, "err", err)
			return
		}
		res.Classified++
	})

	e.log.Info("durability migration", "total_null", res.TotalNull, "classified", res.Classified, "dry_run", dryRun, "errors", res.Errors)
	return res, err
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
