package memory

import "slices"

// Filter holds the hard predicates applied before ranking.
// Empty slices match everything.
type Filter struct {
	Domains       []string     `json:"domains,omitempty"`
	Types         []MemoryType `json:"memory_types,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	MinImportance float64      `json:"min_importance,omitempty"`
	ExcludeIDs    []string     `json:"-"`

	// IncludeSuperseded keeps memories that consolidation has retired.
	IncludeSuperseded bool `json:"include_superseded,omitempty"`
	// UnclassifiedOnly restricts to memories with no durability tier.
	UnclassifiedOnly bool `json:"-"`
}

// Match reports whether m satisfies every predicate in f.
func (f Filter) Match(m Memory) bool {
	if len(f.Domains) > 0 && !slices.Contains(f.Domains, m.Domain) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, m.Type) {
		return false
	}
	if len(f.Tags) > 0 && !intersects(f.Tags, m.Tags) {
		return false
	}
	if m.Importance < f.MinImportance {
		return false
	}
	if slices.Contains(f.ExcludeIDs, m.ID) {
		return false
	}
	if !f.IncludeSuperseded && m.SupersededBy != "" {
		return false
	}
	if f.UnclassifiedOnly && m.Durability != DurabilityNone {
		return false
	}
	return true
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

// Patch is a partial payload update. Pointer fields are absolute setters;
// delta fields are applied atomically by the index so concurrent callers
// never lose each other's increments.
type Patch struct {
	Importance   *float64
	Durability   *Durability
	SupersededBy *string
	Pinned       *bool

	ImportanceDelta float64
	StabilityDelta  float64
	AccessDelta     int
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Importance == nil && p.Durability == nil && p.SupersededBy == nil &&
		p.Pinned == nil && p.ImportanceDelta == 0 && p.StabilityDelta == 0 && p.AccessDelta == 0
}

// Apply returns m with the patch applied, using the same clamping rules the
// storage adapters use. In-memory indexes call this under their own lock.
func (p Patch) Apply(m Memory) Memory {
	if p.Importance != nil {
		m.Importance = Clamp(*p.Importance, 0, 1)
	}
	if p.Durability != nil {
		m.Durability = *p.Durability
	}
	if p.SupersededBy != nil {
		m.SupersededBy = *p.SupersededBy
	}
	if p.Pinned != nil {
		m.Pinned = *p.Pinned
	}
	if p.ImportanceDelta != 0 {
		m.Importance = ApplyImportanceDelta(m.Importance, p.ImportanceDelta)
	}
	if p.StabilityDelta != 0 {
		m.Stability = max(0, m.Stability+p.StabilityDelta)
	}
	m.AccessCount += p.AccessDelta
	return m
}

// ApplyImportanceDelta adds delta to importance, clamping to [0,1] and to the
// decay floor when the delta lowers the value.
func ApplyImportanceDelta(importance, delta float64) float64 {
	lo := 0.0
	if delta < 0 {
		lo = ImportanceFloor
	}
	return Clamp(importance+delta, lo, 1)
}

func Float(v float64) *float64 { return &v }

func String(v string) *string { return &v }

func Bool(v bool) *bool { return &v }

func Tier(d Durability) *Durability { return &d }
