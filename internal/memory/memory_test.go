package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashNormalizes(t *testing.T) {
	a := ContentHash("  Use WAL mode\nfor SQLite ")
	b := ContentHash("use wal mode for sqlite")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ContentHash("use wal mode for postgres"))
	assert.Len(t, a, 64)
}

func TestFilterMatch(t *testing.T) {
	m := Memory{
		ID:         "m1",
		Domain:     "infra",
		Type:       TypeSemantic,
		Tags:       []string{"sqlite", "go"},
		Importance: 0.4,
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"domain hit", Filter{Domains: []string{"infra", "web"}}, true},
		{"domain miss", Filter{Domains: []string{"web"}}, false},
		{"type miss", Filter{Types: []MemoryType{TypeEpisodic}}, false},
		{"tag intersection", Filter{Tags: []string{"rust", "go"}}, true},
		{"tag disjoint", Filter{Tags: []string{"rust"}}, false},
		{"min importance equal", Filter{MinImportance: 0.4}, true},
		{"min importance above", Filter{MinImportance: 0.41}, false},
		{"excluded", Filter{ExcludeIDs: []string{"m1"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(m))
		})
	}
}

func TestFilterSuperseded(t *testing.T) {
	m := Memory{ID: "old", SupersededBy: "new"}
	assert.False(t, Filter{}.Match(m))
	assert.True(t, Filter{IncludeSuperseded: true}.Match(m))
}

func TestFilterUnclassified(t *testing.T) {
	f := Filter{UnclassifiedOnly: true}
	assert.True(t, f.Match(Memory{}))
	assert.False(t, f.Match(Memory{Durability: DurabilityDurable}))
}

func TestApplyImportanceDelta(t *testing.T) {
	assert.Equal(t, 1.0, ApplyImportanceDelta(0.99, 0.05))
	assert.InDelta(t, 0.55, ApplyImportanceDelta(0.5, 0.05), 1e-9)
	assert.Equal(t, ImportanceFloor, ApplyImportanceDelta(0.02, -0.5))
	assert.InDelta(t, 0.02, ApplyImportanceDelta(0, 0.02), 1e-9)
}

func TestPatchApply(t *testing.T) {
	m := Memory{Importance: 0.5, Stability: 0.1, AccessCount: 2}
	got := Patch{AccessDelta: 1, ImportanceDelta: 0.1, StabilityDelta: 0.05}.Apply(m)
	assert.Equal(t, 3, got.AccessCount)
	assert.InDelta(t, 0.6, got.Importance, 1e-9)
	assert.InDelta(t, 0.15, got.Stability, 1e-9)

	got = Patch{Durability: Tier(DurabilityPermanent), SupersededBy: String("x"), Pinned: Bool(true)}.Apply(m)
	assert.Equal(t, DurabilityPermanent, got.Durability)
	assert.Equal(t, "x", got.SupersededBy)
	assert.True(t, got.Pinned)

	assert.True(t, Patch{}.Empty())
	assert.False(t, Patch{AccessDelta: 1}.Empty())
}

func TestErrorTaxonomy(t *testing.T) {
	v := &ValidationError{}
	require.NoError(t, v.Err())
	v.Add("importance", "must be in [0,1], got %v", 1.5)
	require.Error(t, v.Err())
	assert.True(t, IsValidation(fmt.Errorf("store: %w", v.Err())))
	assert.Contains(t, v.Error(), "importance")

	nf := fmt.Errorf("get: %w", &NotFoundError{ID: "abc"})
	assert.True(t, IsNotFound(nf))
	assert.False(t, IsValidation(nf))

	ext := &ExternalServiceError{Service: "ollama", Op: "embed", Retryable: true, Err: fmt.Errorf("timeout")}
	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", ext)))
	assert.False(t, IsRetryable(&ExternalServiceError{Service: "ollama", Op: "embed", Err: fmt.Errorf("401")}))
}

func TestDurabilityRank(t *testing.T) {
	assert.Less(t, DurabilityNone.Rank(), DurabilityEphemeral.Rank())
	assert.Less(t, DurabilityDurable.Rank(), DurabilityPermanent.Rank())
	assert.False(t, Durability("forever").Valid())
}
