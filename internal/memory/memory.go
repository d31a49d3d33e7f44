// Package memory holds the domain types shared by the engine and its
// storage adapters.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

// Numeric contracts shared by every component.
const (
	ImportanceFloor          = 0.01
	RetrievalImportanceFloor = 0.15
	DurableDecayMultiplier   = 0.15
	EphemeralDecayMultiplier = 1.0
	LinkThreshold            = 0.5
	PermanentMinImportance   = 0.4
)

type MemoryType string

const (
	TypeSemantic   MemoryType = "semantic"
	TypeEpisodic   MemoryType = "episodic"
	TypeProcedural MemoryType = "procedural"
	TypeWorking    MemoryType = "working"
)

func (t MemoryType) Valid() bool {
	switch t {
	case TypeSemantic, TypeEpisodic, TypeProcedural, TypeWorking:
		return true
	}
	return false
}

type Source string

const (
	SourceUser      Source = "user"
	SourceAssistant Source = "assistant"
	SourceObserver  Source = "observer"
)

func (s Source) Valid() bool {
	switch s {
	case SourceUser, SourceAssistant, SourceObserver:
		return true
	}
	return false
}

// Durability is the decay-resistance tier. The zero value means unclassified.
type Durability string

const (
	DurabilityNone      Durability = ""
	DurabilityEphemeral Durability = "ephemeral"
	DurabilityDurable   Durability = "durable"
	DurabilityPermanent Durability = "permanent"
)

func (d Durability) Valid() bool {
	switch d {
	case DurabilityNone, DurabilityEphemeral, DurabilityDurable, DurabilityPermanent:
		return true
	}
	return false
}

// Rank orders tiers by decay resistance; unclassified ranks lowest.
func (d Durability) Rank() int {
	switch d {
	case DurabilityEphemeral:
		return 1
	case DurabilityDurable:
		return 2
	case DurabilityPermanent:
		return 3
	}
	return 0
}

type RelationType string

const (
	RelRelatedTo   RelationType = "related_to"
	RelCausedBy    RelationType = "caused_by"
	RelSolvedBy    RelationType = "solved_by"
	RelSupersedes  RelationType = "supersedes"
	RelDerivedFrom RelationType = "derived_from"
	RelContradicts RelationType = "contradicts"
	RelRequires    RelationType = "requires"
	RelPartOf      RelationType = "part_of"
)

func (r RelationType) Valid() bool {
	switch r {
	case RelRelatedTo, RelCausedBy, RelSolvedBy, RelSupersedes,
		RelDerivedFrom, RelContradicts, RelRequires, RelPartOf:
		return true
	}
	return false
}

// Memory is a stored unit of knowledge with mutable relevance state.
type Memory struct {
	ID                string     `json:"id"`
	Content           string     `json:"content"`
	ContentHash       string     `json:"content_hash"`
	Type              MemoryType `json:"memory_type"`
	Domain            string     `json:"domain"`
	Tags              []string   `json:"tags"`
	Source            Source     `json:"source"`
	Importance        float64    `json:"importance"`
	InitialImportance float64    `json:"initial_importance"`
	Confidence        float64    `json:"confidence"`
	Stability         float64    `json:"stability"`
	Durability        Durability `json:"durability,omitempty"`
	Pinned            bool       `json:"pinned"`
	AccessCount       int        `json:"access_count"`
	SupersededBy      string     `json:"superseded_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// HasTag reports whether the memory carries tag t.
func (m Memory) HasTag(t string) bool {
	return slices.Contains(m.Tags, t)
}

// Point is a memory together with its main embedding.
type Point struct {
	Memory Memory
	Vector []float64
}

// Hit is a single vector search match.
type Hit struct {
	Memory     Memory
	Similarity float64
}

// Relationship is a typed, weighted graph edge.
type Relationship struct {
	Source        string       `json:"source_id"`
	Target        string       `json:"target_id"`
	Type          RelationType `json:"type"`
	Weight        float64      `json:"weight"`
	Bidirectional bool         `json:"bidirectional"`
}

// Neighbor is a node reached by graph traversal.
type Neighbor struct {
	ID       string
	Distance int
}

// ContentHash returns the deterministic hash of normalized content.
func ContentHash(content string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
