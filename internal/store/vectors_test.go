package store

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/lazypower/recall/internal/memory"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testMemory(id, content string) memory.Memory {
	return memory.Memory{
		ID:                id,
		Content:           content,
		ContentHash:       memory.ContentHash(content),
		Type:              memory.TypeSemantic,
		Domain:            "general",
		Tags:              []string{},
		Source:            memory.SourceUser,
		Importance:        0.5,
		InitialImportance: 0.5,
		Confidence:        0.8,
		Stability:         0.1,
	}
}

func seedPoint(t *testing.T, db *DB, m memory.Memory, vec []float64) {
	t.Helper()
	if err := db.Upsert(context.Background(), memory.Point{Memory: m, Vector: vec}); err != nil {
		t.Fatalf("Upsert %s: %v", m.ID, err)
	}
}

func TestEncodeDecodeEmbedding(t *testing.T) {
	original := []float64{1.0, -0.5, 0.333, math.Pi, 0.0}
	blob := encodeEmbedding(original)
	decoded := decodeEmbedding(blob)

	if len(decoded) != len(original) {
		t.Fatalf("length mismatch: %d vs %d", len(decoded), len(original))
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("index %d: got %f, want %f", i, decoded[i], original[i])
		}
	}
	if decodeEmbedding(nil) != nil {
		t.Error("decodeEmbedding(nil) should be nil")
	}
}

func TestUpsertAndGet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := testMemory("m1", "Uses SQLite with WAL mode")
	m.Tags = []string{"sqlite", "go"}
	m.Durability = memory.DurabilityDurable
	seedPoint(t, db, m, []float64{0.1, 0.2, 0.3})

	p, err := db.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Memory.Content != m.Content {
		t.Errorf("content = %q, want %q", p.Memory.Content, m.Content)
	}
	if len(p.Memory.Tags) != 2 || p.Memory.Tags[0] != "sqlite" {
		t.Errorf("tags = %v, want [sqlite go]", p.Memory.Tags)
	}
	if p.Memory.Durability != memory.DurabilityDurable {
		t.Errorf("durability = %q, want durable", p.Memory.Durability)
	}
	if p.Memory.SupersededBy != "" {
		t.Errorf("superseded_by = %q, want empty", p.Memory.SupersededBy)
	}
	if len(p.Vector) != 3 || p.Vector[2] != 0.3 {
		t.Errorf("vector = %v, want [0.1 0.2 0.3]", p.Vector)
	}
	if time.Since(p.Memory.CreatedAt) > time.Minute {
		t.Errorf("created_at = %v, want recent", p.Memory.CreatedAt)
	}
}

func TestUpsertReplacesVector(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := testMemory("m1", "content")
	seedPoint(t, db, m, []float64{0.1, 0.2})
	seedPoint(t, db, m, []float64{0.3, 0.4, 0.5})

	p, err := db.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(p.Vector) != 3 {
		t.Errorf("vector length = %d, want 3", len(p.Vector))
	}
}

func TestUnclassifiedDurabilityIsNull(t *testing.T) {
	db := testDB(t)
	seedPoint(t, db, testMemory("m1", "content"), []float64{1})

	var isNull bool
	if err := db.QueryRow("SELECT durability IS NULL FROM memories WHERE id = 'm1'").Scan(&isNull); err != nil {
		t.Fatalf("query durability: %v", err)
	}
	if !isNull {
		t.Error("unclassified durability should be stored as NULL")
	}
}

func TestGetNotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.Get(context.Background(), "missing")
	if !memory.IsNotFound(err) {
		t.Fatalf("Get missing: err = %v, want NotFoundError", err)
	}
}

func TestFindByHash(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := testMemory("m1", "Deploy with make release")
	seedPoint(t, db, m, []float64{1, 0})

	got, ok, err := db.FindByHash(ctx, memory.ContentHash("deploy WITH make   release"))
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if !ok || got.ID != "m1" {
		t.Errorf("FindByHash = %q, %v; want m1, true", got.ID, ok)
	}

	_, ok, err = db.FindByHash(ctx, memory.ContentHash("something else"))
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if ok {
		t.Error("expected no match for unknown hash")
	}
}

func TestFindByHashSkipsSuperseded(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := testMemory("m1", "dup")
	m.SupersededBy = "merged"
	seedPoint(t, db, m, []float64{1})

	if _, ok, _ := db.FindByHash(ctx, m.ContentHash); ok {
		t.Error("superseded memory should not satisfy hash dedupe")
	}
}

func TestCount(t *testing.T) {
	db := testDB(t)
	for i := 0; i < 3; i++ {
		m := testMemory(fmt.Sprintf("m%d", i), fmt.Sprintf("content %d", i))
		if i == 0 {
			m.Durability = memory.DurabilityEphemeral
		}
		seedPoint(t, db, m, []float64{1})
	}

	n, err := db.Count(context.Background(), memory.Filter{UnclassifiedOnly: true})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("unclassified count = %d, want 2", n)
	}
}
