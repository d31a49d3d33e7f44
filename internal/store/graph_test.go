package store

import (
	"context"
	"testing"

	"github.com/lazypower/recall/internal/memory"
)

func TestUpsertEdgeCreatesThenStrengthens(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	rel := memory.Relationship{Source: "a", Target: "b", Type: memory.RelRelatedTo, Bidirectional: true}

	created, err := db.UpsertEdge(ctx, rel, 0.5)
	if err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}
	if !created {
		t.Error("first upsert should create the edge")
	}

	// reversed endpoints of an undirected edge hit the same row
	rel.Source, rel.Target = "b", "a"
	created, err = db.UpsertEdge(ctx, rel, 0.25)
	if err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}
	if created {
		t.Error("second upsert should strengthen, not create")
	}

	edges, err := db.Edges(ctx, "a")
	if err != nil {
		t.Fatalf("Edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
	if edges[0].Weight != 0.75 {
		t.Errorf("weight = %v, want 0.75", edges[0].Weight)
	}
}

func TestUpsertEdgeDirectedTypesAreDistinct(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.UpsertEdge(ctx, memory.Relationship{Source: "m", Target: "s", Type: memory.RelDerivedFrom}, 1); err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}
	if _, err := db.UpsertEdge(ctx, memory.Relationship{Source: "m", Target: "s", Type: memory.RelRelatedTo}, 1); err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}

	edges, _ := db.Edges(ctx, "s")
	if len(edges) != 2 {
		t.Errorf("edges = %d, want 2", len(edges))
	}
}

func TestUpsertEdgeRejectsSelfLoop(t *testing.T) {
	db := testDB(t)
	_, err := db.UpsertEdge(context.Background(), memory.Relationship{Source: "a", Target: "a", Type: memory.RelRelatedTo}, 1)
	if !memory.IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestTraverseDepth(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// a - b - c - d chain
	for _, pair := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}} {
		if _, err := db.UpsertEdge(ctx, memory.Relationship{Source: pair[0], Target: pair[1], Type: memory.RelRelatedTo, Bidirectional: true}, 1); err != nil {
			t.Fatalf("UpsertEdge: %v", err)
		}
	}

	got, err := db.Traverse(ctx, "a", 2, 10)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	want := map[string]int{"b": 1, "c": 2}
	if len(got) != len(want) {
		t.Fatalf("Traverse = %v, want %v", got, want)
	}
	for _, n := range got {
		if want[n.ID] != n.Distance {
			t.Errorf("%s distance = %d, want %d", n.ID, n.Distance, want[n.ID])
		}
	}

	got, _ = db.Traverse(ctx, "a", 3, 1)
	if len(got) != 1 {
		t.Errorf("limit 1 returned %d nodes", len(got))
	}

	got, _ = db.Traverse(ctx, "a", 0, 10)
	if len(got) != 0 {
		t.Errorf("depth 0 returned %d nodes", len(got))
	}
}
