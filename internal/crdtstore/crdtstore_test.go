package crdtstore

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaysync/engine/internal/kv"
	"github.com/relaysync/engine/internal/types"
)

func newTestStore(t *testing.T) (*Store, kv.Store) {
	t.Helper()
	store, err := kv.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	s, err := New(context.Background(), "todos", store, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, store
}

func TestCreateThenGetMaterialized(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "a", types.Record{"title": "buy milk"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, ok := s.GetMaterialized("a")
	if !ok {
		t.Fatal("expected document to be materialized")
	}
	if rec["title"] != "buy milk" {
		t.Errorf("got %v", rec)
	}
	if rec["id"] != "a" {
		t.Errorf("expected id field set, got %v", rec)
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Create(ctx, "a", types.Record{"title": "x"})

	if err := s.Create(ctx, "a", types.Record{"title": "y"}); err == nil {
		t.Fatal("expected error creating a duplicate id")
	}
}

func TestChangeAppliesMutator(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Create(ctx, "a", types.Record{"title": "x", "done": false})

	err := s.Change(ctx, "a", func(r types.Record) {
		r["done"] = true
	})
	if err != nil {
		t.Fatalf("Change: %v", err)
	}

	rec, _ := s.GetMaterialized("a")
	if rec["done"] != true {
		t.Errorf("expected done=true, got %v", rec)
	}
}

func TestRemoveTombstonesButKeepsUnreplicated(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Create(ctx, "a", types.Record{"title": "x"})
	s.MarkReplicated("a")

	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, ok := s.GetMaterialized("a"); ok {
		t.Error("expected tombstoned document to be invisible")
	}

	found := false
	for _, u := range s.GetUnreplicated() {
		if u.ID == "a" {
			found = true
			if u.Kind != types.MutationDelete {
				t.Errorf("expected delete kind, got %v", u.Kind)
			}
		}
	}
	if !found {
		t.Error("expected removed id to remain unreplicated until MarkReplicated")
	}
}

func TestMarkReplicatedClearsUnreplicated(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Create(ctx, "a", types.Record{"title": "x"})

	s.MarkReplicated("a")

	for _, u := range s.GetUnreplicated() {
		if u.ID == "a" {
			t.Fatal("expected id to be cleared from unreplicated set")
		}
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Create(ctx, "a", types.Record{"title": "x"})

	ent, _ := s.GetMaterialized("a")
	bytes, _ := encode("a", types.Entity{Fields: ent, Vector: nil, PeerID: "remote"})

	_ = s.Merge(ctx, "a", bytes)
	first, _ := s.GetMaterialized("a")
	_ = s.Merge(ctx, "a", bytes)
	second, _ := s.GetMaterialized("a")

	if first["title"] != second["title"] {
		t.Errorf("merge not idempotent: %v vs %v", first, second)
	}
}

func TestMergeDoesNotMarkUnreplicated(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	bytes, _ := encode("a", types.Entity{Fields: types.Record{"title": "remote"}, PeerID: "remote"})
	if err := s.Merge(ctx, "a", bytes); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	for _, u := range s.GetUnreplicated() {
		if u.ID == "a" {
			t.Fatal("merge must not add id to the unreplicated set")
		}
	}
}

func TestMergeFiresDeltaButNotFullView(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var deltaCalls, viewCalls int
	s.SubscribeToDelta(func(d types.Delta) { deltaCalls++ })
	s.Subscribe(func(v map[string]types.Record) { viewCalls++ })

	bytes, _ := encode("a", types.Entity{Fields: types.Record{"title": "remote"}, PeerID: "remote"})
	if err := s.Merge(ctx, "a", bytes); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if deltaCalls != 1 {
		t.Errorf("expected 1 delta notification, got %d", deltaCalls)
	}
	if viewCalls != 0 {
		t.Errorf("expected merge to suppress full-view notification, got %d", viewCalls)
	}
}

func TestCreateFiresBothDeltaAndFullView(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var deltaCalls, viewCalls int
	s.SubscribeToDelta(func(d types.Delta) { deltaCalls++ })
	s.Subscribe(func(v map[string]types.Record) { viewCalls++ })

	_ = s.Create(ctx, "a", types.Record{"title": "x"})

	if deltaCalls != 1 || viewCalls != 1 {
		t.Errorf("expected both channels to fire once, got delta=%d view=%d", deltaCalls, viewCalls)
	}
}

func TestMergeConcurrentConflictLastWriterWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Create(ctx, "a", types.Record{"title": "local", "note": "keep-me"})

	remote := types.Entity{
		Fields:    types.Record{"title": "remote-wins"},
		Vector:    map[string]int64{"someone-else": 1},
		Timestamp: time.Now().Add(time.Hour).UnixNano(),
		PeerID:    "zzz-remote",
	}
	bytes, _ := encode("a", remote)
	if err := s.Merge(ctx, "a", bytes); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	rec, ok := s.GetMaterialized("a")
	if !ok {
		t.Fatal("expected document to survive merge")
	}
	if rec["title"] != "remote-wins" {
		t.Errorf("expected remote's higher timestamp to win title, got %v", rec)
	}
	if rec["note"] != "keep-me" {
		t.Errorf("expected field-level merge to retain loser-only field, got %v", rec)
	}
}

// TestMergeConcurrentDisjointFieldEditsBothSurvive reproduces the
// overlapping-edit convergence scenario: A sets done:true while B
// concurrently sets text:"bye" starting from the same base document.
// Neither edit touches the other's field, so both must survive the merge
// instead of one whole-entity snapshot clobbering the other.
func TestMergeConcurrentDisjointFieldEditsBothSurvive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	baseTime := time.Now()
	_ = s.Create(ctx, "a", types.Record{"text": "hi", "done": false})

	if err := s.Change(ctx, "a", func(r types.Record) { r["done"] = true }); err != nil {
		t.Fatalf("Change: %v", err)
	}

	// B's concurrent edit: forked from the same base, touches only text.
	// Its copy of "done" is stale (the pre-edit value) and carries the
	// original, older field timestamp for it.
	remote := types.Entity{
		Fields: types.Record{"text": "bye", "done": false},
		Vector: map[string]int64{"peer-b": 1},
		FieldStamps: map[string]int64{
			"text": baseTime.Add(time.Hour).UnixNano(),
			"done": baseTime.UnixNano(),
		},
		Timestamp: baseTime.Add(time.Hour).UnixNano(),
		PeerID:    "peer-b",
	}
	bytes, _ := encode("a", remote)
	if err := s.Merge(ctx, "a", bytes); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	rec, ok := s.GetMaterialized("a")
	if !ok {
		t.Fatal("expected document to survive merge")
	}
	if rec["text"] != "bye" {
		t.Errorf("expected B's concurrent text edit to survive, got %v", rec)
	}
	if rec["done"] != true {
		t.Errorf("expected A's concurrent done edit to survive, got %v", rec)
	}
}

func TestInitializeReloadsPersistedDocuments(t *testing.T) {
	store, _ := kv.NewFileStore(t.TempDir())
	ctx := context.Background()

	s1, _ := New(ctx, "todos", store, zap.NewNop())
	_ = s1.Create(ctx, "a", types.Record{"title": "x"})

	s2, _ := New(ctx, "todos", store, zap.NewNop())
	if err := s2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	rec, ok := s2.GetMaterialized("a")
	if !ok || rec["title"] != "x" {
		t.Errorf("expected reloaded document, got %v ok=%v", rec, ok)
	}
}

func TestDeltaSoundness(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var last types.Delta
	s.SubscribeToDelta(func(d types.Delta) { last = d })

	_ = s.Create(ctx, "a", types.Record{"title": "x"})
	if len(last.Inserted) != 1 {
		t.Fatalf("expected 1 inserted, got %+v", last)
	}

	_ = s.Change(ctx, "a", func(r types.Record) { r["title"] = "y" })
	if len(last.Updated) != 1 {
		t.Fatalf("expected 1 updated, got %+v", last)
	}

	_ = s.Remove(ctx, "a")
	if len(last.Deleted) != 1 || last.Deleted[0] != "a" {
		t.Fatalf("expected 1 deleted, got %+v", last)
	}
}

func TestVersionMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Create(ctx, "a", types.Record{"title": "x"})
	v1 := s.Version("a")

	_ = s.Change(ctx, "a", func(r types.Record) { r["title"] = "y" })
	v2 := s.Version("a")

	if v2 <= v1 {
		t.Errorf("expected version to grow, got %d -> %d", v1, v2)
	}
}
