package transport

import (
	"context"
	"testing"
	"time"

	"github.com/relaysync/engine/internal/types"
)

func TestMutateThenPullChangesReturnsIt(t *testing.T) {
	tr := NewInMemory()
	ctx := context.Background()

	res := tr.Mutate(ctx, types.MutationRequest{
		Collection: "todos",
		ID:         "a",
		Kind:       types.MutationInsert,
		Document:   types.Record{"title": "x"},
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	pull, err := tr.PullChanges(ctx, "todos", types.Checkpoint{}, 100)
	if err != nil {
		t.Fatalf("PullChanges: %v", err)
	}
	if len(pull.Changes) != 1 || pull.Changes[0].ID != "a" {
		t.Fatalf("expected 1 change for id a, got %+v", pull.Changes)
	}
}

func TestPullChangesRespectsCheckpoint(t *testing.T) {
	tr := NewInMemory()
	ctx := context.Background()
	tr.Mutate(ctx, types.MutationRequest{Collection: "todos", ID: "a", Kind: types.MutationInsert, Document: types.Record{"title": "x"}})

	pull, _ := tr.PullChanges(ctx, "todos", types.Checkpoint{}, 100)
	cp := pull.Checkpoint

	tr.Mutate(ctx, types.MutationRequest{Collection: "todos", ID: "b", Kind: types.MutationInsert, Document: types.Record{"title": "y"}})

	pull2, _ := tr.PullChanges(ctx, "todos", cp, 100)
	if len(pull2.Changes) != 1 || pull2.Changes[0].ID != "b" {
		t.Fatalf("expected only id b past checkpoint, got %+v", pull2.Changes)
	}
}

func TestPullChangesRespectsLimitAndHasMore(t *testing.T) {
	tr := NewInMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		tr.Mutate(ctx, types.MutationRequest{Collection: "todos", ID: id, Kind: types.MutationInsert, Document: types.Record{"title": id}})
	}

	pull, _ := tr.PullChanges(ctx, "todos", types.Checkpoint{}, 2)
	if len(pull.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(pull.Changes))
	}
	if !pull.HasMore {
		t.Error("expected HasMore true")
	}
}

func TestChangeStreamNotifiesOnMutation(t *testing.T) {
	tr := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := tr.ChangeStream(ctx, "todos")
	tr.Mutate(context.Background(), types.MutationRequest{Collection: "todos", ID: "a", Kind: types.MutationInsert, Document: types.Record{"title": "x"}})

	select {
	case <-stream:
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}
}

func TestSnapshotAbsentWhenNoDocuments(t *testing.T) {
	tr := NewInMemory()
	_, ok, err := tr.Snapshot(context.Background(), "todos")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if ok {
		t.Error("expected no snapshot for an untouched collection")
	}
}

func TestSnapshotAfterWrites(t *testing.T) {
	tr := NewInMemory()
	ctx := context.Background()
	tr.Mutate(ctx, types.MutationRequest{Collection: "todos", ID: "a", Kind: types.MutationInsert, Document: types.Record{"title": "x"}})

	snap, ok, err := tr.Snapshot(ctx, "todos")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !ok || snap.DocumentCount != 1 {
		t.Fatalf("expected 1-document snapshot, got ok=%v %+v", ok, snap)
	}
}

func TestSeedDeliversWithoutMutationRPC(t *testing.T) {
	tr := NewInMemory()
	tr.Seed("todos", "a", types.Record{"title": "from-peer"})

	pull, _ := tr.PullChanges(context.Background(), "todos", types.Checkpoint{}, 100)
	if len(pull.Changes) != 1 || pull.Changes[0].Document["title"] != "from-peer" {
		t.Fatalf("expected seeded document, got %+v", pull.Changes)
	}
}
