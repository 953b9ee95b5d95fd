package binding

import (
	"testing"

	"github.com/relaysync/engine/internal/types"
)

func TestCommitAppliesInsertsAndDeletes(t *testing.T) {
	sink := NewMemorySink()
	txn := sink.Begin()
	txn.Write(WriteInsert, types.Record{"id": "a", "title": "x"})
	txn.Write(WriteInsert, types.Record{"id": "b", "title": "y"})
	txn.Commit()

	if !sink.Has("a") || !sink.Has("b") {
		t.Fatal("expected both documents present after commit")
	}

	txn2 := sink.Begin()
	txn2.Write(WriteDelete, types.Record{"id": "a"})
	txn2.Commit()

	if sink.Has("a") {
		t.Error("expected a removed after delete write")
	}
	if !sink.Has("b") {
		t.Error("expected b untouched")
	}
}

func TestUncommittedWritesAreInvisible(t *testing.T) {
	sink := NewMemorySink()
	txn := sink.Begin()
	txn.Write(WriteInsert, types.Record{"id": "a", "title": "x"})

	if sink.Has("a") {
		t.Error("expected write to be invisible before commit")
	}
}

func TestTruncateClearsEverything(t *testing.T) {
	sink := NewMemorySink()
	txn := sink.Begin()
	txn.Write(WriteInsert, types.Record{"id": "a"})
	txn.Commit()

	sink.Truncate()
	if sink.Has("a") {
		t.Error("expected sink empty after truncate")
	}
	if len(sink.ToSlice()) != 0 {
		t.Error("expected empty slice after truncate")
	}
}

func TestGetReturnsClone(t *testing.T) {
	sink := NewMemorySink()
	txn := sink.Begin()
	txn.Write(WriteInsert, types.Record{"id": "a", "title": "x"})
	txn.Commit()

	rec, ok := sink.Get("a")
	if !ok {
		t.Fatal("expected to find a")
	}
	rec["title"] = "mutated"

	rec2, _ := sink.Get("a")
	if rec2["title"] != "x" {
		t.Errorf("expected sink's stored copy unaffected by caller mutation, got %v", rec2["title"])
	}
}
