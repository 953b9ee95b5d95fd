package kv

import (
	"context"
	"testing"
)

func TestFileStoreSetGet(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	if err := store.Set(ctx, DocKey("todos", "a"), []byte(`{"id":"a"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	value, found, err := store.Get(ctx, DocKey("todos", "a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected key to be found")
	}
	if string(value) != `{"id":"a"}` {
		t.Errorf("got %q", value)
	}
}

func TestFileStoreGetMissing(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	_, found, err := store.Get(context.Background(), "checkpoint:missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("expected key to be absent")
	}
}

func TestFileStoreDelete(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	ctx := context.Background()
	_ = store.Set(ctx, "clientId:todos", []byte("1"))

	if err := store.Delete(ctx, "clientId:todos"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, found, _ := store.Get(ctx, "clientId:todos")
	if found {
		t.Error("expected key to be gone after delete")
	}

	// Deleting an already-absent key is not an error.
	if err := store.Delete(ctx, "clientId:todos"); err != nil {
		t.Errorf("Delete of missing key should succeed, got %v", err)
	}
}

func TestFileStoreClear(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	ctx := context.Background()
	_ = store.Set(ctx, DocKey("todos", "a"), []byte("1"))
	_ = store.Set(ctx, DocKey("todos", "b"), []byte("2"))

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	_, found, _ := store.Get(ctx, DocKey("todos", "a"))
	if found {
		t.Error("expected all keys removed")
	}
}

func TestFileStoreListKeys(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	ctx := context.Background()
	_ = store.Set(ctx, DocKey("todos", "a"), []byte("1"))
	_ = store.Set(ctx, DocKey("todos", "b"), []byte("2"))
	_ = store.Set(ctx, DocKey("notes", "c"), []byte("3"))

	keys, err := store.ListKeys(ctx, "doc:todos/")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestKeyBuilders(t *testing.T) {
	if DocKey("todos", "a") != "doc:todos/a" {
		t.Errorf("DocKey: %s", DocKey("todos", "a"))
	}
	if CheckpointKey("todos") != "checkpoint:todos" {
		t.Errorf("CheckpointKey: %s", CheckpointKey("todos"))
	}
	if ClientIDKey("todos") != "clientId:todos" {
		t.Errorf("ClientIDKey: %s", ClientIDKey("todos"))
	}
}
