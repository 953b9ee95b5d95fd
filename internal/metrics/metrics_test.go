package metrics

import "testing"

func TestNew(t *testing.T) {
	m := New("todos")
	if m == nil {
		t.Fatal("Expected Metrics, got nil")
	}
	if m.PullsTotal == nil {
		t.Error("Expected PullsTotal to be initialized")
	}
	if m.PushLatency == nil {
		t.Error("Expected PushLatency to be initialized")
	}
	if m.UnreplicatedSize == nil {
		t.Error("Expected UnreplicatedSize to be initialized")
	}
	if m.Registry() == nil {
		t.Error("Expected a private registry")
	}
}

func TestNewIsolatedPerCollection(t *testing.T) {
	// Two collections must not collide on metric registration even though
	// the metric names are identical.
	a := New("todos")
	b := New("notes")
	a.PullsTotal.Inc()
	if a.Registry() == b.Registry() {
		t.Error("Expected distinct registries per collection")
	}
}
