// Package transport defines the RemoteTransport contract the
// orchestrator pulls from and pushes to, plus an in-memory reference
// implementation used by the demo CLI and the test suite. Grounded on the
// comparable store's Network interface (BroadcastMessage/SendToPeer RPC
// shape), adapted from a P2P network to a client/server sync transport.
package transport

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/relaysync/engine/internal/types"
)

// RemoteTransport is everything the orchestrator needs from the network:
// change notification, incremental pull, mutation RPCs, and snapshot fetch.
type RemoteTransport interface {
	// PullChanges returns up to limit changes after checkpoint.
	PullChanges(ctx context.Context, collection string, checkpoint types.Checkpoint, limit int) (types.PullResult, error)
	// Mutate sends one insert/update/delete RPC for a locally-originated change.
	Mutate(ctx context.Context, req types.MutationRequest) types.MutationResult
	// ChangeStream returns a channel the orchestrator watches for
	// change-notification events on collection; closed when ctx is done.
	ChangeStream(ctx context.Context, collection string) <-chan struct{}
	// Snapshot fetches a full-state recovery payload, or ok=false if the
	// server has none available (a data-loss scenario surfaced to the
	// caller, not recovered from).
	Snapshot(ctx context.Context, collection string) (Snapshot, bool, error)
	// ServerIDs returns every non-tombstoned id the server currently knows
	// about for collection, used by reconciliation to find phantoms.
	ServerIDs(ctx context.Context, collection string) ([]string, error)
}

// Snapshot is a full-state recovery payload for one collection.
type Snapshot struct {
	Bytes          []byte
	Checkpoint     types.Checkpoint
	DocumentCount  int
}

type storedDoc struct {
	id        string
	record    types.Record
	version   int64
	timestamp int64
	deleted   bool
}

// InMemory is a reference RemoteTransport backed by an in-process map,
// standing in for a real server during tests and the demo CLI.
type InMemory struct {
	mu            sync.Mutex
	docs          map[string]map[string]*storedDoc // collection -> id -> doc
	notifications map[string]chan struct{}
	clock         int64
}

// NewInMemory returns an empty in-memory reference transport.
func NewInMemory() *InMemory {
	return &InMemory{
		docs:          make(map[string]map[string]*storedDoc),
		notifications: make(map[string]chan struct{}),
	}
}

func (t *InMemory) tick() int64 {
	t.clock++
	return t.clock
}

// Seed injects a server-side document directly, bypassing mutation RPCs —
// used to simulate another peer's writes arriving out of band.
func (t *InMemory) Seed(collection, id string, record types.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.putLocked(collection, id, record, false)
	t.notifyLocked(collection)
}

// SeedDelete marks id deleted server-side without going through a client.
func (t *InMemory) SeedDelete(collection, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.putLocked(collection, id, types.Record{"id": id}, true)
	t.notifyLocked(collection)
}

func (t *InMemory) putLocked(collection, id string, record types.Record, deleted bool) {
	coll, ok := t.docs[collection]
	if !ok {
		coll = make(map[string]*storedDoc)
		t.docs[collection] = coll
	}
	coll[id] = &storedDoc{
		id:        id,
		record:    record,
		version:   t.tick(),
		timestamp: time.Now().UnixNano(),
		deleted:   deleted,
	}
}

func (t *InMemory) notifyLocked(collection string) {
	if ch, ok := t.notifications[collection]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (t *InMemory) PullChanges(ctx context.Context, collection string, checkpoint types.Checkpoint, limit int) (types.PullResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	coll := t.docs[collection]
	candidates := make([]*storedDoc, 0, len(coll))
	for _, d := range coll {
		if d.version > checkpoint.LastModified {
			candidates = append(candidates, d)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].version < candidates[j].version })

	hasMore := false
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
		hasMore = true
	}

	changes := make([]types.Change, 0, len(candidates))
	newCheckpoint := checkpoint
	for _, d := range candidates {
		rec := d.record.Clone()
		if rec == nil {
			rec = make(types.Record)
		}
		rec["id"] = d.id
		rec["deleted"] = d.deleted
		changes = append(changes, types.Change{
			ID:        d.id,
			Document:  rec,
			Version:   d.version,
			Timestamp: d.timestamp,
		})
		if d.version > newCheckpoint.LastModified {
			newCheckpoint.LastModified = d.version
		}
	}

	return types.PullResult{Changes: changes, Checkpoint: newCheckpoint, HasMore: hasMore}, nil
}

func (t *InMemory) Mutate(ctx context.Context, req types.MutationRequest) types.MutationResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch req.Kind {
	case types.MutationDelete:
		t.putLocked(req.Collection, req.ID, types.Record{"id": req.ID}, true)
	default:
		t.putLocked(req.Collection, req.ID, req.Document, false)
	}
	t.notifyLocked(req.Collection)
	return types.MutationResult{Success: true, StatusCode: 200}
}

func (t *InMemory) ChangeStream(ctx context.Context, collection string) <-chan struct{} {
	t.mu.Lock()
	ch, ok := t.notifications[collection]
	if !ok {
		ch = make(chan struct{}, 1)
		t.notifications[collection] = ch
	}
	t.mu.Unlock()

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

func (t *InMemory) Snapshot(ctx context.Context, collection string) (Snapshot, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	coll, ok := t.docs[collection]
	if !ok {
		return Snapshot{}, false, nil
	}

	entities := make(map[string]types.Entity, len(coll))
	var maxVersion int64
	for id, d := range coll {
		rec := d.record.Clone()
		if rec == nil {
			rec = make(types.Record)
		}
		entities[id] = types.Entity{
			Fields:    rec,
			Vector:    map[string]int64{"server": d.version},
			Timestamp: d.timestamp,
			PeerID:    "server",
			Deleted:   d.deleted,
		}
		if d.version > maxVersion {
			maxVersion = d.version
		}
	}

	bytes, err := json.Marshal(entities)
	if err != nil {
		return Snapshot{}, false, err
	}

	return Snapshot{
		Bytes:         bytes,
		Checkpoint:    types.Checkpoint{LastModified: maxVersion},
		DocumentCount: len(entities),
	}, true, nil
}

func (t *InMemory) ServerIDs(ctx context.Context, collection string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	coll := t.docs[collection]
	ids := make([]string, 0, len(coll))
	for id, d := range coll {
		if !d.deleted {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
