// Package crdtstore implements the CRDT Document Store: one logical
// CRDT document per collection, holding an Entity per id, with
// last-writer-wins conflict resolution broken by a per-id vector clock.
// Grounded on a comparable embedded store's collection/distributed_collection.go
// (operation lifecycle) and resolver/crdt_resolver.go (merge algorithm).
package crdtstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaysync/engine/internal/clock"
	"github.com/relaysync/engine/internal/kv"
	"github.com/relaysync/engine/internal/types"
)

// DeltaFunc receives a materialized delta against the previous view.
type DeltaFunc func(types.Delta)

// ViewFunc receives the full current materialized view, keyed by id.
type ViewFunc func(map[string]types.Record)

// Store holds one collection's CRDT state.
type Store struct {
	collection string
	clientID   string
	kvStore    kv.Store
	logger     *zap.Logger

	mu           sync.Mutex
	docs         map[string]types.Entity
	unreplicated map[string]types.MutationKind
	prevView     map[string]types.Record

	subMu            sync.Mutex
	deltaSubscribers map[int]DeltaFunc
	viewSubscribers  map[int]ViewFunc
	nextSubID        int
}

// New constructs a Store for one collection, loading or minting its
// persistent client identity from the durable KV (keyed "clientId:<coll>").
func New(ctx context.Context, collection string, store kv.Store, logger *zap.Logger) (*Store, error) {
	s := &Store{
		collection:       collection,
		kvStore:          store,
		logger:           logger,
		docs:             make(map[string]types.Entity),
		unreplicated:     make(map[string]types.MutationKind),
		prevView:         make(map[string]types.Record),
		deltaSubscribers: make(map[int]DeltaFunc),
		viewSubscribers:  make(map[int]ViewFunc),
	}

	if err := s.loadClientID(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadClientID(ctx context.Context) error {
	raw, found, err := s.kvStore.Get(ctx, kv.ClientIDKey(s.collection))
	if err != nil {
		s.logger.Warn("failed to load client id, minting ephemeral one", zap.String("collection", s.collection), zap.Error(err))
		s.clientID = uuid.NewString()
		return nil
	}
	if found && len(raw) > 0 {
		s.clientID = string(raw)
		return nil
	}
	s.clientID = uuid.NewString()
	if err := s.kvStore.Set(ctx, kv.ClientIDKey(s.collection), []byte(s.clientID)); err != nil {
		s.logger.Warn("failed to persist client id", zap.Error(err))
	}
	return nil
}

// PeerID is the stable CRDT operation origin for this client on this
// collection, derived from the persistent client identity.
func (s *Store) PeerID() string {
	return fmt.Sprintf("%s:%s", s.collection, s.clientID)
}

// Initialize loads persisted updates from the durable KV and emits one
// initial notification covering everything recovered from disk.
func (s *Store) Initialize(ctx context.Context) error {
	keys, err := s.kvStore.ListKeys(ctx, "doc:"+s.collection+"/")
	if err != nil {
		return types.NewSyncError(types.KindStorage, s.collection, "", true, err)
	}

	s.mu.Lock()
	for _, key := range keys {
		raw, found, gerr := s.kvStore.Get(ctx, key)
		if gerr != nil || !found {
			continue
		}
		var upd types.Update
		if derr := json.Unmarshal(raw, &upd); derr != nil {
			s.logger.Warn("decode failure of persisted update, skipping id", zap.String("key", key), zap.Error(derr))
			continue
		}
		s.docs[upd.DocID] = upd.Entity
	}
	s.mu.Unlock()

	s.notify(true)
	return nil
}

// Create requires id to be absent from the current view, then inserts it.
func (s *Store) Create(ctx context.Context, id string, data types.Record) error {
	s.mu.Lock()
	if _, ok := s.materializedLocked(id); ok {
		s.mu.Unlock()
		return types.NewSyncError(types.KindValidation, s.collection, id, false, fmt.Errorf("id already exists"))
	}

	fields := data.Clone()
	if fields == nil {
		fields = make(types.Record)
	}
	fields["id"] = id
	delete(fields, "deleted")

	v := clock.Increment(nil, s.PeerID())
	now := time.Now().UnixNano()
	stamps := make(map[string]int64, len(fields))
	for k := range fields {
		stamps[k] = now
	}
	s.docs[id] = types.Entity{Fields: fields, Vector: v, Timestamp: now, FieldStamps: stamps, PeerID: s.PeerID(), Deleted: false}
	s.unreplicated[id] = types.MutationInsert
	s.mu.Unlock()

	s.persist(ctx, id)
	s.notify(true)
	return nil
}

// Change requires id to be present, applies mutator to a clone of its
// current fields, and commits the result as a new local operation.
func (s *Store) Change(ctx context.Context, id string, mutator func(types.Record)) error {
	s.mu.Lock()
	ent, ok := s.docs[id]
	if !ok || ent.Deleted {
		s.mu.Unlock()
		return types.NewSyncError(types.KindValidation, s.collection, id, false, fmt.Errorf("id not found"))
	}

	before := ent.Fields.Clone()
	fields := ent.Fields.Clone()
	mutator(fields)
	fields["id"] = id

	now := time.Now().UnixNano()
	stamps := make(map[string]int64, len(fields))
	for k, v := range ent.FieldStamps {
		stamps[k] = v
	}
	for k, v := range fields {
		if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
			stamps[k] = now
		}
	}

	ent.Fields = fields
	ent.Vector = clock.Increment(clock.Clone(ent.Vector), s.PeerID())
	ent.Timestamp = now
	ent.FieldStamps = stamps
	ent.PeerID = s.PeerID()
	s.docs[id] = ent
	if _, already := s.unreplicated[id]; !already {
		s.unreplicated[id] = types.MutationUpdate
	}
	s.mu.Unlock()

	s.persist(ctx, id)
	s.notify(true)
	return nil
}

// Remove tombstones id; the row is retained physically until purge.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	ent, ok := s.docs[id]
	if !ok {
		s.mu.Unlock()
		return types.NewSyncError(types.KindValidation, s.collection, id, false, fmt.Errorf("id not found"))
	}
	ent.Deleted = true
	ent.Vector = clock.Increment(clock.Clone(ent.Vector), s.PeerID())
	ent.Timestamp = time.Now().UnixNano()
	ent.PeerID = s.PeerID()
	s.docs[id] = ent
	s.unreplicated[id] = types.MutationDelete
	s.mu.Unlock()

	s.persist(ctx, id)
	s.notify(true)
	return nil
}

// Merge applies a remote binary CRDT update. It never adds id to the
// unreplicated set, and it notifies silently: the full-view Subscribe
// listeners are suppressed (bulk pulls would otherwise fire them once per
// change) while SubscribeToDelta listeners still receive the resulting
// delta, since that is the only path remote changes reach the reactive
// sink.
func (s *Store) Merge(ctx context.Context, id string, bytes []byte) error {
	var upd types.Update
	if err := json.Unmarshal(bytes, &upd); err != nil {
		return types.NewSyncError(types.KindDecode, s.collection, id, false, err)
	}

	s.mu.Lock()
	existing, ok := s.docs[id]
	if !ok {
		s.docs[id] = upd.Entity
	} else {
		s.docs[id] = mergeEntities(existing, upd.Entity)
	}
	s.mu.Unlock()

	s.persist(ctx, id)
	s.notify(false)
	return nil
}

// MergeFromMaterialized applies a server-provided JSON record directly,
// used when the transport delivers materialized documents instead of
// binary updates.
func (s *Store) MergeFromMaterialized(ctx context.Context, id string, record types.Record) error {
	fields := record.Clone()
	if fields == nil {
		fields = make(types.Record)
	}
	fields["id"] = id
	deleted := fields.Deleted()
	delete(fields, "deleted")

	remote := types.Entity{
		Fields:    fields,
		Timestamp: time.Now().UnixNano(),
		PeerID:    "remote",
		Deleted:   deleted,
	}

	s.mu.Lock()
	existing, ok := s.docs[id]
	// Advance the per-id server counter past what this store has already
	// merged, so a later record for the same id is not taken as one already seen.
	remote.Vector = clock.VectorClock{"remote:" + id: existing.Vector["remote:"+id] + 1}
	if !ok {
		s.docs[id] = remote
	} else {
		s.docs[id] = mergeEntities(existing, remote)
	}
	s.mu.Unlock()

	s.persist(ctx, id)
	s.notify(false)
	return nil
}

// GetMaterialized returns the record for id, or (nil, false) if absent or
// tombstoned.
func (s *Store) GetMaterialized(id string) (types.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.materializedLocked(id)
}

func (s *Store) materializedLocked(id string) (types.Record, bool) {
	ent, ok := s.docs[id]
	if !ok || ent.Deleted {
		return nil, false
	}
	out := ent.Fields.Clone()
	out["id"] = id
	out["deleted"] = false
	return out, true
}

// Version returns a monotone-non-decreasing integer for id, derived from
// the sum of its vector clock's counters (the CRDT "head count").
func (s *Store) Version(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.docs[id]
	if !ok {
		return 0
	}
	return clock.Sum(ent.Vector)
}

// GetUnreplicated snapshots every id with an unacknowledged local
// mutation.
func (s *Store) GetUnreplicated() []types.UnreplicatedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.UnreplicatedEntry, 0, len(s.unreplicated))
	for id, kind := range s.unreplicated {
		ent := s.docs[id]
		bytes, _ := encode(id, ent)
		doc := ent.Fields.Clone()
		if doc == nil {
			doc = make(types.Record)
		}
		doc["id"] = id
		doc["deleted"] = ent.Deleted
		out = append(out, types.UnreplicatedEntry{
			ID:              id,
			Bytes:           bytes,
			MaterializedDoc: doc,
			Version:         clock.Sum(ent.Vector),
			Kind:            kind,
		})
	}
	return out
}

// MarkReplicated removes id from the unreplicated set once the server has
// acknowledged it.
func (s *Store) MarkReplicated(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unreplicated, id)
}

// Purge deletes id from the CRDT entirely (used by reconciliation, which
// operates outside the normal create/change/merge lifecycle).
func (s *Store) Purge(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.docs, id)
	delete(s.unreplicated, id)
	s.mu.Unlock()
	if err := s.kvStore.Delete(ctx, kv.DocKey(s.collection, id)); err != nil {
		s.logger.Warn("failed to delete persisted update", zap.String("id", id), zap.Error(err))
	}
}

// PurgeAll deletes every key in the CRDT map, preserving client identity.
// Used by snapshot recovery before applying the server's snapshot.
func (s *Store) PurgeAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.docs = make(map[string]types.Entity)
	s.unreplicated = make(map[string]types.MutationKind)
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.kvStore.Delete(ctx, kv.DocKey(s.collection, id)); err != nil {
			s.logger.Warn("failed to delete persisted update during purge", zap.String("id", id), zap.Error(err))
		}
	}
}

// ApplySnapshotBytes replaces the CRDT's documents wholesale from a
// snapshot update blob: a JSON-encoded map from id to Entity.
func (s *Store) ApplySnapshotBytes(ctx context.Context, bytes []byte) error {
	var docs map[string]types.Entity
	if err := json.Unmarshal(bytes, &docs); err != nil {
		return types.NewSyncError(types.KindDecode, s.collection, "", false, err)
	}

	s.mu.Lock()
	s.docs = docs
	s.mu.Unlock()

	for id := range docs {
		s.persist(ctx, id)
	}
	s.notify(true)
	return nil
}

// CurrentView returns every non-tombstoned document, keyed by id.
func (s *Store) CurrentView() map[string]types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentViewLocked()
}

func (s *Store) currentViewLocked() map[string]types.Record {
	view := make(map[string]types.Record, len(s.docs))
	for id := range s.docs {
		if rec, ok := s.materializedLocked(id); ok {
			view[id] = rec
		}
	}
	return view
}

// Keys returns every id currently present in the CRDT, tombstoned or not —
// used by reconciliation to find phantom documents.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	return out
}

// SubscribeToDelta registers fn to receive every non-empty delta. Returns
// an unsubscribe function.
func (s *Store) SubscribeToDelta(fn DeltaFunc) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.deltaSubscribers[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.deltaSubscribers, id)
		s.subMu.Unlock()
	}
}

// Subscribe registers fn to receive the full current view on every loud
// notification (local mutations and initial load).
func (s *Store) Subscribe(fn ViewFunc) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.viewSubscribers[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.viewSubscribers, id)
		s.subMu.Unlock()
	}
}

func (s *Store) persist(ctx context.Context, id string) {
	s.mu.Lock()
	ent := s.docs[id]
	s.mu.Unlock()

	bytes, err := encode(id, ent)
	if err != nil {
		s.logger.Warn("failed to encode update for persistence", zap.String("id", id), zap.Error(err))
		return
	}
	if err := s.kvStore.Set(ctx, kv.DocKey(s.collection, id), bytes); err != nil {
		// Best-effort: the in-memory CRDT remains authoritative.
		s.logger.Warn("failed to persist update", zap.String("id", id), zap.Error(err))
	}
}

func (s *Store) notify(loud bool) {
	s.mu.Lock()
	current := s.currentViewLocked()
	prev := s.prevView
	s.prevView = current
	s.mu.Unlock()

	delta := diffViews(prev, current)

	if !delta.Empty() {
		s.subMu.Lock()
		deltaFns := make([]DeltaFunc, 0, len(s.deltaSubscribers))
		for _, fn := range s.deltaSubscribers {
			deltaFns = append(deltaFns, fn)
		}
		s.subMu.Unlock()
		for _, fn := range deltaFns {
			fn(delta)
		}
	}

	if loud {
		s.subMu.Lock()
		viewFns := make([]ViewFunc, 0, len(s.viewSubscribers))
		for _, fn := range s.viewSubscribers {
			viewFns = append(viewFns, fn)
		}
		s.subMu.Unlock()
		for _, fn := range viewFns {
			fn(current)
		}
	}
}

func diffViews(prev, current map[string]types.Record) types.Delta {
	var delta types.Delta
	for id, rec := range current {
		if old, ok := prev[id]; !ok {
			delta.Inserted = append(delta.Inserted, rec)
		} else if !reflect.DeepEqual(old, rec) {
			delta.Updated = append(delta.Updated, rec)
		}
	}
	for id := range prev {
		if _, ok := current[id]; !ok {
			delta.Deleted = append(delta.Deleted, id)
		}
	}
	return delta
}

// mergeEntities resolves a concurrent local/remote pair with last-writer-wins
// plus field-level merge on ties, exactly as a comparable embedded store's
// resolver.ResolveConflict/ApplyOperation pair does for DistributedDocument.
// The concurrent branch resolves every field independently by its own
// per-field timestamp rather than picking one whole-entity winner, so two
// peers editing disjoint fields of the same document at the same time both
// keep their edit instead of one clobbering the other.
func mergeEntities(local, remote types.Entity) types.Entity {
	comp := clock.Compare(local.Vector, remote.Vector)

	switch comp {
	case clock.After:
		return local
	case clock.Before:
		return remote
	case clock.Equal:
		return local
	default: // Concurrent
		winner := local
		if remote.Timestamp > local.Timestamp || (remote.Timestamp == local.Timestamp && remote.PeerID > local.PeerID) {
			winner = remote
		}

		merged := winner
		merged.Vector = clock.Merge(local.Vector, remote.Vector)
		merged.Fields, merged.FieldStamps = mergeFields(local, remote)

		// A concurrent delete always wins over a concurrent non-delete edit:
		// the deleting peer's intent was to remove the document, and fields
		// contributed by the losing peer must not resurrect it.
		if local.Deleted != remote.Deleted {
			merged.Deleted = true
		}
		return merged
	}
}

// mergeFields unions local and remote's field sets, resolving any key
// present on both sides by comparing its own per-field timestamp (falling
// back to the owning entity's whole-write timestamp, then peer id) instead
// of letting one side's timestamp settle every field at once.
func mergeFields(local, remote types.Entity) (types.Record, map[string]int64) {
	fields := make(types.Record)
	stamps := make(map[string]int64)

	keys := make(map[string]struct{}, len(local.Fields)+len(remote.Fields))
	for k := range local.Fields {
		keys[k] = struct{}{}
	}
	for k := range remote.Fields {
		keys[k] = struct{}{}
	}

	for k := range keys {
		lv, lok := local.Fields[k]
		rv, rok := remote.Fields[k]

		switch {
		case lok && !rok:
			fields[k] = lv
			stamps[k] = local.FieldStamp(k)
		case rok && !lok:
			fields[k] = rv
			stamps[k] = remote.FieldStamp(k)
		default:
			lt, rt := local.FieldStamp(k), remote.FieldStamp(k)
			if rt > lt || (rt == lt && remote.PeerID > local.PeerID) {
				fields[k] = rv
				stamps[k] = rt
			} else {
				fields[k] = lv
				stamps[k] = lt
			}
		}
	}

	return fields, stamps
}

func encode(id string, ent types.Entity) ([]byte, error) {
	return json.Marshal(types.Update{DocID: id, Entity: ent})
}
