// Package checkpoint persists the per-collection pull cursor: the
// monotone high-watermark up to which a collection has pulled and merged
// remote changes, plus stale-cursor detection for the SSR/initial-payload
// path.
package checkpoint

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/relaysync/engine/internal/kv"
	"github.com/relaysync/engine/internal/types"
)

// Store reads and writes checkpoints through the durable KV.
type Store struct {
	kvStore kv.Store
	logger  *zap.Logger
}

// New returns a checkpoint Store backed by kvStore.
func New(kvStore kv.Store, logger *zap.Logger) *Store {
	return &Store{kvStore: kvStore, logger: logger}
}

// LoadCheckpoint returns the persisted checkpoint for collection, or the
// zero checkpoint if none has been saved yet.
func (s *Store) LoadCheckpoint(ctx context.Context, collection string) (types.Checkpoint, error) {
	raw, found, err := s.kvStore.Get(ctx, kv.CheckpointKey(collection))
	if err != nil {
		return types.Checkpoint{}, types.NewSyncError(types.KindStorage, collection, "", true, err)
	}
	if !found {
		return types.Checkpoint{}, nil
	}

	var cp types.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		s.logger.Warn("failed to decode checkpoint, treating as absent", zap.String("collection", collection), zap.Error(err))
		return types.Checkpoint{}, nil
	}
	return cp, nil
}

// SaveCheckpoint persists cp for collection. Callers only invoke this after
// a pull's resulting changes have committed to the document store.
func (s *Store) SaveCheckpoint(ctx context.Context, collection string, cp types.Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return types.NewSyncError(types.KindDecode, collection, "", false, err)
	}
	if err := s.kvStore.Set(ctx, kv.CheckpointKey(collection), raw); err != nil {
		return types.NewSyncError(types.KindStorage, collection, "", true, err)
	}
	return nil
}

// ClearCheckpoint removes collection's saved checkpoint entirely, so the
// next load returns the zero checkpoint.
func (s *Store) ClearCheckpoint(ctx context.Context, collection string) error {
	if err := s.kvStore.Delete(ctx, kv.CheckpointKey(collection)); err != nil {
		return types.NewSyncError(types.KindStorage, collection, "", true, err)
	}
	return nil
}

// LoadCheckpointWithStaleDetection returns the zero checkpoint without
// touching storage when hasInitialData is true: an SSR-supplied initial
// payload already repositions the watermark, so the on-disk cursor (if any)
// would be stale relative to it.
func (s *Store) LoadCheckpointWithStaleDetection(ctx context.Context, collection string, hasInitialData bool) (types.Checkpoint, error) {
	if hasInitialData {
		return types.Checkpoint{}, nil
	}
	return s.LoadCheckpoint(ctx, collection)
}
