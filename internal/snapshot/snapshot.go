// Package snapshot implements divergence recovery: when the
// orchestrator observes that incremental pulls can no longer catch a
// collection up, it fetches a full-state snapshot from the server and
// rebuilds both the CRDT store and the reactive sink from it.
package snapshot

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaysync/engine/internal/binding"
	"github.com/relaysync/engine/internal/checkpoint"
	"github.com/relaysync/engine/internal/crdtstore"
	"github.com/relaysync/engine/internal/transport"
	"github.com/relaysync/engine/internal/types"
)

// Recover runs the full snapshot recovery protocol for one collection:
// fetch, purge the existing CRDT, apply the snapshot, truncate and rebuild
// the sink, and persist the snapshot's checkpoint.
func Recover(ctx context.Context, collection string, tr transport.RemoteTransport, store *crdtstore.Store, sink binding.Sink, cps *checkpoint.Store, logger *zap.Logger) error {
	snap, ok, err := tr.Snapshot(ctx, collection)
	if err != nil {
		return types.NewSyncError(types.KindPullNetwork, collection, "", true, err)
	}
	if !ok {
		return types.NewSyncError(types.KindSnapshotMissing, collection, "", false, nil)
	}

	store.PurgeAll(ctx)

	if err := store.ApplySnapshotBytes(ctx, snap.Bytes); err != nil {
		return err
	}

	sink.Truncate()
	txn := sink.Begin()
	for id, rec := range store.CurrentView() {
		_ = id
		txn.Write(binding.WriteInsert, rec)
	}
	txn.Commit()

	if err := cps.SaveCheckpoint(ctx, collection, snap.Checkpoint); err != nil {
		return err
	}

	logger.Info("snapshot recovery complete",
		zap.String("collection", collection),
		zap.Int("documentCount", snap.DocumentCount),
	)
	return nil
}
