// Package reconcile implements reconciliation: given a server-provided
// canonical id set, find and delete documents the server no longer knows
// about ("phantoms") from both the CRDT store and the reactive sink.
// The orchestrator runs it once during startup, after the initial pull has
// been attempted; nothing runs it again on reconnect.
package reconcile

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaysync/engine/internal/binding"
	"github.com/relaysync/engine/internal/crdtstore"
	"github.com/relaysync/engine/internal/types"
)

// Run computes phantom = keys(store) \ serverIDs, deletes each from store
// and sink in one pass, and logs at warn if any were found.
func Run(ctx context.Context, collection string, serverIDs []string, store *crdtstore.Store, sink binding.Sink, logger *zap.Logger) {
	known := make(map[string]struct{}, len(serverIDs))
	for _, id := range serverIDs {
		known[id] = struct{}{}
	}

	var phantoms []string
	for _, id := range store.Keys() {
		if _, ok := known[id]; !ok {
			phantoms = append(phantoms, id)
		}
	}

	if len(phantoms) == 0 {
		return
	}

	txn := sink.Begin()
	for _, id := range phantoms {
		store.Purge(ctx, id)
		txn.Write(binding.WriteDelete, deleteMarker(id))
	}
	txn.Commit()

	logger.Warn("reconciliation removed phantom documents",
		zap.String("collection", collection),
		zap.Int("count", len(phantoms)),
		zap.Strings("ids", phantoms),
	)
}

func deleteMarker(id string) types.Record {
	return types.Record{"id": id}
}
