// Package orchestrator implements the sync adapter: the pull loop, the
// push loop, startup sequencing, event buffering before initial sync
// completes, divergence-driven snapshot recovery, and reconciliation
// scheduling for one collection. This is the component every other piece
// of the engine ultimately serves.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/relaysync/engine/internal/binding"
	"github.com/relaysync/engine/internal/checkpoint"
	"github.com/relaysync/engine/internal/crdtstore"
	"github.com/relaysync/engine/internal/metrics"
	"github.com/relaysync/engine/internal/reconcile"
	"github.com/relaysync/engine/internal/snapshot"
	"github.com/relaysync/engine/internal/tracing"
	"github.com/relaysync/engine/internal/transport"
	"github.com/relaysync/engine/internal/types"
)

const (
	pullLimit          = 100
	pushTickInterval   = 5 * time.Second
	pushCoalesceWindow = 100 * time.Millisecond
	eventBufferCap     = 1000
)

// Adapter is the sync orchestrator for one collection.
type Adapter struct {
	collection string
	transport  transport.RemoteTransport
	store      *crdtstore.Store
	cps        *checkpoint.Store
	sink       binding.Sink
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu                    sync.Mutex
	checkpointCursor      types.Checkpoint
	isInitialSyncComplete bool
	eventBuffer           []types.Record
	seenIDs               map[string]struct{}
	status                types.Status
	unsubscribeDelta      func()

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	wg       sync.WaitGroup

	pullRequested chan struct{}
	pushRequested chan struct{}
	lastPush      time.Time

	firstPullOnce sync.Once
	firstPullDone chan struct{}
}

// New constructs an Adapter for one collection. Every dependency is
// injected so the orchestrator never constructs its own I/O.
func New(collection string, tr transport.RemoteTransport, store *crdtstore.Store, cps *checkpoint.Store, sink binding.Sink, m *metrics.Metrics, logger *zap.Logger) *Adapter {
	return &Adapter{
		collection:    collection,
		transport:     tr,
		store:         store,
		cps:           cps,
		sink:          sink,
		metrics:       m,
		logger:        logger,
		seenIDs:       make(map[string]struct{}),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		pullRequested: make(chan struct{}, 1),
		pushRequested: make(chan struct{}, 1),
		firstPullDone: make(chan struct{}),
	}
}

// Status returns the current consolidated status.
func (a *Adapter) Status() types.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) setStatus(mutate func(*types.Status)) {
	a.mu.Lock()
	mutate(&a.status)
	a.mu.Unlock()
}

// Start runs the full startup sequence and then the steady-state pull/push
// loops until ctx is cancelled or Stop is called. initialRecords carries an
// SSR-supplied initial payload, if any; hasInitialData reflects whether that
// payload is non-empty (it governs checkpoint stale-detection).
func (a *Adapter) Start(ctx context.Context, initialRecords []types.Record, hasInitialData bool) error {
	a.setStatus(func(s *types.Status) { s.IsLoading = true })

	if err := a.store.Initialize(ctx); err != nil {
		a.setStatus(func(s *types.Status) { s.Err = err })
		return err
	}

	for _, rec := range initialRecords {
		if err := a.store.MergeFromMaterialized(ctx, rec.ID(), rec); err != nil {
			a.logger.Warn("failed to merge SSR-supplied record", zap.String("id", rec.ID()), zap.Error(err))
		}
	}

	cp, err := a.cps.LoadCheckpointWithStaleDetection(ctx, a.collection, hasInitialData)
	if err != nil {
		a.setStatus(func(s *types.Status) { s.Err = err })
		return err
	}
	a.mu.Lock()
	a.checkpointCursor = cp
	a.mu.Unlock()

	changeStream := a.transport.ChangeStream(ctx, a.collection)
	a.wg.Add(3)
	go a.watchChangeStream(ctx, changeStream)
	go a.pullLoop(ctx)
	go a.pushLoop(ctx)
	go func() {
		a.wg.Wait()
		close(a.doneCh)
	}()

	a.requestPull()
	a.waitForFirstPull(ctx)

	txn := a.sink.Begin()
	for _, rec := range a.store.CurrentView() {
		txn.Write(binding.WriteInsert, rec)
	}
	txn.Commit()

	a.mu.Lock()
	a.isInitialSyncComplete = true
	buffered := a.eventBuffer
	a.eventBuffer = nil
	a.mu.Unlock()

	drainTxn := a.sink.Begin()
	for _, rec := range buffered {
		id := rec.ID()
		a.mu.Lock()
		_, already := a.seenIDs[id]
		a.seenIDs[id] = struct{}{}
		a.mu.Unlock()
		if already {
			continue
		}
		drainTxn.Write(binding.WriteUpdate, rec)
	}
	drainTxn.Commit()

	a.unsubscribeDelta = a.store.SubscribeToDelta(a.onDelta)

	if ids, err := a.transport.ServerIDs(ctx, a.collection); err == nil {
		reconcile.Run(ctx, a.collection, ids, a.store, a.sink, a.logger)
	}

	a.setStatus(func(s *types.Status) {
		s.IsLoading = false
		s.IsReady = true
		s.IsReplicating = true
	})

	return nil
}

// waitForFirstPull blocks until the initial pull triggered in Start has been
// attempted at least once, bounded by a 30s initial-replication barrier
// after which startup proceeds with whatever local state exists.
func (a *Adapter) waitForFirstPull(ctx context.Context) {
	timer := time.NewTimer(30 * time.Second)
	defer timer.Stop()
	select {
	case <-a.firstPullDone:
	case <-timer.C:
		a.logger.Warn("initial replication barrier exceeded, proceeding with local state", zap.String("collection", a.collection))
	case <-ctx.Done():
	}
}

// Stop idempotently tears down the adapter's loops. Outstanding RPCs are
// observed to completion; only the loops selecting on stopCh exit early.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		if a.unsubscribeDelta != nil {
			a.unsubscribeDelta()
		}
	})
	<-a.doneCh
}

func (a *Adapter) requestPull() {
	select {
	case a.pullRequested <- struct{}{}:
	default:
	}
}

// RequestPush schedules a push; called immediately after a local mutation
// commits optimistically. The periodic safety-net tick in pushLoop pushes
// directly without going through RequestPush.
func (a *Adapter) RequestPush() {
	select {
	case a.pushRequested <- struct{}{}:
	default:
	}
}

func (a *Adapter) watchChangeStream(ctx context.Context, stream <-chan struct{}) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case _, ok := <-stream:
			if !ok {
				return
			}
			a.requestPull()
		}
	}
}

// pullLoop serializes pulls: a new change-stream notification arriving
// while a pull is in flight is coalesced into the single buffered
// pullRequested slot rather than queued.
func (a *Adapter) pullLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-a.pullRequested:
			a.pull(ctx)
			a.firstPullOnce.Do(func() { close(a.firstPullDone) })
		}
	}
}

func (a *Adapter) pushLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(pushTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.push(ctx)
		case <-a.pushRequested:
			a.mu.Lock()
			elapsed := time.Since(a.lastPush)
			a.mu.Unlock()
			if elapsed < pushCoalesceWindow {
				timer := time.NewTimer(pushCoalesceWindow - elapsed)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return
				case <-a.stopCh:
					timer.Stop()
					return
				}
			}
			a.push(ctx)
		}
	}
}

// pull performs one incremental pull round. Before initial sync completes,
// merged changes are buffered for the startup drain instead of being
// written to the sink directly — delta-based forwarding (onDelta) takes
// over once isInitialSyncComplete flips true.
func (a *Adapter) pull(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.pull", attribute.String("collection", a.collection))
	defer span.End()

	start := time.Now()
	a.metrics.PullsTotal.Inc()

	a.mu.Lock()
	cursor := a.checkpointCursor
	a.mu.Unlock()

	result, err := a.transport.PullChanges(ctx, a.collection, cursor, pullLimit)
	a.metrics.PullLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		a.metrics.PullErrorsTotal.Inc()
		if syncErr, ok := err.(*types.SyncError); ok && syncErr.Kind == types.KindSnapshotMissing {
			a.recoverFromSnapshot(ctx)
			return
		}
		a.logger.Warn("pull failed", zap.String("collection", a.collection), zap.Error(err))
		a.setStatus(func(s *types.Status) { s.Err = err })
		return
	}

	for _, change := range result.Changes {
		var mergeErr error
		if change.Bytes != nil {
			mergeErr = a.store.Merge(ctx, change.ID, change.Bytes)
		} else {
			mergeErr = a.store.MergeFromMaterialized(ctx, change.ID, change.Document)
		}
		if mergeErr != nil {
			a.logger.Warn("failed to merge pulled change", zap.String("id", change.ID), zap.Error(mergeErr))
			continue
		}
		a.metrics.ChangesMerged.Inc()
	}

	a.mu.Lock()
	a.checkpointCursor = result.Checkpoint
	complete := a.isInitialSyncComplete
	if !complete {
		for _, change := range result.Changes {
			if rec, ok := a.store.GetMaterialized(change.ID); ok {
				a.eventBuffer = append(a.eventBuffer, rec)
				if len(a.eventBuffer) > eventBufferCap {
					a.eventBuffer = a.eventBuffer[len(a.eventBuffer)-eventBufferCap:]
				}
			}
		}
	}
	a.mu.Unlock()

	a.metrics.CheckpointValue.Set(float64(result.Checkpoint.LastModified))

	if err := a.cps.SaveCheckpoint(ctx, a.collection, result.Checkpoint); err != nil {
		a.logger.Warn("failed to persist checkpoint", zap.Error(err))
	}

	if result.HasMore {
		a.requestPull()
	}
}

func (a *Adapter) recoverFromSnapshot(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.snapshot_recovery", attribute.String("collection", a.collection))
	defer span.End()

	a.metrics.SnapshotRecoveries.Inc()
	if err := snapshot.Recover(ctx, a.collection, a.transport, a.store, a.sink, a.cps, a.logger); err != nil {
		a.logger.Warn("snapshot recovery failed", zap.String("collection", a.collection), zap.Error(err))
		a.setStatus(func(s *types.Status) { s.Err = err })
	}
}

// push drains the unreplicated set and attempts one mutation RPC per entry,
// classifying failures per the error taxonomy: 401/403/422 are permanent
// and left for the caller to observe via status, everything else is
// retriable and the id simply stays in the unreplicated set for the next
// tick or mutation to retry.
func (a *Adapter) push(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.push", attribute.String("collection", a.collection))
	defer span.End()

	a.mu.Lock()
	a.lastPush = time.Now()
	a.mu.Unlock()

	entries := a.store.GetUnreplicated()
	a.metrics.UnreplicatedSize.Set(float64(len(entries)))
	if len(entries) == 0 {
		return
	}

	start := time.Now()
	a.metrics.PushesTotal.Inc()

	for _, entry := range entries {
		res := a.transport.Mutate(ctx, types.MutationRequest{
			Collection: a.collection,
			ID:         entry.ID,
			Kind:       entry.Kind,
			Bytes:      entry.Bytes,
			Document:   entry.MaterializedDoc,
			Version:    entry.Version,
		})

		if res.Success {
			a.store.MarkReplicated(entry.ID)
			continue
		}

		a.metrics.PushErrorsTotal.Inc()

		if res.StatusCode == 422 {
			// Validation is fatal for this id specifically, not retriable:
			// drop it from the unreplicated set so push stops resending it
			// every tick, and surface the rejection via status.
			a.logger.Error("push rejected: validation failure, dropping id",
				zap.String("collection", a.collection),
				zap.String("id", entry.ID),
				zap.Error(res.Err),
			)
			a.store.MarkReplicated(entry.ID)
			a.setStatus(func(s *types.Status) {
				s.Err = types.NewSyncError(types.KindValidation, a.collection, entry.ID, false, res.Err)
			})
			continue
		}

		if isPermanent(res.StatusCode) {
			a.logger.Error("push rejected permanently",
				zap.String("collection", a.collection),
				zap.String("id", entry.ID),
				zap.Int("statusCode", res.StatusCode),
				zap.Error(res.Err),
			)
			a.setStatus(func(s *types.Status) {
				s.Err = types.NewSyncError(classifyKind(res.StatusCode), a.collection, entry.ID, false, res.Err)
			})
			continue
		}

		a.logger.Warn("push failed, will retry",
			zap.String("collection", a.collection),
			zap.String("id", entry.ID),
			zap.Int("statusCode", res.StatusCode),
		)
	}

	a.metrics.PushLatency.Observe(time.Since(start).Seconds())
}

// isPermanent reports whether statusCode is a non-retriable auth rejection.
// Validation (422) is handled by its own branch in push, which additionally
// drops the id from the unreplicated set.
func isPermanent(statusCode int) bool {
	return statusCode == 401 || statusCode == 403
}

func classifyKind(statusCode int) types.ErrorKind {
	return types.KindAuth
}

// onDelta forwards a CRDT delta produced by a remote merge to the sink as a
// single begin/write*/commit frame. It must never re-enter the document
// store: these are downstream writes, not user-origin mutations.
func (a *Adapter) onDelta(delta types.Delta) {
	txn := a.sink.Begin()
	for _, rec := range delta.Inserted {
		txn.Write(binding.WriteInsert, rec)
	}
	for _, rec := range delta.Updated {
		txn.Write(binding.WriteUpdate, rec)
	}
	for _, id := range delta.Deleted {
		txn.Write(binding.WriteDelete, types.Record{"id": id})
	}
	txn.Commit()
}
