// Package syncengine is the public facade over the sync engine's internal
// components: one Engine per process, one CollectionHandle per synced
// collection, wiring durable storage, the CRDT document store, checkpoint
// persistence, tab leadership, the sync adapter, and the optional broadcast
// and telemetry layers behind a small surface a caller can embed.
package syncengine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/relaysync/engine/internal/binding"
	"github.com/relaysync/engine/internal/broadcast"
	"github.com/relaysync/engine/internal/checkpoint"
	"github.com/relaysync/engine/internal/connstate"
	"github.com/relaysync/engine/internal/crdtstore"
	"github.com/relaysync/engine/internal/kv"
	"github.com/relaysync/engine/internal/leader"
	"github.com/relaysync/engine/internal/metrics"
	"github.com/relaysync/engine/internal/orchestrator"
	"github.com/relaysync/engine/internal/transport"
	"github.com/relaysync/engine/internal/types"
)

// Options configures an Engine.
type Options struct {
	// DataDir is the durable KV store's base directory.
	DataDir string
	// Transport talks to the remote server. Required.
	Transport transport.RemoteTransport
	// Logger defaults to zap.NewNop() if nil.
	Logger *zap.Logger
	// LeaderChannel, if non-empty, enables cross-tab leader election over a
	// broadcast channel of this name. Left empty, every process assumes
	// leadership unconditionally (the single-tab case). Leadership is only
	// reported by IsLeader: every bound collection's sync adapter runs its
	// pull and push loops whether or not this process is leader.
	LeaderChannel string
}

// Engine is the public entry point: one per process, shared across every
// collection it binds.
type Engine struct {
	opts    Options
	logger  *zap.Logger
	kvStore kv.Store
	conn    *connstate.Monitor
	hub     *broadcast.Hub
	elector *leader.Elector

	collections map[string]*CollectionHandle
}

// New constructs an Engine. The durable KV store is opened eagerly; nothing
// else starts until BindCollection is called.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("syncengine: DataDir cannot be empty")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("syncengine: Transport cannot be nil")
	}
	if ctx == nil {
		return nil, fmt.Errorf("syncengine: context cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	kvStore, err := kv.NewFileStore(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("syncengine: failed to open durable store: %w", err)
	}

	e := &Engine{
		opts:        opts,
		logger:      logger,
		kvStore:     kvStore,
		conn:        connstate.New(),
		collections: make(map[string]*CollectionHandle),
	}

	if opts.LeaderChannel != "" {
		e.hub = broadcast.NewHub()
		e.elector = leader.New(e.hub, opts.LeaderChannel, logger, nil, nil)
		go e.elector.Run(ctx)
	}

	return e, nil
}

// ConnectionState returns the engine-wide connectivity monitor, shared
// across every bound collection.
func (e *Engine) ConnectionState() *connstate.Monitor { return e.conn }

// IsLeader reports whether this process currently holds tab leadership.
// Always true when no LeaderChannel was configured.
func (e *Engine) IsLeader() bool {
	if e.elector == nil {
		return true
	}
	return e.elector.IsLeader()
}

// BindCollection wires up every internal component for one named collection
// and starts its sync adapter. sink receives the collection's materialized
// documents as they're inserted, updated, or deleted; initialRecords and
// hasInitialData carry an optional SSR-supplied seed payload.
func (e *Engine) BindCollection(ctx context.Context, name string, sink binding.Sink, initialRecords []types.Record, hasInitialData bool) (*CollectionHandle, error) {
	if _, exists := e.collections[name]; exists {
		return nil, fmt.Errorf("syncengine: collection %q already bound", name)
	}

	store, err := crdtstore.New(ctx, name, e.kvStore, e.logger)
	if err != nil {
		return nil, fmt.Errorf("syncengine: failed to open document store for %q: %w", name, err)
	}
	cps := checkpoint.New(e.kvStore, e.logger)
	m := metrics.New(name)
	adapter := orchestrator.New(name, e.opts.Transport, store, cps, sink, m, e.logger)

	if err := adapter.Start(ctx, initialRecords, hasInitialData); err != nil {
		return nil, fmt.Errorf("syncengine: failed to start adapter for %q: %w", name, err)
	}

	h := &CollectionHandle{name: name, store: store, adapter: adapter, metrics: m}
	e.collections[name] = h
	return h, nil
}

// Collection returns a previously bound collection handle, or ok=false.
func (e *Engine) Collection(name string) (*CollectionHandle, bool) {
	h, ok := e.collections[name]
	return h, ok
}

// Shutdown stops every bound collection's sync adapter and tab elector.
func (e *Engine) Shutdown() {
	for _, h := range e.collections {
		h.adapter.Stop()
	}
	if e.elector != nil {
		e.elector.Stop()
	}
}

// CollectionHandle is the public surface for one synced collection: local
// mutation entry points plus status and metrics observation.
type CollectionHandle struct {
	name    string
	store   *crdtstore.Store
	adapter *orchestrator.Adapter
	metrics *metrics.Metrics
}

// Insert creates a new document with the given id and pushes it to the
// remote on the next push round.
func (h *CollectionHandle) Insert(ctx context.Context, id string, data types.Record) error {
	if err := h.store.Create(ctx, id, data); err != nil {
		return err
	}
	h.adapter.RequestPush()
	return nil
}

// Update applies mutator to the document's current fields and pushes the
// result to the remote on the next push round.
func (h *CollectionHandle) Update(ctx context.Context, id string, mutator func(types.Record)) error {
	if err := h.store.Change(ctx, id, mutator); err != nil {
		return err
	}
	h.adapter.RequestPush()
	return nil
}

// Delete tombstones the document and pushes the tombstone to the remote on
// the next push round.
func (h *CollectionHandle) Delete(ctx context.Context, id string) error {
	if err := h.store.Remove(ctx, id); err != nil {
		return err
	}
	h.adapter.RequestPush()
	return nil
}

// Get returns the current materialized view of one document.
func (h *CollectionHandle) Get(id string) (types.Record, bool) {
	return h.store.GetMaterialized(id)
}

// All returns the current materialized view of every non-tombstoned
// document in the collection.
func (h *CollectionHandle) All() map[string]types.Record {
	return h.store.CurrentView()
}

// Status returns the collection's consolidated loading/ready/replicating
// state and last observed error, if any.
func (h *CollectionHandle) Status() types.Status {
	return h.adapter.Status()
}

// Subscribe registers fn to be called with the full current view after
// every locally-originated mutation or initial load. The returned func
// cancels the subscription.
func (h *CollectionHandle) Subscribe(fn func(map[string]types.Record)) func() {
	return h.store.Subscribe(fn)
}

// Metrics returns this collection's Prometheus instruments; their Registry
// method gives the private registry for callers that want to expose it
// behind an HTTP handler.
func (h *CollectionHandle) Metrics() *metrics.Metrics { return h.metrics }
