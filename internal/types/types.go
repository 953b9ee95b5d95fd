// Package types holds the data model shared across every sync engine
// component: documents, checkpoints, deltas, the wire envelope used by the
// broadcast channel, and the error taxonomy.
package types

import (
	"fmt"

	"github.com/relaysync/engine/internal/clock"
)

// Record is the JSON-shaped materialized view of a document: a map from
// field name to arbitrary JSON-compatible value. A materialized record
// always carries "id" and a boolean "deleted".
type Record map[string]interface{}

// Clone returns a shallow copy safe to hand to a caller without letting it
// mutate engine-internal state.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ID returns the document's primary key, or "" if absent.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Deleted reports the normalized tombstone flag.
func (r Record) Deleted() bool {
	d, _ := r["deleted"].(bool)
	return d
}

// Entity is the CRDT-internal representation of one document: a vector
// clock tracking every peer's contribution plus the last-writer-wins fields.
// FieldStamps carries one timestamp per field last touched by a local
// Create/Change, so a concurrent merge can resolve each field
// independently instead of picking one whole-entity winner; a field absent
// from FieldStamps falls back to Timestamp (the whole-entity write time),
// which is what a remote entity assembled from a materialized document
// without field-level provenance carries for every one of its fields.
type Entity struct {
	Fields      Record            `json:"fields"`
	Vector      clock.VectorClock `json:"vector"`
	Timestamp   int64             `json:"timestamp"`
	FieldStamps map[string]int64  `json:"fieldStamps,omitempty"`
	PeerID      string            `json:"peerId"`
	Deleted     bool              `json:"deleted"`
}

// FieldStamp returns the timestamp at which field was last written, falling
// back to the entity's whole-write Timestamp when no per-field stamp was
// recorded for it.
func (e Entity) FieldStamp(field string) int64 {
	if e.FieldStamps != nil {
		if ts, ok := e.FieldStamps[field]; ok {
			return ts
		}
	}
	return e.Timestamp
}

// Update is the opaque binary CRDT update exchanged between the document
// store, the durable KV, and the wire. It is a JSON-encoded envelope; only
// internal/crdtstore decodes it — every other caller treats Bytes as opaque.
type Update struct {
	DocID  string `json:"docId"`
	Entity Entity `json:"entity"`
}

// Checkpoint is the monotone high-watermark up to which a collection has
// pulled and merged remote changes.
type Checkpoint struct {
	LastModified int64 `json:"lastModified"`
}

// Change is one entry returned by RemoteTransport.PullChanges. Exactly one
// of Bytes or Document is populated, matching the wire contract's two
// permitted pull shapes (the port settles on Bytes — see DESIGN.md).
type Change struct {
	ID        string
	Bytes     []byte
	Document  Record
	Version   int64
	Timestamp int64
}

// PullResult is the response shape of RemoteTransport.PullChanges.
type PullResult struct {
	Changes    []Change
	Checkpoint Checkpoint
	HasMore    bool
}

// MutationKind enumerates the three document mutation RPCs.
type MutationKind int

const (
	MutationInsert MutationKind = iota
	MutationUpdate
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationInsert:
		return "insert"
	case MutationUpdate:
		return "update"
	case MutationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// MutationRequest is what the orchestrator sends for each unreplicated id.
type MutationRequest struct {
	Collection string
	ID         string
	Kind       MutationKind
	Bytes      []byte
	Document   Record
	Version    int64
}

// MutationResult is the outcome of one mutation RPC.
type MutationResult struct {
	Success bool
	// StatusCode mirrors an HTTP-ish status so the orchestrator can classify
	// retriable vs. permanent failures per the error taxonomy (401/403/422
	// are non-retriable, everything else is retriable).
	StatusCode int
	Err        error
}

// Delta is the triple of inserted records, updated records and deleted ids
// computed between two consecutive materialized views of a collection.
type Delta struct {
	Inserted []Record
	Updated  []Record
	Deleted  []string
}

// Empty reports whether the delta carries no changes at all.
func (d Delta) Empty() bool {
	return len(d.Inserted) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// UnreplicatedEntry is one snapshot taken from the unreplicated set: enough
// information for the orchestrator to retry a push without re-touching the
// CRDT store.
type UnreplicatedEntry struct {
	ID             string
	Bytes          []byte
	MaterializedDoc Record
	Version        int64
	Kind           MutationKind
}

// BroadcastMessageType enumerates the tab-leader election protocol's message
// kinds, carried over the broadcast channel.
type BroadcastMessageType string

const (
	MsgHeartbeat   BroadcastMessageType = "heartbeat"
	MsgClaim       BroadcastMessageType = "claim"
	MsgRelinquish  BroadcastMessageType = "relinquish"
	MsgChallenge   BroadcastMessageType = "challenge"
)

// BroadcastMessage is the envelope exchanged on the "replicate-leader"
// broadcast channel.
type BroadcastMessage struct {
	Type      BroadcastMessageType `json:"type"`
	TabID     string               `json:"tabId"`
	Timestamp int64                `json:"timestamp,omitempty"`
	Reason    string               `json:"reason,omitempty"`
}

// ErrorKind tags a SyncError with its place in the error taxonomy.
type ErrorKind int

const (
	KindStorage ErrorKind = iota
	KindPullNetwork
	KindPushNetwork
	KindAuth
	KindValidation
	KindSnapshotMissing
	KindBroadcastAbsent
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindStorage:
		return "storage"
	case KindPullNetwork:
		return "pull_network"
	case KindPushNetwork:
		return "push_network"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindSnapshotMissing:
		return "snapshot_missing"
	case KindBroadcastAbsent:
		return "broadcast_absent"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// SyncError is the tagged union every component boundary surfaces instead of
// letting an ad-hoc error cross unclassified.
type SyncError struct {
	Kind       ErrorKind
	Collection string
	DocID      string
	Retriable  bool
	Cause      error
}

func (e *SyncError) Error() string {
	if e.DocID != "" {
		return fmt.Sprintf("syncengine: %s collection=%s id=%s: %v", e.Kind, e.Collection, e.DocID, e.Cause)
	}
	return fmt.Sprintf("syncengine: %s collection=%s: %v", e.Kind, e.Collection, e.Cause)
}

func (e *SyncError) Unwrap() error { return e.Cause }

// NewSyncError builds a tagged SyncError.
func NewSyncError(kind ErrorKind, collection, docID string, retriable bool, cause error) *SyncError {
	return &SyncError{Kind: kind, Collection: collection, DocID: docID, Retriable: retriable, Cause: cause}
}

// Status is the consolidated, subscriber-visible state of one collection's
// sync adapter.
type Status struct {
	IsLoading     bool
	IsReady       bool
	IsReplicating bool
	Err           error
}
