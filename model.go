package driftsync

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CollectionID names one replicated collection. The set of collections a
// client serves is fixed at Open time by its store.
type CollectionID string

// NodeID addresses one replicated entity inside a collection. A node is a
// unit of replication, not a network host.
type NodeID string

// ClientID identifies one replica: a device, or a family of execution
// contexts sharing a durable store. It is minted once and persisted
// alongside the logical clock.
type ClientID string

// Cursor is an opaque server-side watermark recording how far a collection
// has synced. Clients echo it back verbatim; only the server interprets it.
type Cursor string

// Delta, NodeData and Value are opaque JSON payloads owned by the CRDT
// layer. A Delta is one mergeable mutation for a single node, NodeData is
// the merged state the store persists, and Value is the caller-facing
// projection of that state.
type (
	Delta    = json.RawMessage
	NodeData = json.RawMessage
	Value    = json.RawMessage
)

// PendingDelta is one queued mutation together with the stamp derived from
// its payload. The outbound queue and the inbound apply path share this
// shape.
type PendingDelta struct {
	Node  NodeID `json:"node"`
	Delta Delta  `json:"delta"`
	Stamp Stamp  `json:"stamp"`
}

// PeerChange tells sibling contexts sharing a store that nodes changed and
// should be re-read from it. It names the nodes but carries no data.
type PeerChange struct {
	Collection CollectionID `json:"collection"`
	Nodes      []NodeID     `json:"nodes"`
}

// MergeFunc folds one delta into a node's merged state. data is nil when
// the node has no state yet. Implementations must be commutative and
// idempotent so replays and reorderings converge.
type MergeFunc func(data NodeData, delta Delta) (NodeData, error)

// CRDT supplies the three pure functions the engine needs from a replicated
// data type. Merge must be commutative and idempotent: applying any
// permutation of a delta set, with any duplication, yields the same state.
type CRDT interface {
	// DeltaStamp derives the causal stamp carried inside a delta's payload.
	// Stamps are always re-derived from content, never trusted from
	// message metadata.
	DeltaStamp(delta Delta) (Stamp, error)

	// Merge folds one delta into a node's merged state. data is nil when
	// the node has no state yet.
	Merge(data NodeData, delta Delta) (NodeData, error)

	// Value projects the caller-facing value out of merged state.
	Value(data NodeData) (Value, error)
}

// newClientID mints a random replica identity. 8 bytes keeps stamps short
// while leaving collisions out of practical reach.
func newClientID() (ClientID, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return ClientID(hex.EncodeToString(buf)), nil
}

// newSessionID mints a per-Open identity used to filter a client's own
// broadcasts off the peer bus.
func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
