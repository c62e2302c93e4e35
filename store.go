package driftsync

import "context"

// Store is the durable persistence collaborator. It owns three things per
// collection: the merged CRDT state of every node, the queue of locally
// produced deltas awaiting server acknowledgment, and the last server
// cursor.
//
// Contracts:
//   - ApplyDeltas and EnqueueDeltas are atomic per collection. Concurrent
//     readers never observe a partially merged batch, and a merge failure
//     leaves the collection untouched.
//   - An empty cursor argument leaves the persisted cursor unchanged.
//   - Stores may be shared by several clients (and several processes, for
//     file-backed stores); every method is safe for concurrent use.
type Store interface {
	// Collections lists the collections this store tracks. The set is
	// fixed for the lifetime of a client.
	Collections(ctx context.Context) ([]CollectionID, error)

	// PendingDeltas returns the queued outbound deltas for a collection in
	// stamp order.
	PendingDeltas(ctx context.Context, col CollectionID) ([]PendingDelta, error)

	// ServerCursor returns the last recorded server cursor, ok=false when
	// the collection has never completed a sync.
	ServerCursor(ctx context.Context, col CollectionID) (Cursor, bool, error)

	// ApplyDeltas folds server-delivered deltas into node state using
	// merge, records cursor when non-empty, and returns the merged state
	// of every changed node.
	ApplyDeltas(ctx context.Context, col CollectionID, deltas []PendingDelta, cursor Cursor, merge MergeFunc) (map[NodeID]NodeData, error)

	// EnqueueDeltas queues locally produced deltas for the next outbound
	// pass and folds them into node state in the same atomic step, so a
	// crash can never separate the two.
	EnqueueDeltas(ctx context.Context, col CollectionID, deltas []PendingDelta, merge MergeFunc) (map[NodeID]NodeData, error)

	// DeleteDeltas drops queued deltas with stamps at or below upTo.
	// Stamps with no queued delta are ignored, so duplicated or reordered
	// acks are harmless.
	DeleteDeltas(ctx context.Context, col CollectionID, upTo Stamp) error

	// Node returns one node's merged state, ok=false when the node has
	// none.
	Node(ctx context.Context, col CollectionID, node NodeID) (NodeData, bool, error)
}

// NodeLister is implemented by stores that can enumerate a collection's
// nodes. The snapshot archiver requires it; both built-in stores provide
// it.
type NodeLister interface {
	Nodes(ctx context.Context, col CollectionID) (map[NodeID]NodeData, error)
}
