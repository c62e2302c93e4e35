package driftsync

import (
	"context"
)

// PeerBus carries PeerChange notifications between execution contexts
// sharing one durable store. Publish tags the change with the publishing
// session; Subscribe filters that session's own publishes out, so a client
// never hears its own broadcasts back.
type PeerBus interface {
	// Publish fans change out to every subscriber except the named
	// session's. It never blocks.
	Publish(session string, change PeerChange)

	// Subscribe registers fn for changes from other sessions. The returned
	// func removes the subscription.
	Subscribe(session string, fn func(PeerChange)) (remove func())
}

// applyPeerChange handles a change another context already persisted to
// the shared store: re-read the named nodes and refresh the cache entries
// this context holds, firing their node listeners. Nothing else happens
// here. The store write, the collection-wide notification and the original
// broadcast were the publisher's job, and re-broadcasting would bounce
// changes between contexts forever.
func (c *Client) applyPeerChange(ctx context.Context, change PeerChange) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	st, known := c.state[change.Collection]
	if !known {
		c.mu.Unlock()
		c.logger.Debug("peer change for unknown collection", "collection", change.Collection)
		return nil
	}
	held := make([]NodeID, 0, len(change.Nodes))
	for _, node := range change.Nodes {
		if _, ok := st.cache[node]; ok {
			held = append(held, node)
		}
	}
	c.mu.Unlock()

	if len(held) == 0 {
		return nil
	}

	type refresh struct {
		node NodeID
		data NodeData
		val  Value
	}
	refreshes := make([]refresh, 0, len(held))
	for _, node := range held {
		data, ok, err := c.store.Node(ctx, change.Collection, node)
		if err != nil {
			return newSyncError(SyncErrorTypeStore, change.Collection, "read node", err)
		}
		if !ok {
			continue
		}
		val, err := c.crdt.Value(data)
		if err != nil {
			return newSyncError(SyncErrorTypeProject, change.Collection, "project value", err)
		}
		refreshes = append(refreshes, refresh{node: node, data: data, val: val})
	}

	type notify struct {
		fn  func(Value)
		val Value
	}
	var notifies []notify

	c.mu.Lock()
	for _, r := range refreshes {
		st.cache[r.node] = r.data
		for _, l := range st.nodeListeners[r.node] {
			notifies = append(notifies, notify{fn: l.fn, val: r.val})
		}
	}
	c.mu.Unlock()

	for _, n := range notifies {
		n.fn(n.val)
	}

	c.statsMu.Lock()
	c.stats.PeerChangesApplied++
	c.statsMu.Unlock()
	return nil
}
