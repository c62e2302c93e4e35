package driftsync

import (
	"context"
)

// collectionState is the in-memory side of one collection: lazily
// materialized node state plus the registered listeners. The cache only
// ever contains nodes some caller has touched; change application updates
// existing entries but never creates new ones, so an unread node costs
// nothing.
type collectionState struct {
	cache         map[NodeID]NodeData
	listeners     []collectionListener
	nodeListeners map[NodeID][]nodeListener
	nextListener  uint64
}

type collectionListener struct {
	id uint64
	fn func(map[NodeID]Value)
}

type nodeListener struct {
	id uint64
	fn func(Value)
}

func newCollectionState() *collectionState {
	return &collectionState{
		cache:         make(map[NodeID]NodeData),
		nodeListeners: make(map[NodeID][]nodeListener),
	}
}

// Collection is a caller-facing handle to one replicated collection.
// Handles are cheap and safe for concurrent use; all of them share the
// client's state.
type Collection struct {
	id     CollectionID
	client *Client
}

// ID returns the collection id.
func (c *Collection) ID() CollectionID {
	return c.id
}

// Get returns a node's projected value, materializing its merged state into
// the collection cache on first access. ok is false when the node has no
// state anywhere.
func (c *Collection) Get(ctx context.Context, node NodeID) (Value, bool, error) {
	cl := c.client
	if cl.closed.Load() {
		return nil, false, ErrClosed
	}

	cl.mu.Lock()
	st := cl.state[c.id]
	if data, ok := st.cache[node]; ok {
		cl.mu.Unlock()
		return c.project(data)
	}
	cl.mu.Unlock()

	data, ok, err := cl.store.Node(ctx, c.id, node)
	if err != nil {
		return nil, false, newSyncError(SyncErrorTypeStore, c.id, "read node", err)
	}
	if !ok {
		return nil, false, nil
	}

	cl.mu.Lock()
	// A change may have landed while we read the store; its cache entry is
	// at least as fresh as ours.
	if cached, exists := st.cache[node]; exists {
		data = cached
	} else {
		st.cache[node] = data
	}
	cl.mu.Unlock()

	return c.project(data)
}

func (c *Collection) project(data NodeData) (Value, bool, error) {
	val, err := c.client.crdt.Value(data)
	if err != nil {
		return nil, false, newSyncError(SyncErrorTypeProject, c.id, "project value", err)
	}
	return val, true, nil
}

// Update applies one locally produced delta to node: the delta joins the
// outbound queue and folds into durable state in a single atomic store
// call, then listeners fire, sibling contexts hear about it, and the
// transport is poked. The delta's stamp must come from Client.Stamp, one
// stamp per delta.
func (c *Collection) Update(ctx context.Context, node NodeID, delta Delta) (Value, error) {
	cl := c.client
	if cl.closed.Load() {
		return nil, ErrClosed
	}

	stamp, err := cl.crdt.DeltaStamp(delta)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeStamp, c.id, "derive delta stamp", err)
	}

	merged, err := cl.store.EnqueueDeltas(ctx, c.id, []PendingDelta{{Node: node, Delta: delta, Stamp: stamp}}, cl.crdt.Merge)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeStore, c.id, "queue delta", err)
	}

	// Local updates flow through the same fanout as applied server
	// messages, minus the clock receive: this clock issued the stamp.
	changes, err := cl.fanoutChanges(c.id, []NodeID{node}, merged, true)
	if err != nil {
		return nil, err
	}

	cl.statsMu.Lock()
	cl.stats.LocalUpdates++
	cl.statsMu.Unlock()

	cl.network.SetDirty()
	return changes[node], nil
}

// Subscribe registers fn for changes across the whole collection. Each
// applied message or local update delivers one call carrying the projected
// values of every changed node, cached or not. Registration never replays
// current state; read it explicitly if needed. The returned func removes
// the listener.
func (c *Collection) Subscribe(fn func(map[NodeID]Value)) (remove func()) {
	cl := c.client
	cl.mu.Lock()
	defer cl.mu.Unlock()

	st := cl.state[c.id]
	st.nextListener++
	id := st.nextListener
	st.listeners = append(st.listeners, collectionListener{id: id, fn: fn})

	return func() {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		for i, l := range st.listeners {
			if l.id == id {
				st.listeners = append(st.listeners[:i], st.listeners[i+1:]...)
				break
			}
		}
	}
}

// SubscribeNode registers fn for changes to one node. Unlike collection
// listeners it only fires for nodes this context has materialized into its
// cache: subscribing to a node nobody read stays silent until someone
// reads it. The returned func removes the listener.
func (c *Collection) SubscribeNode(node NodeID, fn func(Value)) (remove func()) {
	cl := c.client
	cl.mu.Lock()
	defer cl.mu.Unlock()

	st := cl.state[c.id]
	st.nextListener++
	id := st.nextListener
	st.nodeListeners[node] = append(st.nodeListeners[node], nodeListener{id: id, fn: fn})

	return func() {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		listeners := st.nodeListeners[node]
		for i, l := range listeners {
			if l.id == id {
				st.nodeListeners[node] = append(listeners[:i], listeners[i+1:]...)
				break
			}
		}
	}
}

// fanoutChanges runs the in-memory half of one applied change set, in
// order: project every changed node, notify collection-wide listeners,
// refresh cache entries that already exist and fire their node listeners,
// then publish one coalesced PeerChange. It returns the projected values.
//
// Collection-wide listeners see every changed node; node listeners only
// fire for cache-resident ones. The asymmetry is deliberate: a collection
// listener asked for everything, a node listener follows state this
// context actually holds.
func (c *Client) fanoutChanges(col CollectionID, changed []NodeID, merged map[NodeID]NodeData, broadcast bool) (map[NodeID]Value, error) {
	changes := make(map[NodeID]Value, len(changed))
	for _, node := range changed {
		val, err := c.crdt.Value(merged[node])
		if err != nil {
			return nil, newSyncError(SyncErrorTypeProject, col, "project value", err)
		}
		changes[node] = val
	}

	c.mu.Lock()
	st := c.state[col]
	colListeners := make([]func(map[NodeID]Value), 0, len(st.listeners))
	for _, l := range st.listeners {
		colListeners = append(colListeners, l.fn)
	}
	c.mu.Unlock()

	// Listeners run outside the state lock; they may call back into the
	// client.
	for _, fn := range colListeners {
		fn(changes)
	}

	type notify struct {
		fn  func(Value)
		val Value
	}
	var notifies []notify

	c.mu.Lock()
	for _, node := range changed {
		if _, ok := st.cache[node]; !ok {
			continue
		}
		st.cache[node] = merged[node]
		for _, l := range st.nodeListeners[node] {
			notifies = append(notifies, notify{fn: l.fn, val: changes[node]})
		}
	}
	c.mu.Unlock()

	for _, n := range notifies {
		n.fn(n.val)
	}

	if broadcast && c.bus != nil {
		c.bus.Publish(c.sessionID, PeerChange{Collection: col, Nodes: changed})
		c.statsMu.Lock()
		c.stats.PeerChangesSent++
		c.statsMu.Unlock()
	}
	return changes, nil
}
