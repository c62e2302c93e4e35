package driftsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SyncStats counts a client's sync activity since Open.
type SyncStats struct {
	// MessagesSent is how many sync messages outbound passes produced.
	MessagesSent uint64 `json:"messages_sent"`
	// DeltasSent is how many deltas those messages carried.
	DeltasSent uint64 `json:"deltas_sent"`
	// MessagesApplied is how many server messages were applied.
	MessagesApplied uint64 `json:"messages_applied"`
	// DeltasApplied is how many server deltas were merged.
	DeltasApplied uint64 `json:"deltas_applied"`
	// AcksApplied is how many server acks pruned the queue.
	AcksApplied uint64 `json:"acks_applied"`
	// LocalUpdates is how many local mutations were made.
	LocalUpdates uint64 `json:"local_updates"`
	// PeerChangesSent is how many changes were broadcast to sibling
	// contexts.
	PeerChangesSent uint64 `json:"peer_changes_sent"`
	// PeerChangesApplied is how many sibling broadcasts refreshed this
	// context.
	PeerChangesApplied uint64 `json:"peer_changes_applied"`
}

// Client is the delta sync engine bound to one durable store. It owns the
// logical clock, the in-memory collection caches and listeners, and the
// callbacks driving the transport. Open several clients against one shared
// store, joined by a PeerBus, to model sibling contexts on a device.
type Client struct {
	config Config
	logger *slog.Logger

	store Store
	crdt  CRDT
	clock *clockManager
	bus   PeerBus

	sessionID string

	mu      sync.Mutex
	cols    []CollectionID
	state   map[CollectionID]*collectionState
	handles map[CollectionID]*Collection

	network   Network
	busRemove func()

	statsMu sync.Mutex
	stats   SyncStats

	closed atomic.Bool

	telemetry *telemetryExporter
	archiver  *SnapshotArchiver
}

// Open builds a client against cfg.Store: it loads or mints the logical
// clock, reads the fixed collection set, joins the peer bus, and starts
// the transport with the engine callbacks. The returned client is ready
// before any network activity happens; an offline client is fully
// functional locally.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clockStore := cfg.ClockStore
	if clockStore == nil {
		cs, ok := cfg.Store.(ClockStore)
		if !ok {
			return nil, errors.New("config: ClockStore is required when Store does not persist clocks")
		}
		clockStore = cs
	}

	clock, err := newClockManager(ctx, clockStore, cfg.Clock.MaxDrift, cfg.Clock.Now)
	if err != nil {
		return nil, err
	}

	cols, err := cfg.Store.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}

	sessionID, err := newSessionID()
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:    cfg,
		logger:    cfg.Logger,
		store:     cfg.Store,
		crdt:      cfg.CRDT,
		clock:     clock,
		bus:       cfg.Bus,
		sessionID: sessionID,
		cols:      cols,
		state:     make(map[CollectionID]*collectionState, len(cols)),
		handles:   make(map[CollectionID]*Collection, len(cols)),
	}
	for _, col := range cols {
		c.state[col] = newCollectionState()
		c.handles[col] = &Collection{id: col, client: c}
	}

	if c.bus != nil {
		c.busRemove = c.bus.Subscribe(sessionID, func(change PeerChange) {
			if err := c.applyPeerChange(context.Background(), change); err != nil && !errors.Is(err, ErrClosed) {
				c.logger.Error("apply peer change failed", "collection", change.Collection, "err", err)
			}
		})
	}

	network, err := cfg.Network(NetworkBinding{
		Client:            clock.ClientID(),
		Session:           sessionID,
		ProduceOutbound:   c.buildOutbound,
		ConsumeInbound:    c.applyInbound,
		ConsumePeerChange: c.applyPeerChange,
	})
	if err != nil {
		if c.busRemove != nil {
			c.busRemove()
		}
		return nil, fmt.Errorf("build network: %w", err)
	}
	c.network = network

	if cfg.Telemetry.Enabled {
		c.telemetry = newTelemetryExporter(c, cfg.Telemetry, c.logger)
		c.telemetry.Start()
	}
	if cfg.Snapshot.Enabled {
		archiver, err := NewSnapshotArchiver(c, cfg.Snapshot)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.archiver = archiver
		c.archiver.Start()
	}

	c.logger.Debug("client open",
		"client", clock.ClientID(), "session", sessionID, "collections", len(cols))
	return c, nil
}

// SessionID returns this client instance's session identity. Two clients
// opened against the same store have the same ClientID but distinct
// session ids; the peer bus uses them to keep a client from hearing
// itself.
func (c *Client) SessionID() string {
	return c.sessionID
}

// ClientID returns the durable replica identity stamps are issued under.
func (c *Client) ClientID() ClientID {
	return c.clock.ClientID()
}

// Stamp issues the next causal stamp, persisting the advanced clock.
// Consume exactly one stamp per delta built.
func (c *Client) Stamp(ctx context.Context) (Stamp, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	return c.clock.Stamp(ctx)
}

// Clock returns a copy of the current logical clock state.
func (c *Client) Clock() LogicalClock {
	return c.clock.Current()
}

// SetClock overrides the logical clock, for restoring state minted
// elsewhere. The override persists immediately.
func (c *Client) SetClock(ctx context.Context, clock LogicalClock) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.clock.SetClock(ctx, clock)
}

// Collections returns the fixed collection set this client serves.
func (c *Client) Collections() []CollectionID {
	out := make([]CollectionID, len(c.cols))
	copy(out, c.cols)
	return out
}

// Collection returns the handle for a collection, ErrUnknownCollection if
// the store does not track it.
func (c *Client) Collection(id CollectionID) (*Collection, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	handle, ok := c.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, id)
	}
	return handle, nil
}

// OnSyncStatus registers an observer for transport status changes. The
// returned func removes it.
func (c *Client) OnSyncStatus(fn func(SyncStatus)) (remove func()) {
	return c.network.OnSyncStatus(fn)
}

// SyncStatus returns the transport's current status.
func (c *Client) SyncStatus() SyncStatus {
	return c.network.SyncStatus()
}

// Stats returns a copy of the activity counters.
func (c *Client) Stats() SyncStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Snapshot uploads a manifest of all collections to the configured
// archive. It works regardless of the archiver's interval, and errors when
// snapshots are not configured.
func (c *Client) Snapshot(ctx context.Context) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	if c.archiver == nil {
		return "", errors.New("snapshots are not configured")
	}
	return c.archiver.Snapshot(ctx)
}

// Close stops the transport, telemetry and archiver and leaves the bus.
// The store stays open; the caller owns it. Close is idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if c.busRemove != nil {
		c.busRemove()
	}
	if c.telemetry != nil {
		c.telemetry.Stop()
	}
	if c.archiver != nil {
		c.archiver.Stop()
	}

	var err error
	if c.network != nil {
		err = c.network.Close()
	}
	c.logger.Debug("client closed", "session", c.sessionID)
	return err
}

// waitForState blocks until the transport reports state or the timeout
// passes. Mostly a convenience for examples and tests.
func (c *Client) waitForState(state SyncState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.SyncStatus().State == state {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c.SyncStatus().State == state
}
