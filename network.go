package driftsync

import (
	"context"
	"sync"
	"time"
)

// SyncState describes the transport's connection condition.
type SyncState string

const (
	// SyncStateOffline means no connection and none being attempted, or a
	// backoff wait between attempts.
	SyncStateOffline SyncState = "offline"
	// SyncStateConnecting means a connection attempt is in flight.
	SyncStateConnecting SyncState = "connecting"
	// SyncStateOnline means the transport is connected and exchanging
	// messages.
	SyncStateOnline SyncState = "online"
)

// SyncStatus is the observable sync condition of a client.
type SyncStatus struct {
	// State is the connection state.
	State SyncState `json:"state"`
	// LastSync is when a message was last sent or applied, zero if never.
	LastSync time.Time `json:"last_sync"`
	// LastError describes the most recent transport failure, empty after a
	// healthy connect.
	LastError string `json:"last_error,omitempty"`
}

// NetworkBinding hands a transport the engine callbacks it drives. The
// transport decides when; the engine decides what.
type NetworkBinding struct {
	// Client is the replica identity, available for handshake metadata.
	Client ClientID
	// Session is this client instance's session id.
	Session string

	// ProduceOutbound assembles the messages currently owed to the server.
	// reconnected forces every collection to announce itself, cursor state
	// included, regardless of pending work.
	ProduceOutbound func(ctx context.Context, reconnected bool) ([]SyncMessage, error)

	// ConsumeInbound applies a batch of server messages. An error means
	// the batch did not fully persist; reconnecting re-announces cursors
	// and the server replays from them.
	ConsumeInbound func(ctx context.Context, msgs []ServerMessage) error

	// ConsumePeerChange applies one change relayed from a sibling context,
	// for transports that tunnel the peer bus.
	ConsumePeerChange func(ctx context.Context, change PeerChange) error
}

// NetworkFactory builds the transport for a client at Open time.
type NetworkFactory func(binding NetworkBinding) (Network, error)

// Network is the transport collaborator. Connection management, retry and
// wire encoding live behind it; the engine above it never retries.
type Network interface {
	// SetDirty signals that local changes are waiting, scheduling an
	// outbound pass when connectivity allows. It never blocks.
	SetDirty()

	// OnSyncStatus registers an observer for status changes. The returned
	// func removes it.
	OnSyncStatus(fn func(SyncStatus)) (remove func())

	// SyncStatus returns the current status.
	SyncStatus() SyncStatus

	// Close stops the transport and releases its connection.
	Close() error
}

// OfflineNetwork returns the factory used when a Config names none: a
// transport that never connects. Local mutation, peer propagation and
// store durability all keep working; the queue drains when a real
// transport takes over on a later Open.
func OfflineNetwork() NetworkFactory {
	return func(NetworkBinding) (Network, error) {
		return &offlineNetwork{status: newStatusHub()}, nil
	}
}

type offlineNetwork struct {
	status *statusHub
}

func (n *offlineNetwork) SetDirty() {}

func (n *offlineNetwork) OnSyncStatus(fn func(SyncStatus)) func() {
	return n.status.Subscribe(fn)
}

func (n *offlineNetwork) SyncStatus() SyncStatus {
	return n.status.Get()
}

func (n *offlineNetwork) Close() error {
	return nil
}

// statusHub tracks the current SyncStatus and fans changes out to
// observers. Observers run outside the hub lock and may call back into the
// owner.
type statusHub struct {
	mu     sync.Mutex
	status SyncStatus
	subs   map[uint64]func(SyncStatus)
	nextID uint64
}

func newStatusHub() *statusHub {
	return &statusHub{
		status: SyncStatus{State: SyncStateOffline},
		subs:   make(map[uint64]func(SyncStatus)),
	}
}

// Get returns the current status.
func (h *statusHub) Get() SyncStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Subscribe registers an observer and returns its remove func.
func (h *statusHub) Subscribe(fn func(SyncStatus)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Update mutates the status and notifies observers of the new value.
func (h *statusHub) Update(mutate func(*SyncStatus)) {
	h.mu.Lock()
	mutate(&h.status)
	status := h.status
	observers := make([]func(SyncStatus), 0, len(h.subs))
	for _, fn := range h.subs {
		observers = append(observers, fn)
	}
	h.mu.Unlock()

	for _, fn := range observers {
		fn(status)
	}
}

// setState is the common Update: move to state, recording err when moving
// offline.
func (h *statusHub) setState(state SyncState, err error) {
	h.Update(func(s *SyncStatus) {
		s.State = state
		if err != nil {
			s.LastError = err.Error()
		} else if state == SyncStateOnline {
			s.LastError = ""
		}
	})
}

// touchLastSync records sync progress without a state change.
func (h *statusHub) touchLastSync() {
	h.mu.Lock()
	h.status.LastSync = time.Now()
	h.mu.Unlock()
}
