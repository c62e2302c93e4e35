package driftsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient opens a client over a fresh MemoryStore with the "todos"
// and "notes" collections.
func newTestClient(t *testing.T, opts ...func(*Config)) (*Client, *MemoryStore) {
	t.Helper()

	store := NewMemoryStore("todos", "notes")
	cfg := Config{Store: store}
	for _, opt := range opts {
		opt(&cfg)
	}

	client, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, store
}

// testFieldDelta builds a field assignment stamped by client's own clock.
func testFieldDelta(t *testing.T, client *Client, field string, value any) Delta {
	t.Helper()

	stamp, err := client.Stamp(context.Background())
	if err != nil {
		t.Fatalf("Stamp failed: %v", err)
	}
	delta, err := FieldDelta(field, value, stamp)
	if err != nil {
		t.Fatalf("FieldDelta failed: %v", err)
	}
	return delta
}

// waitUntil polls cond until it holds or the timeout passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// storeOnly hides the optional interfaces of the wrapped store.
type storeOnly struct {
	Store
}

// fakeNetwork records the binding and dirty pokes without connecting
// anywhere. Tests drive the binding callbacks by hand to play server.
type fakeNetwork struct {
	binding NetworkBinding
	status  *statusHub
	dirty   atomic.Int32
}

func newFakeNetworkFactory(out **fakeNetwork) NetworkFactory {
	return func(binding NetworkBinding) (Network, error) {
		n := &fakeNetwork{binding: binding, status: newStatusHub()}
		*out = n
		return n, nil
	}
}

func (n *fakeNetwork) SetDirty() { n.dirty.Add(1) }

func (n *fakeNetwork) OnSyncStatus(fn func(SyncStatus)) func() { return n.status.Subscribe(fn) }

func (n *fakeNetwork) SyncStatus() SyncStatus { return n.status.Get() }

func (n *fakeNetwork) Close() error { return nil }

func TestOpenDefaults(t *testing.T) {
	client, _ := newTestClient(t)

	if len(client.ClientID()) != 16 {
		t.Errorf("Expected 16-char client id, got %q", client.ClientID())
	}
	if client.SessionID() == "" {
		t.Error("Expected non-empty session id")
	}

	cols := client.Collections()
	if len(cols) != 2 || cols[0] != "notes" || cols[1] != "todos" {
		t.Errorf("Expected [notes todos], got %v", cols)
	}

	if state := client.SyncStatus().State; state != SyncStateOffline {
		t.Errorf("Expected offline default network, got %v", state)
	}
}

func TestOpenRequiresStore(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	if err == nil {
		t.Fatal("Expected error opening without a store")
	}
}

func TestOpenRequiresClockStore(t *testing.T) {
	store := NewMemoryStore("todos")
	_, err := Open(context.Background(), Config{Store: storeOnly{store}})
	if err == nil {
		t.Fatal("Expected error when store cannot persist clocks")
	}

	// An explicit ClockStore fills the gap.
	client, err := Open(context.Background(), Config{Store: storeOnly{store}, ClockStore: store})
	if err != nil {
		t.Fatalf("Open with explicit ClockStore failed: %v", err)
	}
	_ = client.Close()
}

func TestOpenReusesClientID(t *testing.T) {
	store := NewMemoryStore("todos")

	first, err := Open(context.Background(), Config{Store: store})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id := first.ClientID()
	session := first.SessionID()
	_ = first.Close()

	second, err := Open(context.Background(), Config{Store: store})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer second.Close()

	if second.ClientID() != id {
		t.Errorf("Expected client id %q to survive reopen, got %q", id, second.ClientID())
	}
	if second.SessionID() == session {
		t.Error("Expected a fresh session id per Open")
	}
}

func TestClientCollectionUnknown(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.Collection("ghosts")
	if !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("Expected ErrUnknownCollection, got %v", err)
	}

	todos, err := client.Collection("todos")
	if err != nil {
		t.Fatalf("Collection failed: %v", err)
	}
	again, _ := client.Collection("todos")
	if todos != again {
		t.Error("Expected the same handle for repeated lookups")
	}
}

func TestClientClose(t *testing.T) {
	client, _ := newTestClient(t)

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}

	if _, err := client.Stamp(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Stamp, got %v", err)
	}
	if _, err := client.Collection("todos"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Collection, got %v", err)
	}
	if _, err := client.Snapshot(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Snapshot, got %v", err)
	}
}

func TestClientSetClock(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	restored := LogicalClock{Client: "restoredclient00", WallTime: time.Now().UnixMilli(), Counter: 9}
	if err := client.SetClock(ctx, restored); err != nil {
		t.Fatalf("SetClock failed: %v", err)
	}
	if client.ClientID() != "restoredclient00" {
		t.Errorf("Expected restored client id, got %q", client.ClientID())
	}

	stamp, err := client.Stamp(ctx)
	if err != nil {
		t.Fatalf("Stamp failed: %v", err)
	}
	if stamp <= restored.Pack() {
		t.Errorf("Expected stamp above restored clock, got %q", stamp)
	}
}

func TestClientStats(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	todos, _ := client.Collection("todos")
	if _, err := todos.Update(ctx, "todo-1", testFieldDelta(t, client, "title", "a")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := todos.Update(ctx, "todo-1", testFieldDelta(t, client, "title", "b")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	stats := client.Stats()
	if stats.LocalUpdates != 2 {
		t.Errorf("Expected 2 local updates, got %d", stats.LocalUpdates)
	}
}

// TestClientSyncLifecycle drives a full exchange by hand: announce, queue a
// local change, apply the server's ack plus a peer's delta, and end fully
// converged with an empty queue.
func TestClientSyncLifecycle(t *testing.T) {
	var network *fakeNetwork
	client, store := newTestClient(t, func(cfg *Config) {
		cfg.Network = newFakeNetworkFactory(&network)
	})
	ctx := context.Background()

	// A never-synced client announces every collection, cursor-less.
	msgs, err := network.binding.ProduceOutbound(ctx, false)
	if err != nil {
		t.Fatalf("ProduceOutbound failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 announce messages, got %d", len(msgs))
	}
	for _, msg := range msgs {
		if msg.ServerCursor != nil {
			t.Errorf("Expected nil cursor in announce for %q", msg.Collection)
		}
		if len(msg.Deltas) != 0 {
			t.Errorf("Expected no deltas in announce for %q", msg.Collection)
		}
	}

	// A local update queues a delta and pokes the transport.
	todos, _ := client.Collection("todos")
	delta := testFieldDelta(t, client, "title", "buy milk")
	if _, err := todos.Update(ctx, "todo-1", delta); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if network.dirty.Load() == 0 {
		t.Error("Expected Update to mark the network dirty")
	}

	msgs, err = network.binding.ProduceOutbound(ctx, false)
	if err != nil {
		t.Fatalf("ProduceOutbound failed: %v", err)
	}
	var sent *SyncMessage
	for i := range msgs {
		if msgs[i].Collection == "todos" {
			sent = &msgs[i]
		}
	}
	if sent == nil || len(sent.Deltas) != 1 {
		t.Fatalf("Expected one queued delta for todos, got %+v", msgs)
	}

	// The server acks our delta and relays another client's change.
	stamp, err := NewLWWMap().DeltaStamp(sent.Deltas[0].Delta)
	if err != nil {
		t.Fatalf("DeltaStamp failed: %v", err)
	}
	remote, err := FieldDelta("done", true, Stamp("2020-01-02T03:04:05.000Z-0001-remote0000000000"))
	if err != nil {
		t.Fatalf("FieldDelta failed: %v", err)
	}
	cursor := Cursor("cursor-1")
	inbound := []ServerMessage{
		{Ack: &AckMessage{Type: MessageTypeAck, Collection: "todos", DeltaStamp: stamp}},
		{Sync: &SyncMessage{
			Type:         MessageTypeSync,
			Collection:   "todos",
			ServerCursor: &cursor,
			Deltas:       []DeltaEnvelope{{Node: "todo-1", Delta: remote}},
		}},
	}
	if err := network.binding.ConsumeInbound(ctx, inbound); err != nil {
		t.Fatalf("ConsumeInbound failed: %v", err)
	}

	pending, err := store.PendingDeltas(ctx, "todos")
	if err != nil {
		t.Fatalf("PendingDeltas failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected acked queue to be empty, got %d deltas", len(pending))
	}

	value, ok, err := todos.Get(ctx, "todo-1")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(value) != `{"done":true,"title":"buy milk"}` {
		t.Errorf("Unexpected merged value: %s", value)
	}

	// Synced and quiet: nothing to send until something changes.
	msgs, err = network.binding.ProduceOutbound(ctx, false)
	if err != nil {
		t.Fatalf("ProduceOutbound failed: %v", err)
	}
	for _, msg := range msgs {
		if msg.Collection == "todos" {
			t.Errorf("Expected todos to be quiet after sync, got %+v", msg)
		}
	}

	// A reconnect re-announces everything, echoing the stored cursor.
	msgs, err = network.binding.ProduceOutbound(ctx, true)
	if err != nil {
		t.Fatalf("ProduceOutbound failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 reconnect announcements, got %d", len(msgs))
	}
	for _, msg := range msgs {
		if msg.Collection == "todos" {
			if msg.ServerCursor == nil || *msg.ServerCursor != "cursor-1" {
				t.Errorf("Expected reconnect to echo cursor-1, got %+v", msg.ServerCursor)
			}
		}
	}
}

// TestClientPeerContexts opens two clients over one shared store joined by
// a bus, the way an app embeds one engine per process or tab.
func TestClientPeerContexts(t *testing.T) {
	store := NewMemoryStore("todos")
	bus := NewContextBus()
	defer bus.Close()
	ctx := context.Background()

	open := func() *Client {
		t.Helper()
		client, err := Open(ctx, Config{Store: store, Bus: bus})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		t.Cleanup(func() { _ = client.Close() })
		return client
	}
	a := open()
	b := open()

	if a.ClientID() != b.ClientID() {
		t.Fatal("Expected contexts sharing a store to share a client id")
	}
	if a.SessionID() == b.SessionID() {
		t.Fatal("Expected distinct session ids")
	}

	todosA, _ := a.Collection("todos")
	todosB, _ := b.Collection("todos")

	// B reads through the shared store without any bus traffic.
	if _, err := todosA.Update(ctx, "todo-1", testFieldDelta(t, a, "title", "shared")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	value, ok, err := todosB.Get(ctx, "todo-1")
	if err != nil || !ok {
		t.Fatalf("Get on sibling failed: ok=%v err=%v", ok, err)
	}
	if string(value) != `{"title":"shared"}` {
		t.Errorf("Unexpected sibling value: %s", value)
	}

	// Now that B holds the node, A's next update reaches B's listener
	// through the bus.
	got := make(chan Value, 1)
	removeNode := todosB.SubscribeNode("todo-1", func(v Value) {
		select {
		case got <- v:
		default:
		}
	})
	defer removeNode()

	if _, err := todosA.Update(ctx, "todo-1", testFieldDelta(t, a, "done", true)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	select {
	case v := <-got:
		if string(v) != `{"done":true,"title":"shared"}` {
			t.Errorf("Unexpected propagated value: %s", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Peer change never reached the sibling context")
	}

	waitUntil(t, 2*time.Second, func() bool {
		return b.Stats().PeerChangesApplied >= 1
	})
	if sent := a.Stats().PeerChangesSent; sent < 2 {
		t.Errorf("Expected at least 2 broadcasts from A, got %d", sent)
	}
}
