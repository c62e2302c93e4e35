// Package driftsync provides an embedded client-side sync engine for
// replicated, conflict-free collections. It keeps a durable local store of
// CRDT node state and queued deltas, exchanges delta batches with a sync
// server over a pluggable transport, and fans change notifications out to
// in-process listeners and to sibling execution contexts sharing the same
// store.
//
// The engine assumes at-least-once message delivery and leans on the CRDT
// merge being commutative and idempotent: duplicated or reordered deltas
// converge to the same state, so transports can retry freely.
//
// # Basic Usage
//
//	store := driftsync.NewMemoryStore("todos")
//	client, err := driftsync.Open(ctx, driftsync.Config{
//		Store:   store,
//		Network: driftsync.WebSocketNetwork(driftsync.DefaultWebSocketConfig("wss://sync.example.com/v1")),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	todos, err := client.Collection("todos")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	stamp, _ := client.Stamp(ctx)
//	delta, _ := driftsync.FieldDelta("title", "buy milk", stamp)
//	value, err := todos.Update(ctx, "t1", delta)
//
// # Features
//
//   - Hybrid logical clock with packed, lexicographically ordered stamps
//   - Last-writer-wins field-map CRDT, or bring your own via the CRDT interface
//   - Durable stores: in-memory and SQLite, with optional at-rest encryption
//   - WebSocket transport with reconnect backoff and snappy frame compression
//   - Peer bus propagating changes between contexts sharing one store
//   - Optional Prometheus remote-write telemetry and S3 snapshot archiving
//
// # Configuration
//
// All behavior is driven by [Config]. Collaborators (store, CRDT, transport,
// peer bus) are interfaces supplied in code; tunables load from YAML via
// [LoadConfigFile]. See [DefaultConfig] for the defaults.
package driftsync
