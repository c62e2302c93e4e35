package driftsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// appendMerge is a trivial MergeFunc for store tests: state is the
// concatenation of applied delta payloads.
func appendMerge(data NodeData, delta Delta) (NodeData, error) {
	out := append(NodeData(nil), data...)
	return append(out, delta...), nil
}

func TestMemoryStore_Collections(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("todos", "notes")

	cols, err := store.Collections(ctx)
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	if len(cols) != 2 || cols[0] != "todos" || cols[1] != "notes" {
		t.Errorf("collections = %v", cols)
	}

	if _, err := store.PendingDeltas(ctx, "bogus"); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("err = %v, want ErrUnknownCollection", err)
	}
}

func TestMemoryStore_EnqueueAndPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("todos")

	// Enqueue out of stamp order; reads come back sorted.
	deltas := []PendingDelta{
		{Node: "t1", Delta: Delta(`"b"`), Stamp: "s2"},
		{Node: "t1", Delta: Delta(`"a"`), Stamp: "s1"},
	}
	merged, err := store.EnqueueDeltas(ctx, "todos", deltas, appendMerge)
	if err != nil {
		t.Fatalf("EnqueueDeltas: %v", err)
	}
	if string(merged["t1"]) != `"b""a"` {
		t.Errorf("merged = %s", merged["t1"])
	}

	pending, err := store.PendingDeltas(ctx, "todos")
	if err != nil {
		t.Fatalf("PendingDeltas: %v", err)
	}
	if len(pending) != 2 || pending[0].Stamp != "s1" || pending[1].Stamp != "s2" {
		t.Errorf("pending = %+v", pending)
	}

	// Queued payloads are isolated from caller mutation.
	deltas[0].Delta[0] = 'X'
	pending, _ = store.PendingDeltas(ctx, "todos")
	if string(pending[1].Delta) != `"b"` {
		t.Errorf("queued delta mutated: %s", pending[1].Delta)
	}
}

func TestMemoryStore_ApplyDeltas(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("todos")

	t.Run("merges and records cursor", func(t *testing.T) {
		merged, err := store.ApplyDeltas(ctx, "todos", []PendingDelta{
			{Node: "t1", Delta: Delta(`"x"`), Stamp: "s1"},
			{Node: "t2", Delta: Delta(`"y"`), Stamp: "s2"},
			{Node: "t1", Delta: Delta(`"z"`), Stamp: "s3"},
		}, "c1", appendMerge)
		if err != nil {
			t.Fatalf("ApplyDeltas: %v", err)
		}
		if string(merged["t1"]) != `"x""z"` || string(merged["t2"]) != `"y"` {
			t.Errorf("merged = %v", merged)
		}

		cursor, ok, err := store.ServerCursor(ctx, "todos")
		if err != nil || !ok || cursor != "c1" {
			t.Errorf("cursor = %q ok=%v err=%v", cursor, ok, err)
		}

		data, ok, err := store.Node(ctx, "todos", "t1")
		if err != nil || !ok || string(data) != `"x""z"` {
			t.Errorf("node = %s ok=%v err=%v", data, ok, err)
		}

		// Applied server deltas never enter the outbound queue.
		pending, _ := store.PendingDeltas(ctx, "todos")
		if len(pending) != 0 {
			t.Errorf("pending = %+v, want empty", pending)
		}
	})

	t.Run("empty batch still moves the cursor", func(t *testing.T) {
		if _, err := store.ApplyDeltas(ctx, "todos", nil, "c2", appendMerge); err != nil {
			t.Fatalf("ApplyDeltas: %v", err)
		}
		cursor, ok, _ := store.ServerCursor(ctx, "todos")
		if !ok || cursor != "c2" {
			t.Errorf("cursor = %q ok=%v, want c2", cursor, ok)
		}
	})

	t.Run("empty cursor leaves cursor unchanged", func(t *testing.T) {
		if _, err := store.ApplyDeltas(ctx, "todos", []PendingDelta{{Node: "t3", Delta: Delta(`"w"`), Stamp: "s4"}}, "", appendMerge); err != nil {
			t.Fatalf("ApplyDeltas: %v", err)
		}
		cursor, ok, _ := store.ServerCursor(ctx, "todos")
		if !ok || cursor != "c2" {
			t.Errorf("cursor = %q ok=%v, want unchanged c2", cursor, ok)
		}
	})

	t.Run("merge failure aborts the whole batch", func(t *testing.T) {
		before, _, _ := store.Node(ctx, "todos", "t1")
		_, err := store.ApplyDeltas(ctx, "todos", []PendingDelta{
			{Node: "t1", Delta: Delta(`"ok"`), Stamp: "s5"},
			{Node: "t2", Delta: Delta(`"boom"`), Stamp: "s6"},
		}, "c9", func(data NodeData, delta Delta) (NodeData, error) {
			if string(delta) == `"boom"` {
				return nil, fmt.Errorf("bad delta")
			}
			return appendMerge(data, delta)
		})
		if err == nil {
			t.Fatal("expected merge failure")
		}
		after, _, _ := store.Node(ctx, "todos", "t1")
		if string(before) != string(after) {
			t.Errorf("node mutated by failed batch: %s -> %s", before, after)
		}
		cursor, _, _ := store.ServerCursor(ctx, "todos")
		if cursor != "c2" {
			t.Errorf("cursor moved by failed batch: %q", cursor)
		}
	})
}

func TestMemoryStore_DeleteDeltas(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("todos")

	_, err := store.EnqueueDeltas(ctx, "todos", []PendingDelta{
		{Node: "t1", Delta: Delta(`"a"`), Stamp: "s1"},
		{Node: "t1", Delta: Delta(`"b"`), Stamp: "s2"},
		{Node: "t2", Delta: Delta(`"c"`), Stamp: "s3"},
	}, appendMerge)
	if err != nil {
		t.Fatalf("EnqueueDeltas: %v", err)
	}

	// Inclusive boundary.
	if err := store.DeleteDeltas(ctx, "todos", "s2"); err != nil {
		t.Fatalf("DeleteDeltas: %v", err)
	}
	pending, _ := store.PendingDeltas(ctx, "todos")
	if len(pending) != 1 || pending[0].Stamp != "s3" {
		t.Errorf("pending = %+v, want only s3", pending)
	}

	// Unknown stamps and replays are no-ops.
	if err := store.DeleteDeltas(ctx, "todos", "s2"); err != nil {
		t.Fatalf("DeleteDeltas replay: %v", err)
	}
	if err := store.DeleteDeltas(ctx, "todos", "s0"); err != nil {
		t.Fatalf("DeleteDeltas unknown: %v", err)
	}
	pending, _ = store.PendingDeltas(ctx, "todos")
	if len(pending) != 1 {
		t.Errorf("pending = %+v, want untouched", pending)
	}
}

func TestMemoryStore_NodeIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("todos")

	if _, _, err := store.Node(ctx, "todos", "absent"); err != nil {
		t.Fatalf("Node: %v", err)
	}
	if _, ok, _ := store.Node(ctx, "todos", "absent"); ok {
		t.Error("expected ok=false for absent node")
	}

	if _, err := store.ApplyDeltas(ctx, "todos", []PendingDelta{{Node: "t1", Delta: Delta(`"a"`), Stamp: "s1"}}, "", appendMerge); err != nil {
		t.Fatalf("ApplyDeltas: %v", err)
	}
	data, _, _ := store.Node(ctx, "todos", "t1")
	data[0] = 'X'
	fresh, _, _ := store.Node(ctx, "todos", "t1")
	if string(fresh) != `"a"` {
		t.Errorf("stored data mutated through returned slice: %s", fresh)
	}
}

func TestMemoryStore_Nodes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("todos")

	_, err := store.ApplyDeltas(ctx, "todos", []PendingDelta{
		{Node: "t1", Delta: Delta(`"a"`), Stamp: "s1"},
		{Node: "t2", Delta: Delta(`"b"`), Stamp: "s2"},
	}, "", appendMerge)
	if err != nil {
		t.Fatalf("ApplyDeltas: %v", err)
	}

	nodes, err := store.Nodes(ctx, "todos")
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	if len(nodes) != 2 || string(nodes["t1"]) != `"a"` || string(nodes["t2"]) != `"b"` {
		t.Errorf("nodes = %v", nodes)
	}
}

func TestMemoryStore_ClockRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, ok, err := store.LoadClock(ctx); ok || err != nil {
		t.Fatalf("LoadClock on empty store: ok=%v err=%v", ok, err)
	}

	clock := LogicalClock{Client: "aa", WallTime: 1700000000000, Counter: 3}
	if err := store.SaveClock(ctx, clock); err != nil {
		t.Fatalf("SaveClock: %v", err)
	}
	loaded, ok, err := store.LoadClock(ctx)
	if err != nil || !ok || loaded != clock {
		t.Errorf("LoadClock = %+v ok=%v err=%v", loaded, ok, err)
	}
}
