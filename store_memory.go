package driftsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore implements Store, ClockStore and NodeLister in process
// memory. It backs tests and ephemeral contexts that sync from scratch on
// every start; several clients may share one instance to model sibling
// contexts on a device.
type MemoryStore struct {
	mu          sync.Mutex
	collections []CollectionID
	pending     map[CollectionID][]PendingDelta
	cursors     map[CollectionID]Cursor
	nodes       map[CollectionID]map[NodeID]NodeData
	clock       *LogicalClock
}

// NewMemoryStore creates a store tracking the given collections.
func NewMemoryStore(collections ...CollectionID) *MemoryStore {
	s := &MemoryStore{
		collections: append([]CollectionID(nil), collections...),
		pending:     make(map[CollectionID][]PendingDelta),
		cursors:     make(map[CollectionID]Cursor),
		nodes:       make(map[CollectionID]map[NodeID]NodeData),
	}
	for _, col := range collections {
		s.nodes[col] = make(map[NodeID]NodeData)
	}
	return s
}

// Collections implements Store.
func (s *MemoryStore) Collections(_ context.Context) ([]CollectionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CollectionID(nil), s.collections...), nil
}

// PendingDeltas implements Store.
func (s *MemoryStore) PendingDeltas(_ context.Context, col CollectionID) ([]PendingDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCollection(col); err != nil {
		return nil, err
	}
	out := make([]PendingDelta, 0, len(s.pending[col]))
	for _, d := range s.pending[col] {
		out = append(out, PendingDelta{
			Node:  d.Node,
			Delta: append(Delta(nil), d.Delta...),
			Stamp: d.Stamp,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp < out[j].Stamp })
	return out, nil
}

// ServerCursor implements Store.
func (s *MemoryStore) ServerCursor(_ context.Context, col CollectionID) (Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCollection(col); err != nil {
		return "", false, err
	}
	cursor, ok := s.cursors[col]
	return cursor, ok, nil
}

// ApplyDeltas implements Store.
func (s *MemoryStore) ApplyDeltas(_ context.Context, col CollectionID, deltas []PendingDelta, cursor Cursor, merge MergeFunc) (map[NodeID]NodeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCollection(col); err != nil {
		return nil, err
	}

	merged, err := s.mergeLocked(col, deltas, merge)
	if err != nil {
		return nil, err
	}

	for node, data := range merged {
		s.nodes[col][node] = data
	}
	if cursor != "" {
		s.cursors[col] = cursor
	}
	return copyNodeMap(merged), nil
}

// EnqueueDeltas implements Store.
func (s *MemoryStore) EnqueueDeltas(_ context.Context, col CollectionID, deltas []PendingDelta, merge MergeFunc) (map[NodeID]NodeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCollection(col); err != nil {
		return nil, err
	}

	merged, err := s.mergeLocked(col, deltas, merge)
	if err != nil {
		return nil, err
	}

	for node, data := range merged {
		s.nodes[col][node] = data
	}
	for _, d := range deltas {
		s.pending[col] = append(s.pending[col], PendingDelta{
			Node:  d.Node,
			Delta: append(Delta(nil), d.Delta...),
			Stamp: d.Stamp,
		})
	}
	return copyNodeMap(merged), nil
}

// DeleteDeltas implements Store.
func (s *MemoryStore) DeleteDeltas(_ context.Context, col CollectionID, upTo Stamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCollection(col); err != nil {
		return err
	}
	kept := s.pending[col][:0]
	for _, d := range s.pending[col] {
		if d.Stamp > upTo {
			kept = append(kept, d)
		}
	}
	s.pending[col] = kept
	return nil
}

// Node implements Store.
func (s *MemoryStore) Node(_ context.Context, col CollectionID, node NodeID) (NodeData, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCollection(col); err != nil {
		return nil, false, err
	}
	data, ok := s.nodes[col][node]
	if !ok {
		return nil, false, nil
	}
	return append(NodeData(nil), data...), true, nil
}

// Nodes implements NodeLister.
func (s *MemoryStore) Nodes(_ context.Context, col CollectionID) (map[NodeID]NodeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCollection(col); err != nil {
		return nil, err
	}
	return copyNodeMap(s.nodes[col]), nil
}

// LoadClock implements ClockStore.
func (s *MemoryStore) LoadClock(_ context.Context) (LogicalClock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock == nil {
		return LogicalClock{}, false, nil
	}
	return *s.clock, true, nil
}

// SaveClock implements ClockStore.
func (s *MemoryStore) SaveClock(_ context.Context, clock LogicalClock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := clock
	s.clock = &c
	return nil
}

// mergeLocked folds deltas into a scratch map without touching store state,
// so a failing merge aborts the whole batch.
func (s *MemoryStore) mergeLocked(col CollectionID, deltas []PendingDelta, merge MergeFunc) (map[NodeID]NodeData, error) {
	merged := make(map[NodeID]NodeData, len(deltas))
	for _, d := range deltas {
		base, ok := merged[d.Node]
		if !ok {
			base = s.nodes[col][d.Node]
		}
		out, err := merge(base, d.Delta)
		if err != nil {
			return nil, fmt.Errorf("merge node %q: %w", d.Node, err)
		}
		merged[d.Node] = out
	}
	return merged, nil
}

func (s *MemoryStore) checkCollection(col CollectionID) error {
	for _, c := range s.collections {
		if c == col {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownCollection, col)
}

func copyNodeMap(in map[NodeID]NodeData) map[NodeID]NodeData {
	out := make(map[NodeID]NodeData, len(in))
	for node, data := range in {
		out[node] = append(NodeData(nil), data...)
	}
	return out
}
