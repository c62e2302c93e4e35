package driftsync

import (
	"errors"
	"sync"
	"testing"
)

func TestStatusHub(t *testing.T) {
	hub := newStatusHub()

	if got := hub.Get(); got.State != SyncStateOffline {
		t.Errorf("Expected offline initial state, got %v", got.State)
	}

	var mu sync.Mutex
	var seen []SyncStatus
	remove := hub.Subscribe(func(s SyncStatus) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	hub.setState(SyncStateConnecting, nil)
	hub.setState(SyncStateOffline, errors.New("dial tcp: connection refused"))
	hub.setState(SyncStateOnline, nil)

	mu.Lock()
	if len(seen) != 3 {
		t.Fatalf("Expected 3 notifications, got %d", len(seen))
	}
	if seen[0].State != SyncStateConnecting {
		t.Errorf("Unexpected first state: %v", seen[0].State)
	}
	if seen[1].State != SyncStateOffline || seen[1].LastError == "" {
		t.Errorf("Expected offline with error, got %+v", seen[1])
	}
	// Going healthy clears the previous failure.
	if seen[2].State != SyncStateOnline || seen[2].LastError != "" {
		t.Errorf("Expected clean online status, got %+v", seen[2])
	}
	mu.Unlock()

	remove()
	hub.setState(SyncStateOffline, nil)
	mu.Lock()
	if len(seen) != 3 {
		t.Errorf("Expected no notifications after remove, got %d", len(seen))
	}
	mu.Unlock()

	if hub.Get().LastSync.IsZero() {
		hub.touchLastSync()
		if hub.Get().LastSync.IsZero() {
			t.Error("Expected touchLastSync to record progress")
		}
	}
}

func TestOfflineNetwork(t *testing.T) {
	network, err := OfflineNetwork()(NetworkBinding{})
	if err != nil {
		t.Fatalf("OfflineNetwork factory failed: %v", err)
	}

	if got := network.SyncStatus().State; got != SyncStateOffline {
		t.Errorf("Expected offline, got %v", got)
	}

	// Pokes and observers are accepted and inert.
	network.SetDirty()
	remove := network.OnSyncStatus(func(SyncStatus) {})
	remove()

	if err := network.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
