package driftsync

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
)

// stampTimeLayout is the fixed-width wall-clock prefix of a packed stamp.
// Fixed width is what keeps lexicographic order on stamps aligned with
// causal order. The trailing Z is a literal; stamps are always UTC.
const stampTimeLayout = "2006-01-02T15:04:05.000Z"

// Stamp is the packed, sortable form of a LogicalClock: UTC millisecond
// wall time, a four-digit uppercase hex counter, and the issuing client id,
// e.g. "2026-08-25T09:30:01.204Z-0003-9f8e7d6c5b4a3f2e". Comparing stamps
// as strings compares them causally.
type Stamp string

// LogicalClock is a hybrid logical clock: wall-clock milliseconds plus a
// counter that breaks ties within one millisecond, owned by one client.
type LogicalClock struct {
	// Client is the replica that issues stamps from this clock.
	Client ClientID `json:"client"`
	// WallTime is the clock's wall component in Unix milliseconds.
	WallTime int64 `json:"wall_time"`
	// Counter orders stamps issued within the same millisecond.
	Counter uint16 `json:"counter"`
}

// Pack returns the stamp form of the clock.
func (c LogicalClock) Pack() Stamp {
	return Stamp(fmt.Sprintf("%s-%04X-%s",
		time.UnixMilli(c.WallTime).UTC().Format(stampTimeLayout),
		c.Counter,
		c.Client))
}

// String implements fmt.Stringer.
func (c LogicalClock) String() string {
	return string(c.Pack())
}

// ParseStamp unpacks a stamp into its clock components.
func ParseStamp(s Stamp) (LogicalClock, error) {
	const (
		timeEnd    = len(stampTimeLayout) // 24
		counterEnd = timeEnd + 5          // "-FFFF"
		minLen     = counterEnd + 2       // "-" plus one client byte
	)
	raw := string(s)
	if len(raw) < minLen || raw[timeEnd] != '-' || raw[counterEnd] != '-' {
		return LogicalClock{}, fmt.Errorf("%w: %q", ErrBadStamp, s)
	}
	wall, err := time.Parse(stampTimeLayout, raw[:timeEnd])
	if err != nil {
		return LogicalClock{}, fmt.Errorf("%w: %q: %v", ErrBadStamp, s, err)
	}
	counter, err := strconv.ParseUint(raw[timeEnd+1:counterEnd], 16, 16)
	if err != nil {
		return LogicalClock{}, fmt.Errorf("%w: %q: %v", ErrBadStamp, s, err)
	}
	return LogicalClock{
		Client:   ClientID(raw[counterEnd+1:]),
		WallTime: wall.UnixMilli(),
		Counter:  uint16(counter),
	}, nil
}

// ClockStore durably persists the logical clock across restarts. Both
// built-in stores implement it.
type ClockStore interface {
	// LoadClock returns the persisted clock, ok=false when none exists yet.
	LoadClock(ctx context.Context) (LogicalClock, bool, error)

	// SaveClock durably records the clock. It is called on every clock
	// mutation, before the resulting stamp escapes the process.
	SaveClock(ctx context.Context, clock LogicalClock) error
}

// clockManager owns the client's hybrid logical clock. All mutation goes
// through it, serialized under one mutex so persisted states can never land
// out of order.
type clockManager struct {
	store    ClockStore
	maxDrift time.Duration
	now      func() time.Time

	mu    sync.Mutex
	clock LogicalClock
}

// newClockManager loads the persisted clock, minting and persisting a fresh
// identity when the store holds none.
func newClockManager(ctx context.Context, store ClockStore, maxDrift time.Duration, now func() time.Time) (*clockManager, error) {
	if now == nil {
		now = time.Now
	}
	if maxDrift <= 0 {
		maxDrift = DefaultMaxClockDrift
	}
	clock, ok, err := store.LoadClock(ctx)
	if err != nil {
		return nil, fmt.Errorf("load clock: %w", err)
	}
	if !ok {
		client, err := newClientID()
		if err != nil {
			return nil, err
		}
		clock = LogicalClock{Client: client, WallTime: now().UnixMilli()}
		if err := store.SaveClock(ctx, clock); err != nil {
			return nil, fmt.Errorf("persist clock: %w", err)
		}
	}
	return &clockManager{store: store, maxDrift: maxDrift, now: now, clock: clock}, nil
}

// ClientID returns the replica identity the clock stamps for.
func (m *clockManager) ClientID() ClientID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Client
}

// Current returns a copy of the clock.
func (m *clockManager) Current() LogicalClock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

// Stamp advances the clock against wall time, persists it, and returns the
// packed form. Every locally produced delta must consume exactly one stamp,
// so consecutive calls are strictly increasing. A persistence failure is
// returned to the caller, but the in-memory clock stays advanced: a stamp
// state must never be observed twice.
func (m *clockManager) Stamp(ctx context.Context) (Stamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	next := m.clock
	if now > next.WallTime {
		next.WallTime = now
		next.Counter = 0
	} else {
		if next.WallTime-now > m.maxDrift.Milliseconds() {
			return "", fmt.Errorf("%w: clock is %dms ahead of wall time", ErrClockDrift, next.WallTime-now)
		}
		if next.Counter == math.MaxUint16 {
			return "", ErrCounterOverflow
		}
		next.Counter++
	}

	m.clock = next
	if err := m.store.SaveClock(ctx, next); err != nil {
		return "", fmt.Errorf("persist clock: %w", err)
	}
	return next.Pack(), nil
}

// Recv folds a remote stamp into the clock using the hybrid-logical-clock
// receive rule and persists the result, guaranteeing that stamps issued
// after Recv order above everything received. Callers pass the maximum
// stamp of an inbound batch; passing one of this client's own echoed
// stamps is harmless.
func (m *clockManager) Recv(ctx context.Context, remote Stamp) error {
	rc, err := ParseStamp(remote)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	if rc.WallTime-now > m.maxDrift.Milliseconds() {
		return fmt.Errorf("%w: remote stamp is %dms ahead of wall time", ErrClockDrift, rc.WallTime-now)
	}

	next := m.clock
	switch {
	case now > next.WallTime && now > rc.WallTime:
		next.WallTime = now
		next.Counter = 0
	case next.WallTime == rc.WallTime:
		counter := next.Counter
		if rc.Counter > counter {
			counter = rc.Counter
		}
		if counter == math.MaxUint16 {
			return ErrCounterOverflow
		}
		next.Counter = counter + 1
	case next.WallTime > rc.WallTime:
		if next.Counter == math.MaxUint16 {
			return ErrCounterOverflow
		}
		next.Counter++
	default:
		if rc.Counter == math.MaxUint16 {
			return ErrCounterOverflow
		}
		next.WallTime = rc.WallTime
		next.Counter = rc.Counter + 1
	}

	m.clock = next
	if err := m.store.SaveClock(ctx, next); err != nil {
		return fmt.Errorf("persist clock: %w", err)
	}
	return nil
}

// SetClock overrides the clock state and persists it. Restore paths use it
// after importing state minted elsewhere.
func (m *clockManager) SetClock(ctx context.Context, clock LogicalClock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	if err := m.store.SaveClock(ctx, clock); err != nil {
		return fmt.Errorf("persist clock: %w", err)
	}
	return nil
}
