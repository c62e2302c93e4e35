package driftsync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// applyInbound processes a batch of server messages. Collections are
// independent, so the batch fans out concurrently; the ordered steps for a
// single message run sequentially inside applyServerMessage.
//
// An error means some message did not fully persist. The transport treats
// that as a failed delivery: on reconnect the client re-announces its
// cursors and the server replays from there, which the idempotent merge
// absorbs.
func (c *Client) applyInbound(ctx context.Context, msgs []ServerMessage) error {
	if c.closed.Load() {
		return ErrClosed
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			return c.applyServerMessage(gctx, msg)
		})
	}
	return g.Wait()
}

func (c *Client) applyServerMessage(ctx context.Context, msg ServerMessage) error {
	switch {
	case msg.Sync != nil:
		return c.applySync(ctx, msg.Sync)
	case msg.Ack != nil:
		return c.applyAck(ctx, msg.Ack)
	}
	return fmt.Errorf("%w: empty server message", ErrBadMessage)
}

// applySync folds one server sync message into the client, in order:
// re-derive every delta's stamp from its content, persist the batch with
// the new cursor atomically, notify collection listeners, refresh the
// cache and notify node listeners, tell sibling contexts, and finally
// advance the clock past the batch's largest stamp.
func (c *Client) applySync(ctx context.Context, msg *SyncMessage) error {
	c.mu.Lock()
	_, known := c.state[msg.Collection]
	c.mu.Unlock()
	if !known {
		// Stale subscription or misrouted message; tolerated.
		c.logger.Debug("sync for unknown collection", "collection", msg.Collection)
		return nil
	}

	// Stamps come from delta payloads, never from message metadata, so a
	// peer cannot attribute a delta to someone else's clock.
	stamped := make([]PendingDelta, 0, len(msg.Deltas))
	changed := make([]NodeID, 0, len(msg.Deltas))
	seen := make(map[NodeID]struct{}, len(msg.Deltas))
	var maxStamp Stamp
	for _, env := range msg.Deltas {
		stamp, err := c.crdt.DeltaStamp(env.Delta)
		if err != nil {
			return newSyncError(SyncErrorTypeStamp, msg.Collection, "derive delta stamp", err)
		}
		stamped = append(stamped, PendingDelta{Node: env.Node, Delta: env.Delta, Stamp: stamp})
		if _, dup := seen[env.Node]; !dup {
			seen[env.Node] = struct{}{}
			changed = append(changed, env.Node)
		}
		if stamp > maxStamp {
			maxStamp = stamp
		}
	}

	var cursor Cursor
	if msg.ServerCursor != nil {
		cursor = *msg.ServerCursor
	}
	merged, err := c.store.ApplyDeltas(ctx, msg.Collection, stamped, cursor, c.crdt.Merge)
	if err != nil {
		return newSyncError(SyncErrorTypeStore, msg.Collection, "apply deltas", err)
	}

	// A cursor-only message moves the watermark and nothing else: no
	// listeners, no broadcast, no clock movement.
	if len(changed) > 0 {
		if _, err := c.fanoutChanges(msg.Collection, changed, merged, true); err != nil {
			return err
		}
		if err := c.clock.Recv(ctx, maxStamp); err != nil {
			return newSyncError(SyncErrorTypeClock, msg.Collection, "advance clock", err)
		}
	}

	c.statsMu.Lock()
	c.stats.MessagesApplied++
	c.stats.DeltasApplied += uint64(len(stamped))
	c.statsMu.Unlock()

	c.logger.Debug("applied sync", "collection", msg.Collection, "deltas", len(stamped), "nodes", len(changed))
	return nil
}

// applyAck drops acknowledged deltas from the outbound queue. Stamps the
// queue no longer holds are ignored: with at-least-once delivery the same
// ack can arrive twice, or arrive for deltas a previous ack already
// covered.
func (c *Client) applyAck(ctx context.Context, msg *AckMessage) error {
	c.mu.Lock()
	_, known := c.state[msg.Collection]
	c.mu.Unlock()
	if !known {
		c.logger.Debug("ack for unknown collection", "collection", msg.Collection)
		return nil
	}

	if err := c.store.DeleteDeltas(ctx, msg.Collection, msg.DeltaStamp); err != nil {
		return newSyncError(SyncErrorTypeStore, msg.Collection, "drop acked deltas", err)
	}

	c.statsMu.Lock()
	c.stats.AcksApplied++
	c.statsMu.Unlock()

	c.logger.Debug("applied ack", "collection", msg.Collection, "upTo", msg.DeltaStamp)
	return nil
}
