package driftsync

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// buildOutbound assembles the sync messages currently owed to the server,
// one per collection that qualifies. A collection is included when it has
// queued deltas, when it has never completed a sync (no cursor to announce
// means the server must decide where to start), or when reconnected forces
// a full announcement after a connection was rebuilt.
//
// Collections are independent, so they are examined concurrently; message
// order in the result carries no meaning.
func (c *Client) buildOutbound(ctx context.Context, reconnected bool) ([]SyncMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	msgs := make([]*SyncMessage, len(c.cols))
	g, gctx := errgroup.WithContext(ctx)
	for i, col := range c.cols {
		i, col := i, col
		g.Go(func() error {
			pending, err := c.store.PendingDeltas(gctx, col)
			if err != nil {
				return newSyncError(SyncErrorTypeStore, col, "read pending deltas", err)
			}
			cursor, hasCursor, err := c.store.ServerCursor(gctx, col)
			if err != nil {
				return newSyncError(SyncErrorTypeStore, col, "read cursor", err)
			}
			if len(pending) == 0 && hasCursor && !reconnected {
				return nil
			}

			envelopes := make([]DeltaEnvelope, len(pending))
			for j, p := range pending {
				envelopes[j] = DeltaEnvelope{Node: p.Node, Delta: p.Delta}
			}
			msg := newSyncMessage(col, cursor, hasCursor, envelopes)
			msgs[i] = &msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]SyncMessage, 0, len(c.cols))
	deltas := 0
	for _, msg := range msgs {
		if msg != nil {
			out = append(out, *msg)
			deltas += len(msg.Deltas)
		}
	}

	if len(out) > 0 {
		c.statsMu.Lock()
		c.stats.MessagesSent += uint64(len(out))
		c.stats.DeltasSent += uint64(deltas)
		c.statsMu.Unlock()
		c.logger.Debug("outbound pass", "messages", len(out), "deltas", deltas, "reconnected", reconnected)
	}
	return out, nil
}
