package driftsync

import (
	"encoding/json"
	"fmt"
)

// MessageType tags protocol messages on the wire.
type MessageType string

const (
	// MessageTypeSync carries deltas and a server cursor for one collection.
	MessageTypeSync MessageType = "sync"
	// MessageTypeAck confirms server-side durability up to a stamp.
	MessageTypeAck MessageType = "ack"
)

// DeltaEnvelope is one node's delta as it travels on the wire. Stamps do
// not travel alongside the payload: receivers re-derive them from delta
// content, so a peer cannot claim a foreign stamp in metadata.
type DeltaEnvelope struct {
	Node  NodeID `json:"node"`
	Delta Delta  `json:"delta"`
}

// SyncMessage announces one collection's sync state. Outbound it carries
// the client's queued deltas and its last known server cursor; inbound it
// carries the server's authoritative deltas and the new cursor. A null
// cursor means the sender has never completed a sync for the collection.
type SyncMessage struct {
	Type         MessageType     `json:"type"`
	Collection   CollectionID    `json:"collection"`
	ServerCursor *Cursor         `json:"serverCursor"`
	Deltas       []DeltaEnvelope `json:"deltas"`
}

// newSyncMessage assembles an outbound sync message. hasCursor=false emits
// an explicit null cursor.
func newSyncMessage(col CollectionID, cursor Cursor, hasCursor bool, deltas []DeltaEnvelope) SyncMessage {
	msg := SyncMessage{
		Type:       MessageTypeSync,
		Collection: col,
		Deltas:     deltas,
	}
	if hasCursor {
		c := cursor
		msg.ServerCursor = &c
	}
	return msg
}

// AckMessage confirms that the client's deltas up to and including
// DeltaStamp are durably stored server-side and may be dropped from the
// outbound queue.
type AckMessage struct {
	Type       MessageType  `json:"type"`
	Collection CollectionID `json:"collection"`
	DeltaStamp Stamp        `json:"deltaStamp"`
}

// ServerMessage is the decoded union of messages a server delivers.
// Exactly one field is set.
type ServerMessage struct {
	Sync *SyncMessage
	Ack  *AckMessage
}

// Collection returns the collection the message addresses.
func (m ServerMessage) Collection() CollectionID {
	switch {
	case m.Sync != nil:
		return m.Sync.Collection
	case m.Ack != nil:
		return m.Ack.Collection
	}
	return ""
}

// MarshalJSON writes the inner message, so mixed batches round-trip.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Sync != nil:
		return json.Marshal(m.Sync)
	case m.Ack != nil:
		return json.Marshal(m.Ack)
	}
	return nil, fmt.Errorf("%w: empty server message", ErrBadMessage)
}

// UnmarshalJSON decodes by message type.
func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeServerMessage(data)
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

// DecodeServerMessage decodes one JSON protocol message by its type tag.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	switch probe.Type {
	case MessageTypeSync:
		var msg SyncMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return ServerMessage{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		return ServerMessage{Sync: &msg}, nil
	case MessageTypeAck:
		var msg AckMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return ServerMessage{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		return ServerMessage{Ack: &msg}, nil
	default:
		return ServerMessage{}, fmt.Errorf("%w: unknown type %q", ErrBadMessage, probe.Type)
	}
}
