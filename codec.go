package driftsync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// Frame layout: one flag byte followed by a JSON array of protocol
// messages, optionally snappy block compressed. The flag byte keeps the
// wire format self-describing so a server can answer compressed or plain
// regardless of what the client sent.
const (
	frameFlagSnappy byte = 1 << 0

	// defaultCompressMin is the payload size below which compression is
	// skipped. Tiny frames grow under snappy.
	defaultCompressMin = 512
)

// FrameCodec encodes batches of protocol messages into transport frames.
// The zero value encodes uncompressed frames and decodes both kinds.
type FrameCodec struct {
	// Compress enables snappy compression of frame payloads.
	Compress bool
	// CompressMin is the minimum payload size in bytes before compression
	// is attempted. Default: 512.
	CompressMin int
}

// EncodeFrame marshals a batch of protocol messages into one frame. msgs
// must marshal to a JSON array ([]SyncMessage, []ServerMessage, ...).
func (c FrameCodec) EncodeFrame(msgs any) ([]byte, error) {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	min := c.CompressMin
	if min <= 0 {
		min = defaultCompressMin
	}
	if c.Compress && len(payload) >= min {
		return append([]byte{frameFlagSnappy}, snappy.Encode(nil, payload)...), nil
	}
	return append([]byte{0}, payload...), nil
}

// DecodeServerFrame decodes a frame of server-to-client messages.
func (c FrameCodec) DecodeServerFrame(frame []byte) ([]ServerMessage, error) {
	payload, err := c.decodePayload(frame)
	if err != nil {
		return nil, err
	}
	var msgs []ServerMessage
	if err := json.Unmarshal(payload, &msgs); err != nil {
		if errors.Is(err, ErrBadMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return msgs, nil
}

// DecodeClientFrame decodes a frame of client-to-server messages. The
// client only encodes this direction; servers and tests decode it.
func (c FrameCodec) DecodeClientFrame(frame []byte) ([]SyncMessage, error) {
	payload, err := c.decodePayload(frame)
	if err != nil {
		return nil, err
	}
	var msgs []SyncMessage
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	for _, msg := range msgs {
		if msg.Type != MessageTypeSync {
			return nil, fmt.Errorf("%w: unexpected type %q in client frame", ErrBadMessage, msg.Type)
		}
	}
	return msgs, nil
}

func (c FrameCodec) decodePayload(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrBadMessage)
	}
	payload := frame[1:]
	if frame[0]&frameFlagSnappy != 0 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrBadMessage, err)
		}
		payload = decoded
	}
	return payload, nil
}
