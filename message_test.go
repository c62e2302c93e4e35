package driftsync

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeServerMessage(t *testing.T) {
	t.Run("sync", func(t *testing.T) {
		raw := `{"type":"sync","collection":"todos","serverCursor":"c42","deltas":[{"node":"t1","delta":{"field":"title","value":"x","stamp":"s1"}}]}`
		msg, err := DecodeServerMessage([]byte(raw))
		if err != nil {
			t.Fatalf("DecodeServerMessage: %v", err)
		}
		if msg.Sync == nil || msg.Ack != nil {
			t.Fatalf("expected sync message, got %+v", msg)
		}
		if msg.Sync.Collection != "todos" {
			t.Errorf("collection = %q", msg.Sync.Collection)
		}
		if msg.Sync.ServerCursor == nil || *msg.Sync.ServerCursor != "c42" {
			t.Errorf("cursor = %v", msg.Sync.ServerCursor)
		}
		if len(msg.Sync.Deltas) != 1 || msg.Sync.Deltas[0].Node != "t1" {
			t.Errorf("deltas = %+v", msg.Sync.Deltas)
		}
		if msg.Collection() != "todos" {
			t.Errorf("Collection() = %q", msg.Collection())
		}
	})

	t.Run("sync with null cursor", func(t *testing.T) {
		raw := `{"type":"sync","collection":"todos","serverCursor":null,"deltas":[]}`
		msg, err := DecodeServerMessage([]byte(raw))
		if err != nil {
			t.Fatalf("DecodeServerMessage: %v", err)
		}
		if msg.Sync.ServerCursor != nil {
			t.Errorf("cursor = %v, want nil", msg.Sync.ServerCursor)
		}
	})

	t.Run("ack", func(t *testing.T) {
		raw := `{"type":"ack","collection":"todos","deltaStamp":"2026-08-25T09:30:01.204Z-0001-aa"}`
		msg, err := DecodeServerMessage([]byte(raw))
		if err != nil {
			t.Fatalf("DecodeServerMessage: %v", err)
		}
		if msg.Ack == nil || msg.Sync != nil {
			t.Fatalf("expected ack message, got %+v", msg)
		}
		if msg.Ack.DeltaStamp != "2026-08-25T09:30:01.204Z-0001-aa" {
			t.Errorf("stamp = %q", msg.Ack.DeltaStamp)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := DecodeServerMessage([]byte(`{"type":"nack"}`))
		if !errors.Is(err, ErrBadMessage) {
			t.Errorf("err = %v, want ErrBadMessage", err)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := DecodeServerMessage([]byte(`{{`))
		if !errors.Is(err, ErrBadMessage) {
			t.Errorf("err = %v, want ErrBadMessage", err)
		}
	})
}

func TestSyncMessageWireShape(t *testing.T) {
	t.Run("null cursor announces never synced", func(t *testing.T) {
		msg := newSyncMessage("todos", "", false, nil)
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !strings.Contains(string(data), `"serverCursor":null`) {
			t.Errorf("wire form missing explicit null cursor: %s", data)
		}
		if !strings.Contains(string(data), `"type":"sync"`) {
			t.Errorf("wire form missing type tag: %s", data)
		}
	})

	t.Run("cursor echoes verbatim", func(t *testing.T) {
		msg := newSyncMessage("todos", "c42", true, []DeltaEnvelope{{Node: "t1", Delta: Delta(`{"x":1}`)}})
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !strings.Contains(string(data), `"serverCursor":"c42"`) {
			t.Errorf("wire form missing cursor: %s", data)
		}
		if !strings.Contains(string(data), `"delta":{"x":1}`) {
			t.Errorf("delta payload not verbatim: %s", data)
		}
	})
}

func TestServerMessageRoundTrip(t *testing.T) {
	cursor := Cursor("c7")
	batch := []ServerMessage{
		{Sync: &SyncMessage{Type: MessageTypeSync, Collection: "todos", ServerCursor: &cursor, Deltas: []DeltaEnvelope{}}},
		{Ack: &AckMessage{Type: MessageTypeAck, Collection: "todos", DeltaStamp: "s9"}},
	}

	data, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded []ServerMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded %d messages, want 2", len(decoded))
	}
	if decoded[0].Sync == nil || decoded[0].Sync.Collection != "todos" {
		t.Errorf("first message = %+v", decoded[0])
	}
	if decoded[1].Ack == nil || decoded[1].Ack.DeltaStamp != "s9" {
		t.Errorf("second message = %+v", decoded[1])
	}

	if _, err := json.Marshal(ServerMessage{}); err == nil {
		t.Error("expected error marshaling empty union")
	}
}
