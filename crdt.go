package driftsync

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// LWWMap is the default CRDT: a last-writer-wins field map. A node's merged
// state is a JSON object mapping field names to registers, each register
// holding the field's value and the stamp of its latest assignment. A delta
// assigns one field; assigning JSON null tombstones it.
//
// Merge keeps the register with the greater stamp. Stamps are globally
// unique (client id is part of the stamp), so an equal stamp means the same
// assignment arrived again and the existing register is kept. That makes
// Merge commutative and idempotent.
type LWWMap struct{}

// NewLWWMap returns the CRDT used when a Config supplies none.
func NewLWWMap() *LWWMap {
	return &LWWMap{}
}

// lwwDelta is the payload of one field assignment.
type lwwDelta struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
	Stamp Stamp           `json:"stamp"`
}

// lwwRegister is one field's merged state.
type lwwRegister struct {
	Value json.RawMessage `json:"value"`
	Stamp Stamp           `json:"stamp"`
}

// FieldDelta builds an LWWMap delta assigning value to field under stamp.
// Passing a nil value tombstones the field: it stays in merged state but
// disappears from projected values.
func FieldDelta(field string, value any, stamp Stamp) (Delta, error) {
	if field == "" {
		return nil, fmt.Errorf("field delta: empty field name")
	}
	if stamp == "" {
		return nil, fmt.Errorf("field delta: empty stamp")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("field delta: encode value: %w", err)
	}
	return json.Marshal(lwwDelta{Field: field, Value: raw, Stamp: stamp})
}

// DeltaStamp implements CRDT.
func (m *LWWMap) DeltaStamp(delta Delta) (Stamp, error) {
	d, err := decodeLWWDelta(delta)
	if err != nil {
		return "", err
	}
	return d.Stamp, nil
}

// Merge implements CRDT.
func (m *LWWMap) Merge(data NodeData, delta Delta) (NodeData, error) {
	d, err := decodeLWWDelta(delta)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]lwwRegister)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("lww state: %w", err)
		}
		if fields == nil {
			fields = make(map[string]lwwRegister)
		}
	}

	if cur, ok := fields[d.Field]; !ok || d.Stamp > cur.Stamp {
		fields[d.Field] = lwwRegister{Value: d.Value, Stamp: d.Stamp}
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("lww state: %w", err)
	}
	return out, nil
}

// Value implements CRDT. Tombstoned fields are omitted; a node whose state
// is nil or entirely tombstoned projects as an empty object.
func (m *LWWMap) Value(data NodeData) (Value, error) {
	fields := make(map[string]lwwRegister)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("lww state: %w", err)
		}
	}

	doc := make(map[string]json.RawMessage, len(fields))
	for name, reg := range fields {
		if isJSONNull(reg.Value) {
			continue
		}
		doc[name] = reg.Value
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("lww value: %w", err)
	}
	return out, nil
}

func decodeLWWDelta(delta Delta) (lwwDelta, error) {
	var d lwwDelta
	if err := json.Unmarshal(delta, &d); err != nil {
		return lwwDelta{}, fmt.Errorf("lww delta: %w", err)
	}
	if d.Field == "" {
		return lwwDelta{}, fmt.Errorf("lww delta: missing field")
	}
	if d.Stamp == "" {
		return lwwDelta{}, fmt.Errorf("lww delta: missing stamp")
	}
	return d, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
