// Package protocol defines the wire protocol shared by the conductor and the
// worker agent. Both streaming namespaces (/workers for agents, /operators for
// the UI) carry newline-framed JSON events of the shape:
//
//	{"event":"worker:ping","payload":{"timestamp":1712345678901}}
//
// One event per WebSocket text frame, terminated by a newline (json.Encoder
// writes it natively). Payload structs, event names, and the error code
// taxonomy live here so neither side depends on the other's internals.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame is the envelope for every event on either namespace. Payload is kept
// raw so the dispatch loop can switch on Event before committing to a type.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewFrame marshals payload and wraps it in a Frame for event.
func NewFrame(event string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: marshaling %s payload: %w", event, err)
	}
	return Frame{Event: event, Payload: raw}, nil
}

// Encode serializes a frame to its wire form: a single JSON object followed
// by a newline.
func Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(f); err != nil {
		return nil, fmt.Errorf("protocol: encoding frame %s: %w", f.Event, err)
	}
	return buf.Bytes(), nil
}

// Decode parses one wire frame. A missing or empty event name is rejected so
// the caller can surface a Validation error instead of silently dropping.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("protocol: frame missing event name")
	}
	return f, nil
}

// DecodePayload unmarshals a frame's payload into dst, rejecting unknown
// fields. Strict decoding keeps malformed or stale clients from smuggling
// fields the protocol does not define.
func DecodePayload(f Frame, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(f.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("protocol: invalid %s payload: %w", f.Event, err)
	}
	return nil
}
