package protocol

import (
	"encoding/json"
	"fmt"
)

// Packet is the unified message envelope on the reliable-ordered channel.
// Seq is a per-sender monotonically increasing counter; 0 disables replay
// checks.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps v in a packet of the given type.
func Encode(msgType string, v interface{}) (*Packet, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msgType, err)
	}
	return &Packet{Type: msgType, Payload: raw}, nil
}

// Decode unmarshals a packet payload into T.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, fmt.Errorf("protocol: empty payload")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("protocol: decode: %w", err)
	}
	return v, nil
}

// Marshal encodes the whole packet for the wire.
func (p *Packet) Marshal() ([]byte, error) {
	return json.Marshal(p)
}
