package opencode

import (
	"encoding/json"
	"fmt"
)

// Event types the sidecar cares about
const (
	EventSessionError    = "session.error"
	EventServerConnected = "server.connected"
	EventServerHeartbeat = "server.heartbeat"
)

// Event is one bus event from the OpenCode server
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`

	// Raw is the bus event document, unwrapped from any envelope
	Raw []byte `json:"-"`
}

// ParseEvent decodes an event stream payload. Payloads from /global/event
// wrap the event in a "payload" field; both shapes are accepted.
func ParseEvent(data []byte) (Event, error) {
	var envelope struct {
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Event{}, err
	}

	// Raw always holds the bus event itself, never the envelope.
	if envelope.Type == "" && len(envelope.Payload) > 0 && string(envelope.Payload) != "null" {
		return ParseEvent(envelope.Payload)
	}
	if envelope.Type == "" {
		return Event{}, fmt.Errorf("event without type")
	}

	return Event{
		Type:       envelope.Type,
		Properties: envelope.Properties,
		Raw:        append([]byte(nil), data...),
	}, nil
}

// IsKeepAlive reports connection bookkeeping events that carry no session
// information.
func (e Event) IsKeepAlive() bool {
	return e.Type == EventServerConnected || e.Type == EventServerHeartbeat
}
