package event

import "encoding/json"

// Envelope is the broker message shape shared by the publisher and the
// worker: {"payload": <object|null>, "event_type": "<key>"}.
// The routing key always equals EventType.
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	EventType string          `json:"event_type"`
}

// HasPayload reports whether the envelope carries a real payload object.
// Control events (parcel.recalculate) publish payload: null.
func (e Envelope) HasPayload() bool {
	if len(e.Payload) == 0 {
		return false
	}
	return string(e.Payload) != "null"
}

// Encode serializes one outbox row for publishing. A nil payload
// serializes as the JSON literal null, never as a missing key.
func Encode(payload json.RawMessage, eventType string) ([]byte, error) {
	return json.Marshal(Envelope{Payload: payload, EventType: eventType})
}
