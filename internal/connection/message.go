package connection

import "encoding/json"

// MessageType is the "type" discriminator of control-channel frames.
type MessageType string

const (
	MessageHeartbeat      MessageType = "heartbeat"
	MessageHeartbeatAck   MessageType = "heartbeat_ack"
	MessageSessionCreated MessageType = "sessionCreated"
	MessageError          MessageType = "error"
	MessageSessionEnded   MessageType = "sessionEnded"
	MessageListenerCount  MessageType = "listenerCount"
)

// Message is an inbound frame. Raw holds the complete JSON object.
type Message struct {
	Type MessageType
	Raw  json.RawMessage
}

// Decode unmarshals the full frame into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Handler receives routed messages of one type.
type Handler func(msg Message)

type envelope struct {
	Type MessageType `json:"type"`
}
