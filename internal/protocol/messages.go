// Package protocol defines the WebSocket IPC wire format shared between the
// router (component J) and the browser client: one envelope type and the
// full set of message-type strings it carries.
package protocol

import "encoding/json"

// MessageType identifies the payload shape carried in a Message's Data field.
type MessageType string

const (
	// Heartbeat
	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"

	// Connection lifecycle
	MessageTypeInit  MessageType = "init"
	MessageTypeError MessageType = "error"

	// PC profile CRUD
	MessageTypePCCreate   MessageType = "pc.create"
	MessageTypePCCreated  MessageType = "pc.created"
	MessageTypePCGet      MessageType = "pc.get"
	MessageTypePCData     MessageType = "pc.data"
	MessageTypePCList     MessageType = "pc.list"
	MessageTypePCListData MessageType = "pc.list.data"
	MessageTypePCUpdate   MessageType = "pc.update"
	MessageTypePCUpdated  MessageType = "pc.updated"
	MessageTypePCDelete   MessageType = "pc.delete"
	MessageTypePCDeleted  MessageType = "pc.deleted"

	// Session lifecycle
	MessageTypeSessionCreate     MessageType = "session.create"
	MessageTypeSessionCreated    MessageType = "session.created"
	MessageTypeSessionList       MessageType = "session.list"
	MessageTypeSessionListData   MessageType = "session.list.data"
	MessageTypeSessionStart      MessageType = "session.start"
	MessageTypeSessionStarted    MessageType = "session.started"
	MessageTypeSessionEnd        MessageType = "session.end"
	MessageTypeSessionEnded      MessageType = "session.ended"
	MessageTypeSessionPause      MessageType = "session.pause"
	MessageTypeSessionPaused     MessageType = "session.paused"
	MessageTypeSessionResume     MessageType = "session.resume"
	MessageTypeSessionResumed    MessageType = "session.resumed"
	MessageTypeSessionState      MessageType = "session.state"
	MessageTypeSessionRecover    MessageType = "session.recover"
	MessageTypeSessionRecovered MessageType = "session.recovered"

	// Meter (component A-D output, pushed at ~10Hz)
	MessageTypeMeterEvent        MessageType = "meter.event"
	MessageTypeMeterHistory      MessageType = "meter.history"
	MessageTypeMeterHistoryData MessageType = "meter.history.data"

	// State machine and transcript
	MessageTypeStateChange      MessageType = "state.change"
	MessageTypeTranscriptUpdate MessageType = "transcript.update"

	// Manual PC text input
	MessageTypePCInput MessageType = "pc.input"

	// Chat (AI auditor collaborator)
	MessageTypeChatMessage MessageType = "chat.message"
	MessageTypeChatTyping  MessageType = "chat.typing"

	// Audio (STT collaborator)
	MessageTypeAudioInput       MessageType = "audio.input"
	MessageTypeAudioTranscribed MessageType = "audio.transcribed"

	// Case store status
	MessageTypeDBStatus     MessageType = "db.status"
	MessageTypeDBStatusData MessageType = "db.status.data"

	// MessageTypeChargeMap carries the finalized per-question charge
	// records returned by charge.Tracker.GetChargeMap.
	MessageTypeChargeMap MessageType = "charge.map"
)

// Message is the single envelope every IPC frame is wrapped in, matching
// the wire shape `{"type": ..., "data": ..., "requestId": ...}`.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewMessage builds a Message by marshaling data into the envelope's Data field.
func NewMessage(t MessageType, data any, requestID string) (Message, error) {
	if data == nil {
		return Message{Type: t, RequestID: requestID}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Data: raw, RequestID: requestID}, nil
}

// ErrorMessage builds an "error" envelope.
func ErrorMessage(message string, requestID string) Message {
	msg, _ := NewMessage(MessageTypeError, map[string]string{"message": message}, requestID)
	return msg
}

// PongMessage builds a "pong" reply to a "ping", preserving its requestId.
func PongMessage(requestID string) Message {
	return Message{Type: MessageTypePong, RequestID: requestID}
}

// InitMessage builds the connection-bootstrap "init" envelope.
func InitMessage(version string, dbStatus any) (Message, error) {
	return NewMessage(MessageTypeInit, map[string]any{
		"version":  version,
		"dbStatus": dbStatus,
	}, "")
}

// Decode unmarshals the envelope's Data field into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// ParseMessage decodes a raw WebSocket frame into a Message envelope.
func ParseMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Marshal serializes the envelope back to wire bytes.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
