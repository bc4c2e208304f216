package protocol

import "testing"

func TestNewMessageRoundTrip(t *testing.T) {
	type payload struct {
		Foo string `json:"foo"`
	}

	msg, err := NewMessage(MessageTypeMeterEvent, payload{Foo: "bar"}, "req-1")
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	raw, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if parsed.Type != MessageTypeMeterEvent {
		t.Errorf("Type = %q, want %q", parsed.Type, MessageTypeMeterEvent)
	}
	if parsed.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want %q", parsed.RequestID, "req-1")
	}

	var decoded payload
	if err := parsed.Decode(&decoded); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.Foo != "bar" {
		t.Errorf("decoded.Foo = %q, want %q", decoded.Foo, "bar")
	}
}

func TestErrorMessage(t *testing.T) {
	msg := ErrorMessage("device disconnected", "req-2")
	if msg.Type != MessageTypeError {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeError)
	}
	var data map[string]string
	if err := msg.Decode(&data); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if data["message"] != "device disconnected" {
		t.Errorf("message = %q, want %q", data["message"], "device disconnected")
	}
}

func TestPongMessagePreservesRequestID(t *testing.T) {
	msg := PongMessage("ping-123")
	if msg.Type != MessageTypePong {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypePong)
	}
	if msg.RequestID != "ping-123" {
		t.Errorf("RequestID = %q, want %q", msg.RequestID, "ping-123")
	}
}

func TestParseMessageInvalidJSON(t *testing.T) {
	if _, err := ParseMessage([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON, got nil")
	}
}

func TestChargeMapMessageType(t *testing.T) {
	msg, err := NewMessage(MessageTypeChargeMap, map[string]int{"q1": 80, "q2": 45}, "")
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if msg.Type != "charge.map" {
		t.Errorf("Type = %q, want %q", msg.Type, "charge.map")
	}
}
