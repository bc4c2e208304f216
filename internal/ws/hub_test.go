package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meterengine/config"
	"meterengine/internal/meter"
	"meterengine/internal/protocol"

	"github.com/gorilla/websocket"
)

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ context.Context, msg protocol.Message) protocol.Message {
	if msg.Type == protocol.MessageTypePing {
		return protocol.PongMessage(msg.RequestID)
	}
	return protocol.Message{}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.WebSocket.ReadBufferSize = 1024
	cfg.Server.WebSocket.WriteBufferSize = 1024
	cfg.Server.WebSocket.MaxMessageSize = 1 << 20
	cfg.Session.SendQueueSize = 16
	cfg.Session.MaxSendErrors = 3
	return cfg
}

func dialHub(t *testing.T, h *Hub) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, srv
}

func TestServeHTTPSendsInitThenRepliesToPing(t *testing.T) {
	h := NewHub(testConfig(), echoDispatcher{})
	conn, srv := dialHub(t, h)
	defer srv.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initMsg protocol.Message
	if err := conn.ReadJSON(&initMsg); err != nil {
		t.Fatalf("read init: %v", err)
	}
	if initMsg.Type != protocol.MessageTypeInit {
		t.Errorf("first message Type = %v, want init", initMsg.Type)
	}

	ping, _ := protocol.NewMessage(protocol.MessageTypePing, nil, "req-1")
	raw, _ := ping.Marshal()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong protocol.Message
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != protocol.MessageTypePong || pong.RequestID != "req-1" {
		t.Errorf("pong = %+v, want type=pong requestId=req-1", pong)
	}
}

func TestBroadcastEventFansOutToConnectedClients(t *testing.T) {
	h := NewHub(testConfig(), echoDispatcher{})
	conn, srv := dialHub(t, h)
	defer srv.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initMsg protocol.Message
	if err := conn.ReadJSON(&initMsg); err != nil {
		t.Fatalf("read init: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", h.ClientCount())
	}

	h.BroadcastEvent(meter.NewMeterEvent("sess-1"), map[string]any{"hardwareConnected": false})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev protocol.Message
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read meter event: %v", err)
	}
	if ev.Type != protocol.MessageTypeMeterEvent {
		t.Errorf("Type = %v, want meter.event", ev.Type)
	}
}

func TestCloseTearsDownClients(t *testing.T) {
	h := NewHub(testConfig(), echoDispatcher{})
	conn, srv := dialHub(t, h)
	defer srv.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initMsg protocol.Message
	_ = conn.ReadJSON(&initMsg)

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.Close()
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount after Close = %d, want 0", h.ClientCount())
	}
}
