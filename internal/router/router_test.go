package router

import (
	"context"
	"encoding/json"
	"testing"

	"meterengine/internal/ai"
	"meterengine/internal/casestore"
	"meterengine/internal/orchestrator"
	"meterengine/internal/protocol"
	"meterengine/internal/r3r"
)

type fakeAuditor struct{}

func (f *fakeAuditor) Respond(ctx context.Context, pcText string, m ai.MeterContext, s ai.SessionContext) (string, error) {
	return "ack", nil
}

func (f *fakeAuditor) RespondConversational(ctx context.Context, pcText string, m ai.MeterContext, s ai.SessionContext, c ai.ChargeContext) (string, error) {
	return "ack", nil
}

func (f *fakeAuditor) Reset()            {}
func (f *fakeAuditor) ModelName() string { return "fake-model" }

func newTestRouter() *Router {
	var sent []protocol.Message
	_ = sent
	return New(Deps{
		Store:       casestore.NewMemoryStore(),
		DefaultMode: orchestrator.ModeStructured,
		Broadcast:   func(m protocol.Message) {},
	})
}

func decodeData[T any](t *testing.T, msg protocol.Message) T {
	t.Helper()
	var v T
	if err := msg.Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestPingRepliesPong(t *testing.T) {
	r := newTestRouter()
	reply := r.Dispatch(context.Background(), protocol.Message{Type: protocol.MessageTypePing, RequestID: "1"})
	if reply.Type != protocol.MessageTypePong {
		t.Errorf("Type = %v, want pong", reply.Type)
	}
	if reply.RequestID != "1" {
		t.Errorf("RequestID = %q, want 1", reply.RequestID)
	}
}

func TestUnknownMessageTypeReturnsError(t *testing.T) {
	r := newTestRouter()
	reply := r.Dispatch(context.Background(), protocol.Message{Type: "bogus.type"})
	if reply.Type != protocol.MessageTypeError {
		t.Errorf("Type = %v, want error", reply.Type)
	}
}

func TestPCLifecycleRoundTrip(t *testing.T) {
	r := newTestRouter()
	ctx := context.Background()

	createData, _ := json.Marshal(map[string]any{"firstName": "Jordan", "lastName": "Lee"})
	created := r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypePCCreate, Data: createData})
	if created.Type != protocol.MessageTypePCCreated {
		t.Fatalf("create Type = %v, want pc.created", created.Type)
	}
	var pc map[string]any
	_ = created.Decode(&pc)
	id, _ := pc["id"].(string)
	if id == "" {
		t.Fatal("expected created PC to have an id")
	}

	getData, _ := json.Marshal(map[string]string{"id": id})
	got := r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypePCGet, Data: getData})
	if got.Type != protocol.MessageTypePCData {
		t.Errorf("get Type = %v, want pc.data", got.Type)
	}

	listed := r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypePCList})
	var listResp struct {
		Profiles []map[string]any `json:"profiles"`
	}
	_ = listed.Decode(&listResp)
	if len(listResp.Profiles) != 1 {
		t.Errorf("len(Profiles) = %d, want 1", len(listResp.Profiles))
	}

	updateData, _ := json.Marshal(map[string]any{"id": id, "firstName": "Jordan", "lastName": "Smith"})
	updated := r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypePCUpdate, Data: updateData})
	if updated.Type != protocol.MessageTypePCUpdated {
		t.Errorf("update Type = %v, want pc.updated", updated.Type)
	}

	deleteData, _ := json.Marshal(map[string]string{"id": id})
	deleted := r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypePCDelete, Data: deleteData})
	if deleted.Type != protocol.MessageTypePCDeleted {
		t.Errorf("delete Type = %v, want pc.deleted", deleted.Type)
	}

	missing := r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypePCGet, Data: getData})
	if missing.Type != protocol.MessageTypeError {
		t.Errorf("get-after-delete Type = %v, want error", missing.Type)
	}
}

func TestDBStatusReportsFallbackModelNameWithoutAuditor(t *testing.T) {
	r := newTestRouter()
	reply := r.Dispatch(context.Background(), protocol.Message{Type: protocol.MessageTypeDBStatus})

	var data struct {
		AIModel string `json:"aiModel"`
		Ready   bool   `json:"ready"`
	}
	_ = reply.Decode(&data)
	if data.AIModel != "unavailable (missing ANTHROPIC_API_KEY)" {
		t.Errorf("aiModel = %q, want fallback string", data.AIModel)
	}
	if !data.Ready {
		t.Error("expected an in-memory store to report ready=true")
	}
}

func TestDBStatusReportsConfiguredModelName(t *testing.T) {
	r := New(Deps{
		Store:     casestore.NewMemoryStore(),
		Auditor:   &fakeAuditor{},
		Broadcast: func(m protocol.Message) {},
	})
	reply := r.Dispatch(context.Background(), protocol.Message{Type: protocol.MessageTypeDBStatus})
	var data struct {
		AIModel string `json:"aiModel"`
	}
	_ = reply.Decode(&data)
	if data.AIModel != "fake-model" {
		t.Errorf("aiModel = %q, want fake-model", data.AIModel)
	}
}

func TestSessionStartRequiresExistingPC(t *testing.T) {
	r := newTestRouter()
	data, _ := json.Marshal(map[string]string{"pcId": "nonexistent"})
	reply := r.Dispatch(context.Background(), protocol.Message{Type: protocol.MessageTypeSessionStart, Data: data})
	if reply.Type != protocol.MessageTypeError {
		t.Errorf("Type = %v, want error", reply.Type)
	}
}

func TestSessionStartAndEndLifecycle(t *testing.T) {
	r := newTestRouter()
	ctx := context.Background()

	pcData, _ := json.Marshal(map[string]any{"firstName": "Avery"})
	created := r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypePCCreate, Data: pcData})
	pc := decodeData[map[string]any](t, created)
	pcID := pc["id"].(string)

	startData, _ := json.Marshal(map[string]string{"pcId": pcID})
	started := r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypeSessionStart, Data: startData})
	if started.Type != protocol.MessageTypeSessionStarted {
		t.Fatalf("Type = %v, want session.started", started.Type)
	}

	if r.activeSession() == nil {
		t.Fatal("expected an active session after session.start")
	}

	// A second concurrent start attempt while one is mid-flight is
	// rejected; simulate by flipping the guard directly.
	r.mu.Lock()
	r.startingSession = true
	r.mu.Unlock()
	blocked := r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypeSessionStart, Data: startData})
	if blocked.Type != protocol.MessageTypeError {
		t.Errorf("Type = %v, want error for concurrent start", blocked.Type)
	}
	r.mu.Lock()
	r.startingSession = false
	r.mu.Unlock()

	ended := r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypeSessionEnd})
	if ended.Type != protocol.MessageTypeSessionEnded {
		t.Errorf("Type = %v, want session.ended", ended.Type)
	}
	if r.activeSession() != nil {
		t.Error("expected no active session after session.end")
	}
}

func TestSessionStartReplacesStaleActiveSession(t *testing.T) {
	r := newTestRouter()
	ctx := context.Background()

	pcData, _ := json.Marshal(map[string]any{"firstName": "Avery"})
	pc := decodeData[map[string]any](t, r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypePCCreate, Data: pcData}))
	pcID := pc["id"].(string)

	startData, _ := json.Marshal(map[string]string{"pcId": pcID})
	r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypeSessionStart, Data: startData})
	first := r.activeSession()

	r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypeSessionStart, Data: startData})
	second := r.activeSession()

	if second == nil || second == first {
		t.Fatal("expected a fresh active session replacing the stale one")
	}
}

func TestPCInputRequiresActiveSession(t *testing.T) {
	r := newTestRouter()
	data, _ := json.Marshal(map[string]string{"text": "hello"})
	reply := r.Dispatch(context.Background(), protocol.Message{Type: protocol.MessageTypePCInput, Data: data})
	if reply.Type != protocol.MessageTypeError {
		t.Errorf("Type = %v, want error", reply.Type)
	}
}

func TestMeterHistoryReturnsEmptyPlaceholder(t *testing.T) {
	r := newTestRouter()
	reply := r.Dispatch(context.Background(), protocol.Message{Type: protocol.MessageTypeMeterHistory})
	var data struct {
		Readings []any `json:"readings"`
	}
	_ = reply.Decode(&data)
	if data.Readings == nil || len(data.Readings) != 0 {
		t.Errorf("Readings = %v, want empty slice", data.Readings)
	}
}

func TestSessionStartInstallsConfiguredR3RMachine(t *testing.T) {
	var built int
	r := New(Deps{
		Store:       casestore.NewMemoryStore(),
		DefaultMode: orchestrator.ModeStructured,
		Broadcast:   func(m protocol.Message) {},
		NewR3RMachine: func() *r3r.Machine {
			built++
			return r3r.New(nil, nil)
		},
	})
	ctx := context.Background()

	pcData, _ := json.Marshal(map[string]any{"firstName": "Avery"})
	pc := decodeData[map[string]any](t, r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypePCCreate, Data: pcData}))
	pcID := pc["id"].(string)

	startData, _ := json.Marshal(map[string]string{"pcId": pcID})
	r.Dispatch(ctx, protocol.Message{Type: protocol.MessageTypeSessionStart, Data: startData})

	if built != 1 {
		t.Errorf("NewR3RMachine called %d times, want 1", built)
	}
}

func TestSessionRecoverRejectsUnknownSession(t *testing.T) {
	r := newTestRouter()
	data, _ := json.Marshal(map[string]string{"sessionId": "ghost", "pcId": "ghost-pc"})
	reply := r.Dispatch(context.Background(), protocol.Message{Type: protocol.MessageTypeSessionRecover, Data: data})
	if reply.Type != protocol.MessageTypeError {
		t.Errorf("Type = %v, want error for a session not resident in memory", reply.Type)
	}
}
