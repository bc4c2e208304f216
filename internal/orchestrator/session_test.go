package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"meterengine/internal/ai"
	"meterengine/internal/casestore"
	"meterengine/internal/charge"
	"meterengine/internal/meter"
	"meterengine/internal/protocol"
)

type fakeAuditor struct {
	replies []string
	calls   int
	err     error
	resets  int
}

func (f *fakeAuditor) Respond(ctx context.Context, pcText string, m ai.MeterContext, s ai.SessionContext) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	reply := "ack"
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	}
	f.calls++
	return reply, nil
}

func (f *fakeAuditor) RespondConversational(ctx context.Context, pcText string, m ai.MeterContext, s ai.SessionContext, c ai.ChargeContext) (string, error) {
	return f.Respond(ctx, pcText, m, s)
}

func (f *fakeAuditor) Reset()            { f.resets++ }
func (f *fakeAuditor) ModelName() string { return "fake-model" }

type fakeCharge struct {
	asked   []string
	latest  *charge.QuestionCharge
	history []charge.QuestionCharge
}

func (f *fakeCharge) QuestionAsked(text string, askedAt time.Time) {
	f.asked = append(f.asked, text)
}

func (f *fakeCharge) GetAnalysis() charge.Analysis {
	return charge.Analysis{Latest: f.latest, History: f.history}
}

func (f *fakeCharge) GetChargeMap() []charge.QuestionCharge { return f.history }

func TestStartEntersStartRudiments(t *testing.T) {
	var sent []string
	s := New("pc-1", "sess-1", ModeStructured, func(m protocol.Message) { sent = append(sent, string(m.Type)) }, nil, nil, nil, nil)

	s.Start()

	state := s.GetState()
	if state.Phase != casestore.SessionPhaseStartRudiments {
		t.Errorf("Phase = %v, want start_rudiments", state.Phase)
	}
	if state.CurrentCommand != startRudiments[0] {
		t.Errorf("CurrentCommand = %q, want first start rudiment", state.CurrentCommand)
	}
	if len(sent) == 0 {
		t.Error("expected Start to broadcast at least one message")
	}
}

func TestProcessPCInputAdvancesThroughStartRudiments(t *testing.T) {
	s := New("pc-1", "sess-1", ModeStructured, func(m protocol.Message) {}, nil, nil, nil, nil)
	s.Start()

	for i := 1; i < len(startRudiments); i++ {
		snap := s.ProcessPCInput(context.Background(), "ok", nil)
		if snap.Phase != casestore.SessionPhaseStartRudiments {
			t.Fatalf("step %d: Phase = %v, want start_rudiments", i, snap.Phase)
		}
		if snap.CurrentCommand != startRudiments[i] {
			t.Fatalf("step %d: CurrentCommand = %q, want %q", i, snap.CurrentCommand, startRudiments[i])
		}
	}

	final := s.ProcessPCInput(context.Background(), "ok", nil)
	if final.Phase != casestore.SessionPhaseProcessing {
		t.Errorf("Phase = %v, want processing after final start rudiment", final.Phase)
	}
	if final.R3RState == "" {
		t.Error("expected R3RState to be populated once processing begins")
	}
}

func TestProcessPCInputUsesAuditorReplyWhenAvailable(t *testing.T) {
	auditor := &fakeAuditor{replies: []string{"Tell me more about that incident."}}
	s := New("pc-1", "sess-1", ModeStructured, func(m protocol.Message) {}, auditor, nil, nil, nil)
	s.Start()
	for i := 1; i < len(startRudiments); i++ {
		s.ProcessPCInput(context.Background(), "ok", nil)
	}
	s.ProcessPCInput(context.Background(), "ok", nil) // enters PROCESSING

	if auditor.resets != 1 {
		t.Errorf("auditor.Reset() calls = %d, want 1", auditor.resets)
	}

	snap := s.ProcessPCInput(context.Background(), "there was an incident", &meter.MeterEvent{NeedleAction: meter.NeedleFall, ToneArm: 2.5})
	if snap.CurrentCommand != "Tell me more about that incident." {
		t.Errorf("CurrentCommand = %q, want the AI reply", snap.CurrentCommand)
	}
}

func TestProcessPCInputFallsBackToR3RCommandOnAuditorError(t *testing.T) {
	auditor := &fakeAuditor{err: errors.New("model unavailable")}
	s := New("pc-1", "sess-1", ModeStructured, func(m protocol.Message) {}, auditor, nil, nil, nil)
	s.Start()
	for i := 0; i < len(startRudiments); i++ {
		s.ProcessPCInput(context.Background(), "ok", nil)
	}

	snap := s.ProcessPCInput(context.Background(), "an incident happened", nil)
	if snap.CurrentCommand == "" {
		t.Fatal("expected a fallback R3R command when the auditor errors")
	}
}

func TestConversationalModeFallsBackWithoutAuditor(t *testing.T) {
	s := New("pc-1", "sess-1", ModeConversational, func(m protocol.Message) {}, nil, nil, nil, nil)
	s.Start()
	for i := 0; i < len(startRudiments); i++ {
		s.ProcessPCInput(context.Background(), "ok", nil)
	}

	snap := s.ProcessPCInput(context.Background(), "I've been thinking about my job", nil)
	if snap.CurrentCommand != "Thank you. Tell me more about that." {
		t.Errorf("CurrentCommand = %q, want the conversational fallback", snap.CurrentCommand)
	}
}

func TestAdvanceEndRudimentsReachesComplete(t *testing.T) {
	s := New("pc-1", "sess-1", ModeStructured, func(m protocol.Message) {}, nil, nil, nil, nil)
	s.Start()
	s.StartEndRudiments()

	for i := 1; i < len(endRudiments); i++ {
		snap := s.ProcessPCInput(context.Background(), "yes", nil)
		if snap.Phase != casestore.SessionPhaseEndRudiments {
			t.Fatalf("step %d: Phase = %v, want end_rudiments", i, snap.Phase)
		}
	}

	final := s.ProcessPCInput(context.Background(), "yes", nil)
	if final.Phase != casestore.SessionPhaseComplete {
		t.Errorf("Phase = %v, want complete", final.Phase)
	}
}

func TestPauseResumeExcludesPausedTimeFromElapsed(t *testing.T) {
	s := New("pc-1", "sess-1", ModeStructured, func(m protocol.Message) {}, nil, nil, nil, nil)
	s.Start()

	s.Pause()
	time.Sleep(20 * time.Millisecond)
	before := s.GetState().ElapsedSeconds
	time.Sleep(20 * time.Millisecond)
	after := s.GetState().ElapsedSeconds

	if after < before {
		t.Error("expected elapsed to not decrease while paused")
	}
	if after-before > 0.01 {
		t.Errorf("elapsed grew by %.4fs while paused, want ~0", after-before)
	}

	s.Resume()
	time.Sleep(20 * time.Millisecond)
	resumed := s.GetState().ElapsedSeconds
	if resumed <= after {
		t.Error("expected elapsed to grow again after resume")
	}
}

func TestEndPersistsDurationAndBroadcastsChargeMapInConversationalMode(t *testing.T) {
	store := casestore.NewMemoryStore()
	pc, _ := store.CreatePC(casestore.PC{FirstName: "Jordan"})
	rec, _ := store.CreateSession(casestore.SessionRecord{PCID: pc.ID})

	ct := &fakeCharge{history: []charge.QuestionCharge{{QuestionText: "q1", ChargeScore: 42}}}

	var types []string
	s := New(pc.ID, rec.ID, ModeConversational, func(m protocol.Message) { types = append(types, string(m.Type)) }, nil, store, nil, nil)
	s.SetChargeTracker(ct)
	s.Start()

	s.End(context.Background())

	updated, err := store.GetSession(rec.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if updated.Phase != casestore.SessionPhaseComplete {
		t.Errorf("persisted Phase = %v, want complete", updated.Phase)
	}

	found := false
	for _, ty := range types {
		if ty == "charge.map" {
			found = true
		}
	}
	if !found {
		t.Error("expected a charge.map broadcast when ending a conversational session with charge history")
	}
}

func TestBroadcastChatNotifiesChargeTrackerOnAuditorQuestions(t *testing.T) {
	ct := &fakeCharge{}
	s := New("pc-1", "sess-1", ModeStructured, func(m protocol.Message) {}, nil, nil, nil, nil)
	s.SetChargeTracker(ct)

	s.Start()

	if len(ct.asked) == 0 {
		t.Error("expected the charge tracker to be notified of the first auditor question")
	}
}

func TestTranscriptRecordsBothSpeakers(t *testing.T) {
	s := New("pc-1", "sess-1", ModeStructured, func(m protocol.Message) {}, nil, nil, nil, nil)
	s.Start()
	s.ProcessPCInput(context.Background(), "hello", nil)

	entries := s.Transcript()
	if len(entries) < 2 {
		t.Fatalf("len(Transcript()) = %d, want >= 2", len(entries))
	}
	if entries[0].Speaker != "auditor" || entries[1].Speaker != "pc" {
		t.Errorf("unexpected speaker order: %v, %v", entries[0].Speaker, entries[1].Speaker)
	}
}
