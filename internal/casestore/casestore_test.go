package casestore

import "testing"

func TestCreatePCAssignsIDAndDefaults(t *testing.T) {
	s := NewMemoryStore()
	pc, err := s.CreatePC(PC{FirstName: "Jordan"})
	if err != nil {
		t.Fatalf("CreatePC() error = %v", err)
	}
	if pc.ID == "" {
		t.Error("expected CreatePC to assign an id")
	}
	if pc.CaseStatus != CaseStatusActive {
		t.Errorf("CaseStatus = %v, want active", pc.CaseStatus)
	}
	if pc.CreatedAt.IsZero() || pc.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestGetPCNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetPC("nonexistent")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdatePCPreservesCreatedAt(t *testing.T) {
	s := NewMemoryStore()
	pc, _ := s.CreatePC(PC{FirstName: "Jordan"})
	created := pc.CreatedAt

	pc.FirstName = "Jordan Lee"
	updated, err := s.UpdatePC(pc)
	if err != nil {
		t.Fatalf("UpdatePC() error = %v", err)
	}
	if updated.CreatedAt != created {
		t.Error("expected CreatedAt preserved across update")
	}
	if updated.FirstName != "Jordan Lee" {
		t.Errorf("FirstName = %q, want Jordan Lee", updated.FirstName)
	}
}

func TestUpdatePCNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.UpdatePC(PC{ID: "missing"})
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListPCsReturnsAll(t *testing.T) {
	s := NewMemoryStore()
	s.CreatePC(PC{FirstName: "A"})
	s.CreatePC(PC{FirstName: "B"})

	all, err := s.ListPCs()
	if err != nil {
		t.Fatalf("ListPCs() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(ListPCs()) = %d, want 2", len(all))
	}
}

func TestDeletePCCascadesSessions(t *testing.T) {
	s := NewMemoryStore()
	pc, _ := s.CreatePC(PC{FirstName: "A"})
	s.CreateSession(SessionRecord{PCID: pc.ID})
	s.CreateSession(SessionRecord{PCID: pc.ID})

	if err := s.DeletePC(pc.ID); err != nil {
		t.Fatalf("DeletePC() error = %v", err)
	}

	sessions, _ := s.ListSessionsForPC(pc.ID)
	if len(sessions) != 0 {
		t.Errorf("len(sessions) = %d after delete, want 0", len(sessions))
	}
	if _, err := s.GetPC(pc.ID); err != ErrNotFound {
		t.Error("expected PC to be gone after DeletePC")
	}
}

func TestDeletePCNotFound(t *testing.T) {
	s := NewMemoryStore()
	if err := s.DeletePC("missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateSessionDefaultsPhase(t *testing.T) {
	s := NewMemoryStore()
	rec, err := s.CreateSession(SessionRecord{PCID: "pc-1"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if rec.Phase != SessionPhaseSetup {
		t.Errorf("Phase = %v, want setup", rec.Phase)
	}
	if rec.ID == "" {
		t.Error("expected CreateSession to assign an id")
	}
}

func TestListSessionsForPCFiltersByPC(t *testing.T) {
	s := NewMemoryStore()
	s.CreateSession(SessionRecord{PCID: "pc-1"})
	s.CreateSession(SessionRecord{PCID: "pc-2"})
	s.CreateSession(SessionRecord{PCID: "pc-1"})

	sessions, err := s.ListSessionsForPC("pc-1")
	if err != nil {
		t.Fatalf("ListSessionsForPC() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("len(sessions) = %d, want 2", len(sessions))
	}
}

func TestCreateSessionAssignsIncrementingSessionNumber(t *testing.T) {
	s := NewMemoryStore()
	first, _ := s.CreateSession(SessionRecord{PCID: "pc-1"})
	second, _ := s.CreateSession(SessionRecord{PCID: "pc-1"})
	otherPC, _ := s.CreateSession(SessionRecord{PCID: "pc-2"})

	if first.SessionNumber != 1 {
		t.Errorf("first.SessionNumber = %d, want 1", first.SessionNumber)
	}
	if second.SessionNumber != 2 {
		t.Errorf("second.SessionNumber = %d, want 2", second.SessionNumber)
	}
	if otherPC.SessionNumber != 1 {
		t.Errorf("otherPC.SessionNumber = %d, want 1 (independent per PC)", otherPC.SessionNumber)
	}
}

func TestAppendTranscriptEntryIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	entry := TranscriptEntry{SessionID: "sess-1", TurnNumber: 1, Speaker: "pc", Text: "hello"}

	if err := s.AppendTranscriptEntry(entry); err != nil {
		t.Fatalf("AppendTranscriptEntry() error = %v", err)
	}
	if err := s.AppendTranscriptEntry(entry); err != nil {
		t.Fatalf("AppendTranscriptEntry() second call error = %v", err)
	}

	entries, err := s.ListTranscript("sess-1")
	if err != nil {
		t.Fatalf("ListTranscript() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1 (duplicate append deduped)", len(entries))
	}
}

func TestUpdateSessionNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.UpdateSession(SessionRecord{ID: "missing"})
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStatusReportsCountsAndReady(t *testing.T) {
	s := NewMemoryStore()
	pc, _ := s.CreatePC(PC{FirstName: "Avery"})
	s.CreateSession(SessionRecord{PCID: pc.ID})
	s.CreateSession(SessionRecord{PCID: pc.ID})

	status := s.Status()
	if !status.Ready {
		t.Error("Ready = false, want true")
	}
	if status.PCCount != 1 {
		t.Errorf("PCCount = %d, want 1", status.PCCount)
	}
	if status.SessionCount != 2 {
		t.Errorf("SessionCount = %d, want 2", status.SessionCount)
	}
}
