// Package casestore defines the PC (preclear) profile and session-record
// store interface plus an in-memory reference implementation. Persistent
// (SQLite) storage is out of scope ("persistent record storage —
// abstracted"); this package provides the shape that a real backing
// store would satisfy. Grounded on pc_model/models.py and
// pc_model/database.py for field shape and operations.
package casestore

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CaseStatus is a PC's overall case status.
type CaseStatus string

const (
	CaseStatusActive    CaseStatus = "active"
	CaseStatusOnHold    CaseStatus = "on_hold"
	CaseStatusCompleted CaseStatus = "completed"
	CaseStatusArchived  CaseStatus = "archived"
)

// PC is a preclear profile.
type PC struct {
	ID           string
	FirstName    string
	LastName     string
	CaseStatus   CaseStatus
	CurrentGrade string
	Notes        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SessionPhase is a session's lifecycle phase in the layered phase
// machine (setup, rudiments, processing, completion).
type SessionPhase string

const (
	SessionPhaseSetup          SessionPhase = "setup"
	SessionPhaseStartRudiments SessionPhase = "start_rudiments"
	SessionPhaseProcessing     SessionPhase = "processing"
	SessionPhaseEndRudiments   SessionPhase = "end_rudiments"
	SessionPhaseComplete       SessionPhase = "complete"
)

// SessionRecord is a finished or in-progress session's summary, keyed to
// a PC.
type SessionRecord struct {
	ID              string
	PCID            string
	Phase           SessionPhase
	SessionNumber   int
	DurationSeconds int
	TAStart         float64
	TAEnd           float64
	TAMotion        float64
	Indicators      string
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TranscriptEntry is one persisted transcript turn, keyed for idempotent
// append by (SessionID, TurnNumber, Speaker, Text).
type TranscriptEntry struct {
	SessionID    string
	TurnNumber   int
	Speaker      string
	Text         string
	NeedleAction string
	ToneArm      float64
	Timestamp    time.Time
}

// ErrNotFound is returned when a PC or session id has no record.
var ErrNotFound = errors.New("casestore: not found")

// Status is a store health/readiness snapshot (counts + readiness),
// matching database.py's get_status.
type Status struct {
	Ready        bool
	PCCount      int
	SessionCount int
}

// Store is the PC-profile and session-record persistence interface.
type Store interface {
	CreatePC(pc PC) (PC, error)
	GetPC(id string) (PC, error)
	ListPCs() ([]PC, error)
	UpdatePC(pc PC) (PC, error)
	DeletePC(id string) error

	CreateSession(rec SessionRecord) (SessionRecord, error)
	GetSession(id string) (SessionRecord, error)
	ListSessionsForPC(pcID string) ([]SessionRecord, error)
	UpdateSession(rec SessionRecord) (SessionRecord, error)

	// AppendTranscriptEntry records one transcript turn. Idempotent by
	// (SessionID, TurnNumber, Speaker, Text): a duplicate call (e.g. a
	// retried broadcast) is a no-op rather than a second row.
	AppendTranscriptEntry(entry TranscriptEntry) error
	ListTranscript(sessionID string) ([]TranscriptEntry, error)

	Status() Status
}

// MemoryStore is an in-process, non-persistent Store, safe for
// concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	pcs         map[string]PC
	sessions    map[string]SessionRecord
	transcripts map[string][]TranscriptEntry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pcs:         make(map[string]PC),
		sessions:    make(map[string]SessionRecord),
		transcripts: make(map[string][]TranscriptEntry),
	}
}

// CreatePC assigns an id (if absent) and timestamps, then stores the PC.
func (s *MemoryStore) CreatePC(pc PC) (PC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pc.ID == "" {
		pc.ID = uuid.NewString()
	}
	if pc.CaseStatus == "" {
		pc.CaseStatus = CaseStatusActive
	}
	now := time.Now()
	pc.CreatedAt = now
	pc.UpdatedAt = now

	s.pcs[pc.ID] = pc
	return pc, nil
}

// GetPC looks up a PC by id.
func (s *MemoryStore) GetPC(id string) (PC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pc, ok := s.pcs[id]
	if !ok {
		return PC{}, ErrNotFound
	}
	return pc, nil
}

// ListPCs returns all stored PCs in no particular order.
func (s *MemoryStore) ListPCs() ([]PC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PC, 0, len(s.pcs))
	for _, pc := range s.pcs {
		out = append(out, pc)
	}
	return out, nil
}

// UpdatePC replaces a PC's fields, bumping UpdatedAt.
func (s *MemoryStore) UpdatePC(pc PC) (PC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.pcs[pc.ID]
	if !ok {
		return PC{}, ErrNotFound
	}
	pc.CreatedAt = existing.CreatedAt
	pc.UpdatedAt = time.Now()
	s.pcs[pc.ID] = pc
	return pc, nil
}

// DeletePC removes a PC and all of its session records.
func (s *MemoryStore) DeletePC(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pcs[id]; !ok {
		return ErrNotFound
	}
	delete(s.pcs, id)
	for sid, rec := range s.sessions {
		if rec.PCID == id {
			delete(s.sessions, sid)
			delete(s.transcripts, sid)
		}
	}
	return nil
}

// CreateSession assigns an id (if absent) and timestamps, then stores
// the session record. SessionNumber is computed as 1 + the highest
// SessionNumber already recorded for the same PC, matching
// database.py's SELECT COALESCE(MAX(session_number),0) + 1.
func (s *MemoryStore) CreateSession(rec SessionRecord) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Phase == "" {
		rec.Phase = SessionPhaseSetup
	}

	maxNumber := 0
	for _, existing := range s.sessions {
		if existing.PCID == rec.PCID && existing.SessionNumber > maxNumber {
			maxNumber = existing.SessionNumber
		}
	}
	rec.SessionNumber = maxNumber + 1

	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.sessions[rec.ID] = rec
	return rec, nil
}

// GetSession looks up a session record by id.
func (s *MemoryStore) GetSession(id string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

// ListSessionsForPC returns every session record belonging to pcID.
func (s *MemoryStore) ListSessionsForPC(pcID string) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SessionRecord
	for _, rec := range s.sessions {
		if rec.PCID == pcID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpdateSession replaces a session record's fields, bumping UpdatedAt.
func (s *MemoryStore) UpdateSession(rec SessionRecord) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[rec.ID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now()
	s.sessions[rec.ID] = rec
	return rec, nil
}

// AppendTranscriptEntry records one transcript turn, skipping the append
// if an entry with the same (SessionID, TurnNumber, Speaker, Text) is
// already present.
func (s *MemoryStore) AppendTranscriptEntry(entry TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.transcripts[entry.SessionID] {
		if existing.TurnNumber == entry.TurnNumber &&
			existing.Speaker == entry.Speaker &&
			existing.Text == entry.Text {
			return nil
		}
	}

	s.transcripts[entry.SessionID] = append(s.transcripts[entry.SessionID], entry)
	return nil
}

// ListTranscript returns a session's persisted transcript entries in
// append order.
func (s *MemoryStore) ListTranscript(sessionID string) ([]TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TranscriptEntry(nil), s.transcripts[sessionID]...), nil
}

// Status reports the in-memory store's record counts. Always ready,
// since there is no backing connection that can fail to open.
func (s *MemoryStore) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Ready:        true,
		PCCount:      len(s.pcs),
		SessionCount: len(s.sessions),
	}
}
