// Package orchestrator implements component I: the per-session phase
// machine that drives a PC through start rudiments, R3R (or free-form
// conversational) processing, and end rudiments, producing the
// transcript and chat/state broadcasts the router fans out to clients.
// Grounded on orchestrator/session_manager.py's SessionManager.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"meterengine/internal/ai"
	"meterengine/internal/casestore"
	"meterengine/internal/charge"
	"meterengine/internal/logger"
	"meterengine/internal/meter"
	"meterengine/internal/protocol"
	"meterengine/internal/r3r"
)

// Mode selects between structured (R3R-driven) and conversational
// (free-form AI chat) processing, per session_manager.py's SessionMode.
type Mode string

const (
	ModeStructured     Mode = "structured"
	ModeConversational Mode = "conversational"
)

// startRudiments are the default start-of-session questions, per
// session_manager.py's START_RUDIMENTS.
var startRudiments = []string{
	"What are your goals for this session?",
	"Look around the room. Can you have that wall? That ceiling? That floor? Good.",
	"Is there anything you'd like to say to me before we start?",
	"Has anything been suppressed or invalidated since last session?",
}

// endRudiments are the default end-of-session questions, per
// session_manager.py's END_RUDIMENTS.
var endRudiments = []string{
	"Have your goals for this session been met?",
	"Is there anything you'd like to say to me?",
	"Look around the room. Can you have that wall? That ceiling? That floor? Good.",
	"Has anything been suppressed or invalidated this session?",
	"Is it all right with you if we end this session?",
}

// ChargeTracker is the subset of charge.Tracker's behavior the
// orchestrator depends on, defined at the point of use so tests can
// supply a fake. The router sets it on each new Session via
// SetChargeTracker, passing the tracker of the process-lifetime
// broadcaster (component G).
type ChargeTracker interface {
	QuestionAsked(text string, askedAt time.Time)
	GetAnalysis() charge.Analysis
	GetChargeMap() []charge.QuestionCharge
}

// BroadcastFunc fans a Message out to every client attached to a
// session, e.g. the WebSocket hub (component J). Mirrors
// session_manager.py's broadcast_fn callable.
type BroadcastFunc func(protocol.Message)

// TranscriptEntry is a single turn in the session transcript.
type TranscriptEntry struct {
	Timestamp    time.Time
	Speaker      string // "auditor" or "pc"
	Text         string
	NeedleAction string
	ToneArm      float64
	TurnNumber   int
}

// Snapshot is a session's broadcastable state, matching
// session_manager.py's get_state dict shape.
type Snapshot struct {
	Phase          casestore.SessionPhase
	Step           string
	R3RState       string
	ElapsedSeconds float64
	IsPaused       bool
	PCID           string
	SessionID      string
	CurrentCommand string
	TurnNumber     int
	Mode           Mode
}

// Session drives one PC through a full auditing session. Not safe for
// concurrent use except through its exported methods, which take an
// internal mutex.
type Session struct {
	pcID      string
	sessionID string
	mode      Mode
	broadcast BroadcastFunc
	auditor   ai.Collaborator
	store     casestore.Store

	startRudiments []string
	endRudiments   []string

	mu             sync.Mutex
	phase          casestore.SessionPhase
	machine        *r3r.Machine
	currentCommand string
	turnNumber     int
	rudimentIndex  int
	transcript     []TranscriptEntry

	startTime   time.Time
	pauseStart  time.Time
	totalPaused time.Duration
	isPaused    bool

	chargeTracker ChargeTracker
}

// New constructs a Session in SETUP phase. store may be nil (the
// session then keeps its transcript in memory only); auditor may be
// nil to disable AI
// responses entirely. startRud/endRud override the default rudiment
// question sets when non-nil, following r3r.New's override convention.
func New(pcID, sessionID string, mode Mode, broadcast BroadcastFunc, auditor ai.Collaborator, store casestore.Store, startRud, endRud []string) *Session {
	if startRud == nil {
		startRud = startRudiments
	}
	if endRud == nil {
		endRud = endRudiments
	}
	return &Session{
		pcID:           pcID,
		sessionID:      sessionID,
		mode:           mode,
		broadcast:      broadcast,
		auditor:        auditor,
		store:          store,
		startRudiments: startRud,
		endRudiments:   endRud,
		phase:          casestore.SessionPhaseSetup,
		machine:        r3r.New(nil, nil),
	}
}

// SetChargeTracker attaches the broadcaster's charge tracker. The
// broadcaster lives for the whole process and its one tracker is shared
// by every session; the router attaches it right after New.
func (s *Session) SetChargeTracker(ct ChargeTracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chargeTracker = ct
}

// SetR3RMachine swaps in a Machine built from config-overridden flow
// labels/command text (config.R3RConfig), replacing the package-default
// Machine New() installs. Must be called before Start(), since
// advanceProcessing reads s.machine without taking the lock.
func (s *Session) SetR3RMachine(m *r3r.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine = m
}

// PCID returns the session's owning PC id.
func (s *Session) PCID() string { return s.pcID }

// SessionID returns the session's id.
func (s *Session) SessionID() string { return s.sessionID }

// Start begins the session: enters START_RUDIMENTS and asks the first
// question.
func (s *Session) Start() {
	s.mu.Lock()
	s.startTime = time.Now()
	s.phase = casestore.SessionPhaseStartRudiments
	s.rudimentIndex = 0
	s.currentCommand = s.startRudiments[0]
	s.mu.Unlock()

	if s.auditor != nil {
		s.auditor.Reset()
	}

	s.addTranscript("auditor", s.currentCommand, "", 0)
	s.broadcastChat("auditor", s.currentCommand, chatOptions{})
	s.broadcastState()
	logger.Info("session started", "session_id", s.sessionID, "pc_id", s.pcID)
}

// End completes the session, persists the final duration if a store is
// attached, and (in conversational mode) broadcasts the accumulated
// charge map.
func (s *Session) End(ctx context.Context) {
	s.mu.Lock()
	s.phase = casestore.SessionPhaseComplete
	elapsed := s.elapsedSecondsLocked()
	mode := s.mode
	ct := s.chargeTracker
	s.mu.Unlock()

	if s.store != nil {
		if rec, err := s.store.GetSession(s.sessionID); err == nil {
			rec.Phase = casestore.SessionPhaseComplete
			rec.DurationSeconds = int(elapsed)
			if _, err := s.store.UpdateSession(rec); err != nil {
				logger.Warn("session end: failed to persist session record", "session_id", s.sessionID, "error", err)
			}
		}
	}

	if mode == ModeConversational && ct != nil {
		if chargeMap := ct.GetChargeMap(); len(chargeMap) > 0 {
			s.send(protocol.MessageTypeChargeMap, map[string]any{
				"entries":   chargeMap,
				"sessionId": s.sessionID,
			})
		}
	}

	s.broadcastState()
	logger.Info("session ended", "session_id", s.sessionID, "elapsed_seconds", elapsed)
}

// Pause stops the session timer from advancing.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isPaused {
		return
	}
	s.isPaused = true
	s.pauseStart = time.Now()
	logger.Info("session paused", "session_id", s.sessionID)
}

// Resume restarts the session timer.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isPaused {
		return
	}
	s.totalPaused += time.Since(s.pauseStart)
	s.isPaused = false
	logger.Info("session resumed", "session_id", s.sessionID)
}

// StartEndRudiments transitions from PROCESSING directly into
// END_RUDIMENTS, e.g. when the auditor or router decides to close the
// session early.
func (s *Session) StartEndRudiments() {
	s.mu.Lock()
	s.phase = casestore.SessionPhaseEndRudiments
	s.rudimentIndex = 0
	s.currentCommand = s.endRudiments[0]
	s.mu.Unlock()

	s.addTranscript("auditor", s.currentCommand, "", 0)
}

// ProcessPCInput records the PC's response, advances the phase machine,
// and returns the resulting state snapshot.
func (s *Session) ProcessPCInput(ctx context.Context, text string, ev *meter.MeterEvent) Snapshot {
	s.mu.Lock()
	s.turnNumber++
	phase := s.phase
	mode := s.mode
	ct := s.chargeTracker
	s.mu.Unlock()

	needleAction, toneArm := "", 0.0
	if ev != nil {
		needleAction = string(ev.NeedleAction)
		toneArm = ev.ToneArm
	}

	var chargeScore *int
	var bodyMovement *bool
	if ct != nil {
		analysis := ct.GetAnalysis()
		if analysis.Latest != nil {
			score := int(analysis.Latest.ChargeScore)
			chargeScore = &score
			bm := analysis.Latest.BodyMovement
			bodyMovement = &bm
		}
	}

	s.addTranscript("pc", text, needleAction, toneArm)
	s.broadcastChat("pc", text, chatOptions{
		NeedleAction: needleAction,
		ToneArm:      toneArm,
		ChargeScore:  chargeScore,
		BodyMovement: bodyMovement,
	})

	switch phase {
	case casestore.SessionPhaseStartRudiments:
		s.advanceStartRudiments()
	case casestore.SessionPhaseProcessing:
		if mode == ModeConversational {
			s.advanceConversational(ctx, text, ev)
		} else {
			s.advanceProcessing(ctx, text, ev)
		}
	case casestore.SessionPhaseEndRudiments:
		s.advanceEndRudiments()
	}

	s.broadcastState()
	return s.GetState()
}

func (s *Session) advanceStartRudiments() {
	s.mu.Lock()
	s.rudimentIndex++
	var command string
	enteringProcessing := false
	if s.rudimentIndex < len(s.startRudiments) {
		command = s.startRudiments[s.rudimentIndex]
	} else {
		s.phase = casestore.SessionPhaseProcessing
		s.rudimentIndex = 0
		command = s.machine.Command()
		enteringProcessing = true
	}
	s.currentCommand = command
	s.mu.Unlock()

	if enteringProcessing {
		logger.Info("session entering processing phase", "session_id", s.sessionID)
	}

	s.addTranscript("auditor", command, "", 0)
	s.broadcastChat("auditor", command, chatOptions{})
}

func (s *Session) advanceProcessing(ctx context.Context, text string, ev *meter.MeterEvent) {
	fnDetected := ev != nil && ev.IsFloatingNeedle()
	newState, command := s.machine.Transition(text, r3r.Indicators{FNDetected: fnDetected})

	isAI := false
	finalCommand := command
	if s.auditor != nil {
		snapshot := s.GetState()
		mc := ai.MeterContext{}
		if ev != nil {
			mc = ai.MeterContext{ToneArm: ev.ToneArm, NeedleAction: string(ev.NeedleAction), Sensitivity: ev.Sensitivity}
		}
		sc := ai.SessionContext{
			Phase:       string(snapshot.Phase),
			ElapsedSecs: snapshot.ElapsedSeconds,
			TurnNumber:  snapshot.TurnNumber,
			R3RState:    string(newState),
			R3RCommand:  command,
		}
		if reply, err := s.auditor.Respond(ctx, text, mc, sc); err == nil {
			finalCommand = reply
			isAI = true
		} else {
			logger.Warn("ai auditor error, falling back to r3r command", "session_id", s.sessionID, "error", err)
		}
	}

	s.mu.Lock()
	s.currentCommand = finalCommand
	s.mu.Unlock()

	s.addTranscript("auditor", finalCommand, "", 0)
	s.broadcastChat("auditor", finalCommand, chatOptions{IsAIGenerated: isAI})
	s.send(protocol.MessageTypeStateChange, map[string]any{
		"r3rState": string(newState),
		"command":  command,
	})
}

// advanceConversational handles free-form AI chat, feeding the charge
// tracker's latest analysis alongside the meter/session snapshot, and
// falling back to an acknowledging stock line when no AI collaborator
// is configured or the call fails.
func (s *Session) advanceConversational(ctx context.Context, text string, ev *meter.MeterEvent) {
	const fallback = "Thank you. Tell me more about that."

	isAI := false
	command := fallback
	if s.auditor != nil {
		snapshot := s.GetState()
		mc := ai.MeterContext{}
		if ev != nil {
			mc = ai.MeterContext{ToneArm: ev.ToneArm, NeedleAction: string(ev.NeedleAction), Sensitivity: ev.Sensitivity}
		}
		sc := ai.SessionContext{
			Phase:       string(snapshot.Phase),
			ElapsedSecs: snapshot.ElapsedSeconds,
			TurnNumber:  snapshot.TurnNumber,
		}
		var cc ai.ChargeContext
		s.mu.Lock()
		ct := s.chargeTracker
		s.mu.Unlock()
		if ct != nil {
			if analysis := ct.GetAnalysis(); analysis.Latest != nil {
				cc = ai.ChargeContext{ChargeScore: analysis.Latest.ChargeScore, BodyMovement: analysis.Latest.BodyMovement}
			}
		}
		if reply, err := s.auditor.RespondConversational(ctx, text, mc, sc, cc); err == nil {
			command = reply
			isAI = true
		} else {
			logger.Warn("ai auditor conversational error, falling back to default", "session_id", s.sessionID, "error", err)
		}
	}

	s.mu.Lock()
	s.currentCommand = command
	s.mu.Unlock()

	s.addTranscript("auditor", command, "", 0)
	s.broadcastChat("auditor", command, chatOptions{IsAIGenerated: isAI})
}

func (s *Session) advanceEndRudiments() {
	s.mu.Lock()
	s.rudimentIndex++
	var command string
	if s.rudimentIndex < len(s.endRudiments) {
		command = s.endRudiments[s.rudimentIndex]
	} else {
		command = "That is the end of this session. Thank you."
		s.phase = casestore.SessionPhaseComplete
	}
	s.currentCommand = command
	s.mu.Unlock()

	s.addTranscript("auditor", command, "", 0)
	s.broadcastChat("auditor", command, chatOptions{})
}

// GetState returns a snapshot of the session's current broadcastable
// state, matching session_manager.py's get_state.
func (s *Session) GetState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Phase:          s.phase,
		Step:           s.currentCommand,
		ElapsedSeconds: s.elapsedSecondsLocked(),
		IsPaused:       s.isPaused,
		PCID:           s.pcID,
		SessionID:      s.sessionID,
		CurrentCommand: s.currentCommand,
		TurnNumber:     s.turnNumber,
		Mode:           s.mode,
	}
	if s.phase == casestore.SessionPhaseProcessing && s.mode == ModeStructured {
		snap.R3RState = string(s.machine.State())
	}
	return snap
}

func (s *Session) elapsedSecondsLocked() float64 {
	if s.startTime.IsZero() {
		return 0
	}
	paused := s.totalPaused
	if s.isPaused {
		paused += time.Since(s.pauseStart)
	}
	return time.Since(s.startTime).Seconds() - paused.Seconds()
}

func (s *Session) addTranscript(speaker, text, needleAction string, toneArm float64) {
	s.mu.Lock()
	entry := TranscriptEntry{
		Timestamp:    time.Now(),
		Speaker:      speaker,
		Text:         strings.TrimSpace(text),
		NeedleAction: needleAction,
		ToneArm:      toneArm,
		TurnNumber:   s.turnNumber,
	}
	s.transcript = append(s.transcript, entry)
	sessionID := s.sessionID
	store := s.store
	s.mu.Unlock()

	if store == nil {
		return
	}
	err := store.AppendTranscriptEntry(casestore.TranscriptEntry{
		SessionID:    sessionID,
		TurnNumber:   entry.TurnNumber,
		Speaker:      entry.Speaker,
		Text:         entry.Text,
		NeedleAction: entry.NeedleAction,
		ToneArm:      entry.ToneArm,
		Timestamp:    entry.Timestamp,
	})
	if err != nil {
		logger.Warn("session: failed to persist transcript entry",
			"session_id", sessionID, "turn_number", entry.TurnNumber, "error", err)
	}
}

// Transcript returns a copy of the accumulated transcript entries.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscriptEntry(nil), s.transcript...)
}

type chatOptions struct {
	NeedleAction string
	ToneArm      float64
	Sensitivity  float64
	IsAIGenerated bool
	ChargeScore  *int
	BodyMovement *bool
}

func (s *Session) broadcastChat(speaker, text string, opts chatOptions) {
	s.mu.Lock()
	turnNumber := s.turnNumber
	ct := s.chargeTracker
	s.mu.Unlock()

	data := map[string]any{
		"speaker":       speaker,
		"text":          text,
		"timestamp":     time.Now(),
		"turnNumber":    turnNumber,
		"isAiGenerated": opts.IsAIGenerated,
	}
	if opts.NeedleAction != "" {
		data["needleAction"] = opts.NeedleAction
	}
	if opts.ToneArm != 0 {
		data["toneArm"] = opts.ToneArm
	}
	if opts.Sensitivity != 0 {
		data["sensitivity"] = opts.Sensitivity
	}
	if opts.ChargeScore != nil {
		data["chargeScore"] = *opts.ChargeScore
	}
	if opts.BodyMovement != nil {
		data["bodyMovement"] = *opts.BodyMovement
	}

	if speaker == "auditor" {
		data["questionDroppedAt"] = time.Now().Unix()
		if ct != nil {
			ct.QuestionAsked(text, time.Now())
		}
	}

	s.send(protocol.MessageTypeChatMessage, data)
}

func (s *Session) broadcastState() {
	snapshot := s.GetState()
	s.send(protocol.MessageTypeSessionState, snapshot)

	entries := s.Transcript()
	if len(entries) > 0 {
		s.send(protocol.MessageTypeTranscriptUpdate, map[string]any{"entry": entries[len(entries)-1]})
	}
}

func (s *Session) send(t protocol.MessageType, data any) {
	if s.broadcast == nil {
		return
	}
	msg, err := protocol.NewMessage(t, data, "")
	if err != nil {
		logger.Warn("session: failed to marshal outgoing message", "session_id", s.sessionID, "type", t, "error", err)
		return
	}
	s.broadcast(msg)
}
