// Package router implements the IPC message dispatcher. One Router
// instance owns the single active session slot for the whole process —
// an owned slot guarded by a single-slot mutex, avoiding process-wide
// globals — and routes every inbound WebSocket frame to its handler.
// Grounded on ipc/router.py's MessageRouter.
package router

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"meterengine/internal/ai"
	"meterengine/internal/broadcaster"
	"meterengine/internal/casestore"
	"meterengine/internal/logger"
	"meterengine/internal/meter"
	"meterengine/internal/orchestrator"
	"meterengine/internal/protocol"
	"meterengine/internal/r3r"
	"meterengine/internal/stt"
)

// Deps are the Router's collaborators, assembled by bootstrap.
type Deps struct {
	Store          casestore.Store
	Auditor        ai.Collaborator // nil disables AI responses
	Transcriber    stt.Transcriber // nil disables audio input
	Broadcaster    *broadcaster.Broadcaster
	Broadcast      orchestrator.BroadcastFunc
	DefaultMode    orchestrator.Mode
	StartRudiments []string
	EndRudiments   []string
	// NewR3RMachine builds the R3R machine installed into every new
	// session, letting bootstrap supply a config.R3RConfig-overridden
	// one. Nil uses orchestrator.New's package-default machine.
	NewR3RMachine func() *r3r.Machine
}

// Router dispatches IPC messages over a closed set of types, grounded on
// ipc/router.py's `_handlers` table, and owns the process's one active
// session slot.
type Router struct {
	store         casestore.Store
	auditor       ai.Collaborator
	transcriber   stt.Transcriber
	bc            *broadcaster.Broadcaster
	broadcast     orchestrator.BroadcastFunc
	defaultMode   orchestrator.Mode
	startRud      []string
	endRud        []string
	newR3RMachine func() *r3r.Machine

	handlers map[protocol.MessageType]func(ctx context.Context, msg protocol.Message) protocol.Message

	mu              sync.Mutex
	startingSession bool
	active          *orchestrator.Session
}

// New constructs a Router and wires its dispatch table.
func New(deps Deps) *Router {
	mode := deps.DefaultMode
	if mode == "" {
		mode = orchestrator.ModeStructured
	}

	r := &Router{
		store:         deps.Store,
		auditor:       deps.Auditor,
		transcriber:   deps.Transcriber,
		bc:            deps.Broadcaster,
		broadcast:     deps.Broadcast,
		defaultMode:   mode,
		startRud:      deps.StartRudiments,
		endRud:        deps.EndRudiments,
		newR3RMachine: deps.NewR3RMachine,
	}

	r.handlers = map[protocol.MessageType]func(context.Context, protocol.Message) protocol.Message{
		protocol.MessageTypePing:            r.handlePing,
		protocol.MessageTypePCCreate:        r.handlePCCreate,
		protocol.MessageTypePCGet:           r.handlePCGet,
		protocol.MessageTypePCList:          r.handlePCList,
		protocol.MessageTypePCUpdate:        r.handlePCUpdate,
		protocol.MessageTypePCDelete:        r.handlePCDelete,
		protocol.MessageTypeSessionCreate:   r.handleSessionCreate,
		protocol.MessageTypeSessionList:     r.handleSessionList,
		protocol.MessageTypeDBStatus:        r.handleDBStatus,
		protocol.MessageTypeSessionStart:    r.handleSessionStart,
		protocol.MessageTypeSessionEnd:      r.handleSessionEnd,
		protocol.MessageTypeSessionPause:    r.handleSessionPause,
		protocol.MessageTypeSessionResume:   r.handleSessionResume,
		protocol.MessageTypeMeterHistory:    r.handleMeterHistory,
		protocol.MessageTypePCInput:         r.handlePCInput,
		protocol.MessageTypeAudioInput:      r.handleAudioInput,
		protocol.MessageTypeSessionRecover:  r.handleSessionRecover,
	}
	return r
}

// Dispatch routes one inbound message to its handler, catching handler
// panics as an error reply the same way route() catches handler
// exceptions.
func (r *Router) Dispatch(ctx context.Context, msg protocol.Message) (reply protocol.Message) {
	handler, ok := r.handlers[msg.Type]
	if !ok {
		logger.Warn("router: unknown message type", "type", msg.Type)
		return protocol.ErrorMessage(fmt.Sprintf("unknown message type: %s", msg.Type), msg.RequestID)
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("router: handler panicked", "type", msg.Type, "recover", rec)
			reply = protocol.ErrorMessage(fmt.Sprintf("%v", rec), msg.RequestID)
		}
	}()
	return handler(ctx, msg)
}

func (r *Router) broadcastMsg(msg protocol.Message) {
	if r.broadcast != nil {
		r.broadcast(msg)
	}
}

func (r *Router) send(t protocol.MessageType, data any, requestID string) protocol.Message {
	msg, err := protocol.NewMessage(t, data, requestID)
	if err != nil {
		return protocol.ErrorMessage(err.Error(), requestID)
	}
	return msg
}

func (r *Router) errf(requestID, format string, a ...any) protocol.Message {
	return protocol.ErrorMessage(fmt.Sprintf(format, a...), requestID)
}

// --- Heartbeat ---

func (r *Router) handlePing(_ context.Context, msg protocol.Message) protocol.Message {
	return protocol.PongMessage(msg.RequestID)
}

// --- PC CRUD ---

type pcPayload struct {
	ID           string `json:"id,omitempty"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	CaseStatus   string `json:"caseStatus,omitempty"`
	CurrentGrade string `json:"currentGrade"`
	Notes        string `json:"notes"`
}

func pcToPayload(pc casestore.PC) map[string]any {
	return map[string]any{
		"id":           pc.ID,
		"firstName":    pc.FirstName,
		"lastName":     pc.LastName,
		"caseStatus":   string(pc.CaseStatus),
		"currentGrade": pc.CurrentGrade,
		"notes":        pc.Notes,
		"createdAt":    pc.CreatedAt,
		"updatedAt":    pc.UpdatedAt,
	}
}

func (r *Router) handlePCCreate(_ context.Context, msg protocol.Message) protocol.Message {
	var req pcPayload
	_ = msg.Decode(&req)

	pc, err := r.store.CreatePC(casestore.PC{
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		CaseStatus:   casestore.CaseStatus(req.CaseStatus),
		CurrentGrade: req.CurrentGrade,
		Notes:        req.Notes,
	})
	if err != nil {
		return r.errf(msg.RequestID, "failed to create PC: %v", err)
	}
	return r.send(protocol.MessageTypePCCreated, pcToPayload(pc), msg.RequestID)
}

func (r *Router) handlePCGet(_ context.Context, msg protocol.Message) protocol.Message {
	var req struct {
		ID string `json:"id"`
	}
	_ = msg.Decode(&req)

	pc, err := r.store.GetPC(req.ID)
	if err != nil {
		return r.errf(msg.RequestID, "PC not found: %s", req.ID)
	}
	return r.send(protocol.MessageTypePCData, pcToPayload(pc), msg.RequestID)
}

func (r *Router) handlePCList(_ context.Context, msg protocol.Message) protocol.Message {
	pcs, err := r.store.ListPCs()
	if err != nil {
		return r.errf(msg.RequestID, "failed to list PCs: %v", err)
	}
	profiles := make([]map[string]any, 0, len(pcs))
	for _, pc := range pcs {
		profiles = append(profiles, pcToPayload(pc))
	}
	return r.send(protocol.MessageTypePCListData, map[string]any{"profiles": profiles}, msg.RequestID)
}

func (r *Router) handlePCUpdate(_ context.Context, msg protocol.Message) protocol.Message {
	var req pcPayload
	_ = msg.Decode(&req)
	if req.ID == "" {
		return r.errf(msg.RequestID, "id is required")
	}

	existing, err := r.store.GetPC(req.ID)
	if err != nil {
		return r.errf(msg.RequestID, "PC not found: %s", req.ID)
	}
	existing.FirstName = req.FirstName
	existing.LastName = req.LastName
	if req.CaseStatus != "" {
		existing.CaseStatus = casestore.CaseStatus(req.CaseStatus)
	}
	existing.CurrentGrade = req.CurrentGrade
	existing.Notes = req.Notes

	pc, err := r.store.UpdatePC(existing)
	if err != nil {
		return r.errf(msg.RequestID, "PC not found: %s", req.ID)
	}
	return r.send(protocol.MessageTypePCUpdated, pcToPayload(pc), msg.RequestID)
}

func (r *Router) handlePCDelete(_ context.Context, msg protocol.Message) protocol.Message {
	var req struct {
		ID string `json:"id"`
	}
	_ = msg.Decode(&req)

	if err := r.store.DeletePC(req.ID); err != nil {
		return r.errf(msg.RequestID, "PC not found: %s", req.ID)
	}
	return r.send(protocol.MessageTypePCDeleted, map[string]any{"id": req.ID}, msg.RequestID)
}

// --- Session record CRUD ---

func sessionRecordToPayload(rec casestore.SessionRecord) map[string]any {
	return map[string]any{
		"id":              rec.ID,
		"pcId":            rec.PCID,
		"phase":           string(rec.Phase),
		"sessionNumber":   rec.SessionNumber,
		"durationSeconds": rec.DurationSeconds,
		"taStart":         rec.TAStart,
		"taEnd":           rec.TAEnd,
		"taMotion":        rec.TAMotion,
		"indicators":      rec.Indicators,
		"notes":           rec.Notes,
		"createdAt":       rec.CreatedAt,
		"updatedAt":       rec.UpdatedAt,
	}
}

func (r *Router) handleSessionCreate(_ context.Context, msg protocol.Message) protocol.Message {
	var req struct {
		PCID string `json:"pcId"`
	}
	_ = msg.Decode(&req)

	rec, err := r.store.CreateSession(casestore.SessionRecord{PCID: req.PCID})
	if err != nil {
		return r.errf(msg.RequestID, "failed to create session: %v", err)
	}
	return r.send(protocol.MessageTypeSessionCreated, sessionRecordToPayload(rec), msg.RequestID)
}

func (r *Router) handleSessionList(_ context.Context, msg protocol.Message) protocol.Message {
	var req struct {
		PCID string `json:"pcId"`
	}
	_ = msg.Decode(&req)

	recs, err := r.store.ListSessionsForPC(req.PCID)
	if err != nil {
		return r.errf(msg.RequestID, "failed to list sessions: %v", err)
	}
	sessions := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		sessions = append(sessions, sessionRecordToPayload(rec))
	}
	return r.send(protocol.MessageTypeSessionListData, map[string]any{
		"pcId":     req.PCID,
		"sessions": sessions,
	}, msg.RequestID)
}

func (r *Router) handleDBStatus(_ context.Context, msg protocol.Message) protocol.Message {
	status := r.store.Status()
	modelName := "unavailable (missing ANTHROPIC_API_KEY)"
	if r.auditor != nil {
		modelName = r.auditor.ModelName()
	}
	return r.send(protocol.MessageTypeDBStatusData, map[string]any{
		"ready":        status.Ready,
		"pcCount":      status.PCCount,
		"sessionCount": status.SessionCount,
		"aiModel":      modelName,
	}, msg.RequestID)
}

// --- Session lifecycle ---

func (r *Router) handleSessionStart(ctx context.Context, msg protocol.Message) protocol.Message {
	r.mu.Lock()
	if r.startingSession {
		r.mu.Unlock()
		return r.errf(msg.RequestID, "session start already in progress")
	}
	r.startingSession = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.startingSession = false
		r.mu.Unlock()
	}()

	var req struct {
		PCID        string `json:"pcId"`
		SessionMode string `json:"sessionMode"`
	}
	_ = msg.Decode(&req)
	if req.PCID == "" {
		return r.errf(msg.RequestID, "pcId is required")
	}

	pc, err := r.store.GetPC(req.PCID)
	if err != nil {
		return r.errf(msg.RequestID, "PC not found: %s", req.PCID)
	}

	mode := orchestrator.Mode(strings.ToLower(strings.TrimSpace(req.SessionMode)))
	if mode != orchestrator.ModeConversational && mode != orchestrator.ModeStructured {
		mode = r.defaultMode
	}

	// Auto-replace any stale active session, closing it silently before
	// installing the new one, per ipc/router.py's _handle_session_start.
	r.mu.Lock()
	if r.active != nil {
		stale := r.active
		logger.Warn("router: ending stale session before starting new one",
			"session_id", stale.SessionID(), "pc_id", req.PCID)
		r.active = nil
		r.mu.Unlock()
		stale.End(ctx)
	} else {
		r.mu.Unlock()
	}

	rec, err := r.store.CreateSession(casestore.SessionRecord{PCID: req.PCID})
	if err != nil {
		return r.errf(msg.RequestID, "failed to create session record: %v", err)
	}

	session := orchestrator.New(req.PCID, rec.ID, mode, r.broadcast, r.auditor, r.store, r.startRud, r.endRud)
	if r.newR3RMachine != nil {
		session.SetR3RMachine(r.newR3RMachine())
	}
	if r.bc != nil {
		session.SetChargeTracker(r.bc.ChargeTracker())
		r.bc.SetSessionID(rec.ID)
		r.bc.TATracker().ResetSession()
	}

	r.mu.Lock()
	r.active = session
	r.mu.Unlock()

	session.Start()

	state := session.GetState()
	return r.send(protocol.MessageTypeSessionStarted, map[string]any{
		"sessionId":      rec.ID,
		"pcId":           req.PCID,
		"pcName":         strings.TrimSpace(pc.FirstName + " " + pc.LastName),
		"phase":          state.Phase,
		"step":           state.Step,
		"r3rState":       state.R3RState,
		"elapsed":        state.ElapsedSeconds,
		"isPaused":       state.IsPaused,
		"currentCommand": state.CurrentCommand,
		"turnNumber":     state.TurnNumber,
		"mode":           state.Mode,
	}, msg.RequestID)
}

func (r *Router) activeSession() *orchestrator.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ActiveSessionID reports the session ID of the router's one active
// session slot, or "" if none, for use by the /stats endpoint.
func (r *Router) ActiveSessionID() string {
	active := r.activeSession()
	if active == nil {
		return ""
	}
	return active.SessionID()
}

func (r *Router) handleSessionEnd(ctx context.Context, msg protocol.Message) protocol.Message {
	session := r.activeSession()
	if session == nil {
		return r.errf(msg.RequestID, "no active session")
	}

	session.End(ctx)

	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()
	if r.bc != nil {
		r.bc.SetSessionID("")
	}

	return r.send(protocol.MessageTypeSessionEnded, map[string]any{"sessionId": session.SessionID()}, msg.RequestID)
}

func (r *Router) handleSessionPause(_ context.Context, msg protocol.Message) protocol.Message {
	session := r.activeSession()
	if session == nil {
		return r.errf(msg.RequestID, "no active session")
	}
	session.Pause()
	return r.send(protocol.MessageTypeSessionPaused, session.GetState(), msg.RequestID)
}

func (r *Router) handleSessionResume(_ context.Context, msg protocol.Message) protocol.Message {
	session := r.activeSession()
	if session == nil {
		return r.errf(msg.RequestID, "no active session")
	}
	session.Resume()
	return r.send(protocol.MessageTypeSessionResumed, session.GetState(), msg.RequestID)
}

// handleMeterHistory is a placeholder returning no readings, matching
// ipc/router.py's own not-yet-implemented _handle_meter_history.
func (r *Router) handleMeterHistory(_ context.Context, msg protocol.Message) protocol.Message {
	return r.send(protocol.MessageTypeMeterHistoryData, map[string]any{"readings": []any{}}, msg.RequestID)
}

// --- Manual PC text input ---

func (r *Router) handlePCInput(ctx context.Context, msg protocol.Message) protocol.Message {
	session := r.activeSession()
	if session == nil {
		return r.errf(msg.RequestID, "no active session")
	}

	var req struct {
		Text        string   `json:"text"`
		ToneArm     *float64 `json:"toneArm"`
		Sensitivity *float64 `json:"sensitivity"`
	}
	_ = msg.Decode(&req)
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return r.errf(msg.RequestID, "text is required")
	}

	r.broadcastMsg(r.send(protocol.MessageTypeChatTyping, map[string]any{"typing": true}, ""))

	var ev *meter.MeterEvent
	if r.bc != nil {
		snap := r.bc.CurrentEvent()
		if req.ToneArm != nil {
			snap.ToneArm = *req.ToneArm
		}
		if req.Sensitivity != nil {
			snap.Sensitivity = *req.Sensitivity
		} else {
			snap.Sensitivity = 16.0
		}
		ev = &snap
	}

	state := session.ProcessPCInput(ctx, text, ev)
	return r.send(protocol.MessageTypeSessionState, state, msg.RequestID)
}

// --- Audio input (STT collaborator) ---

func (r *Router) handleAudioInput(ctx context.Context, msg protocol.Message) protocol.Message {
	if r.transcriber == nil || !r.transcriber.Available() {
		return r.errf(msg.RequestID, "speech-to-text not configured (no OPENAI_API_KEY)")
	}

	var req struct {
		Audio    string `json:"audio"`
		Format   string `json:"format"`
		AutoSend bool   `json:"autoSend"`
	}
	_ = msg.Decode(&req)
	if req.Audio == "" {
		return r.errf(msg.RequestID, "audio (base64) is required")
	}
	format := req.Format
	if format == "" {
		format = "webm"
	}

	audioBytes, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		return r.errf(msg.RequestID, "invalid base64 audio data")
	}

	text, err := r.transcriber.Transcribe(ctx, audioBytes, format)
	if err != nil {
		return r.errf(msg.RequestID, "transcription failed: %v", err)
	}
	logger.Info("router: audio transcribed", "bytes", len(audioBytes), "auto_send", req.AutoSend)

	if req.AutoSend && r.activeSession() != nil {
		pcMsg, _ := protocol.NewMessage(protocol.MessageTypePCInput, map[string]any{"text": text}, msg.RequestID)
		return r.handlePCInput(ctx, pcMsg)
	}

	r.broadcastMsg(r.send(protocol.MessageTypeAudioTranscribed, map[string]any{"text": text, "autoSent": false}, ""))
	return r.send(protocol.MessageTypeAudioTranscribed, map[string]any{"text": text, "autoSent": false}, msg.RequestID)
}

// --- Session recovery ---

// handleSessionRecover recovers the currently active in-memory session's
// transcript if it matches the requested id; persistent cross-restart
// recovery is out of scope per the persistent-storage Non-goal, so a
// request for any other session id is rejected.
func (r *Router) handleSessionRecover(_ context.Context, msg protocol.Message) protocol.Message {
	var req struct {
		SessionID string `json:"sessionId"`
		PCID      string `json:"pcId"`
	}
	_ = msg.Decode(&req)
	if req.SessionID == "" || req.PCID == "" {
		return r.errf(msg.RequestID, "sessionId and pcId are required")
	}

	session := r.activeSession()
	if session == nil || session.SessionID() != req.SessionID || session.PCID() != req.PCID {
		return r.errf(msg.RequestID, "session not found: %s", req.SessionID)
	}

	entries := session.Transcript()
	messages := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, map[string]any{
			"turnNumber":   e.TurnNumber,
			"speaker":      e.Speaker,
			"text":         e.Text,
			"needleAction": e.NeedleAction,
			"toneArm":      e.ToneArm,
			"timestamp":    e.Timestamp,
		})
	}

	state := session.GetState()
	return r.send(protocol.MessageTypeSessionRecovered, map[string]any{
		"sessionId": req.SessionID,
		"messages":  messages,
		"sessionState": map[string]any{
			"phase":          state.Phase,
			"step":           state.Step,
			"r3rState":       state.R3RState,
			"elapsed":        state.ElapsedSeconds,
			"isPaused":       true,
			"pcId":           req.PCID,
			"sessionId":      req.SessionID,
			"currentCommand": state.CurrentCommand,
			"turnNumber":     state.TurnNumber,
		},
	}, msg.RequestID)
}
