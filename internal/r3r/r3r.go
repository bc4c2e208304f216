// Package r3r implements component H: the 18-state, 3-flow repetitive
// processing state machine. Grounded on orchestrator/r3r.py's
// R3RStateMachine.
package r3r

import "strings"

// State is one of the 18 R3R processing states.
type State string

const (
	StateLocateIncident     State = "LOCATE_INCIDENT"
	StateWhatHappened       State = "WHAT_HAPPENED"
	StateMoveThrough        State = "MOVE_THROUGH"
	StateDuration           State = "DURATION"
	StateBeginning          State = "BEGINNING"
	StateMoveThroughAgain   State = "MOVE_THROUGH_AGAIN"
	StateWhatsHappening     State = "WHATS_HAPPENING"
	StateAnythingAdded      State = "ANYTHING_ADDED"
	StateTellMeAbout        State = "TELL_ME_ABOUT"
	StateABCDARecall        State = "ABCD_A_RECALL"
	StateABCDBWhen          State = "ABCD_B_WHEN"
	StateABCDCWhatDidYouDo  State = "ABCD_C_WHAT_DID_YOU_DO"
	StateABCDDAnythingElse  State = "ABCD_D_ANYTHING_ELSE"
	StateABCDErasingOrSolid State = "ABCD_ERASING_OR_SOLID"
	StateEarlierSimilar     State = "EARLIER_SIMILAR"
	StateChainEP            State = "CHAIN_EP"
	StateCheckNextFlow      State = "CHECK_NEXT_FLOW"
	StateItemComplete       State = "ITEM_COMPLETE"
)

// Flow is one of the three R3R flows.
type Flow int

const (
	Flow1 Flow = iota + 1 // "to you"
	Flow2                 // "you to another"
	Flow3                 // "another did to others"
)

// FlowLabels is the default command-template flow-label vocabulary,
// overridable via config.R3RConfig.FlowLabels.
var FlowLabels = map[Flow]string{
	Flow1: "done to you",
	Flow2: "you did to another",
	Flow3: "another did to others",
}

// Commands is the default state-to-command-template table, overridable
// via config.R3RConfig.Commands.
var Commands = map[State]string{
	StateLocateIncident:     "Locate an incident of {flow_label}.",
	StateWhatHappened:       "What happened?",
	StateMoveThrough:        "Move through the incident to a point {duration} later.",
	StateDuration:           "What is the duration of that incident?",
	StateBeginning:          "Move to the beginning of that incident.",
	StateMoveThroughAgain:   "Move through to the end of that incident.",
	StateWhatsHappening:     "What's happening?",
	StateAnythingAdded:      "Is anything being added to that incident?",
	StateTellMeAbout:        "Tell me about that.",
	StateABCDARecall:        "Recall the incident.",
	StateABCDBWhen:          "When was it?",
	StateABCDCWhatDidYouDo:  "What did you do?",
	StateABCDDAnythingElse:  "Is there anything else about that incident?",
	StateABCDErasingOrSolid: "Is that incident erasing or going more solid?",
	StateEarlierSimilar:     "Is there an earlier similar incident?",
	StateChainEP:            "How does it seem to you now?",
	StateCheckNextFlow:      "Good. Let's check another flow.",
	StateItemComplete:       "Very good.",
}

// initialSequence is the fixed 9-step sequence that precedes A-B-C-D
// cycling, per r3r.py's INITIAL_SEQUENCE.
var initialSequence = []State{
	StateLocateIncident,
	StateWhatHappened,
	StateDuration,
	StateBeginning,
	StateMoveThrough,
	StateWhatsHappening,
	StateMoveThroughAgain,
	StateAnythingAdded,
	StateTellMeAbout,
}

// Context tracks progress within the current flow/incident chain.
type Context struct {
	CurrentFlow      Flow
	ABCDCount        int
	ChainDepth       int
	FNDetected       bool
	CognitionNoted   bool
	VGIsPresent      bool
	FlowsCompleted   []Flow
}

func newContext() Context {
	return Context{CurrentFlow: Flow1}
}

func (c *Context) flowCompleted(f Flow) bool {
	for _, done := range c.FlowsCompleted {
		if done == f {
			return true
		}
	}
	return false
}

// Indicators are the meter/PC signals fed into a transition.
type Indicators struct {
	FNDetected bool
	Cognition  bool
	VGIs       bool
}

// Machine drives the R3R process through its 18 states and 3 flows.
// Not safe for concurrent use; the orchestrator owns one per active item.
type Machine struct {
	flowLabels map[Flow]string
	commands   map[State]string

	state            State
	ctx              Context
	initialStep      int
	inInitialSequence bool
	durationValue    string
}

// New constructs a Machine at LOCATE_INCIDENT, Flow 1. Pass nil for
// flowLabels/commands to use the package defaults.
func New(flowLabels map[Flow]string, commands map[State]string) *Machine {
	if flowLabels == nil {
		flowLabels = FlowLabels
	}
	if commands == nil {
		commands = Commands
	}
	return &Machine{
		flowLabels:        flowLabels,
		commands:          commands,
		state:             StateLocateIncident,
		ctx:               newContext(),
		inInitialSequence: true,
	}
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// Context returns a copy of the machine's tracked context.
func (m *Machine) Context() Context {
	cp := m.ctx
	cp.FlowsCompleted = append([]Flow(nil), m.ctx.FlowsCompleted...)
	return cp
}

// Command renders the auditor command text for the current state.
func (m *Machine) Command() string {
	template := m.commands[m.state]
	duration := m.durationValue
	if duration == "" {
		duration = "the end"
	}
	out := strings.ReplaceAll(template, "{flow_label}", m.flowLabels[m.ctx.CurrentFlow])
	out = strings.ReplaceAll(out, "{duration}", duration)
	return out
}

// Transition advances the state machine given the PC's response text and
// any meter indicators observed since the last transition. Returns the
// new state and its rendered command text.
func (m *Machine) Transition(pcResponse string, ind Indicators) (State, string) {
	if ind.FNDetected {
		m.ctx.FNDetected = true
	}
	if ind.Cognition {
		m.ctx.CognitionNoted = true
	}
	if ind.VGIs {
		m.ctx.VGIsPresent = true
	}

	if m.inInitialSequence {
		return m.advanceInitialSequence(pcResponse)
	}

	switch m.state {
	case StateABCDARecall:
		m.state = StateABCDBWhen
	case StateABCDBWhen:
		m.state = StateABCDCWhatDidYouDo
	case StateABCDCWhatDidYouDo:
		m.state = StateABCDDAnythingElse
	case StateABCDDAnythingElse:
		m.ctx.ABCDCount++
		m.state = StateABCDErasingOrSolid
	case StateABCDErasingOrSolid:
		m.advanceErasingOrSolid(pcResponse)
	case StateEarlierSimilar:
		return m.advanceEarlierSimilar(pcResponse)
	case StateChainEP:
		return m.checkNextFlow()
	case StateCheckNextFlow:
		return m.advanceFlow()
	case StateItemComplete:
		m.ResetForNewItem()
	}

	return m.state, m.Command()
}

func (m *Machine) advanceInitialSequence(pcResponse string) (State, string) {
	m.initialStep++
	if m.initialStep < len(initialSequence) {
		if initialSequence[m.initialStep-1] == StateDuration {
			m.durationValue = strings.TrimSpace(pcResponse)
			if m.durationValue == "" {
				m.durationValue = "the end"
			}
		}
		m.state = initialSequence[m.initialStep]
	} else {
		m.inInitialSequence = false
		m.state = StateABCDARecall
	}
	return m.state, m.Command()
}

func (m *Machine) advanceErasingOrSolid(pcResponse string) {
	lower := strings.ToLower(strings.TrimSpace(pcResponse))
	if strings.Contains(lower, "erasing") || strings.Contains(lower, "lighter") {
		m.state = StateABCDARecall
		return
	}
	m.state = StateEarlierSimilar
}

func (m *Machine) advanceEarlierSimilar(pcResponse string) (State, string) {
	lower := strings.ToLower(strings.TrimSpace(pcResponse))
	if strings.Contains(lower, "yes") {
		m.ctx.ChainDepth++
		m.ctx.ABCDCount = 0
		m.inInitialSequence = true
		m.initialStep = 0
		m.state = initialSequence[0]
		return m.state, m.Command()
	}
	return m.checkEP()
}

// checkEP advances to CHAIN_EP regardless of whether full end-phenomena
// conditions are met, per r3r.py's _check_ep (the question is asked
// either way; the full-EP flag only informs downstream session logic).
func (m *Machine) checkEP() (State, string) {
	m.state = StateChainEP
	return m.state, m.Command()
}

func (m *Machine) checkNextFlow() (State, string) {
	m.ctx.FlowsCompleted = append(m.ctx.FlowsCompleted, m.ctx.CurrentFlow)

	if m.ctx.CurrentFlow == Flow1 && !m.ctx.flowCompleted(Flow2) {
		m.state = StateCheckNextFlow
		return m.state, m.Command()
	}
	if m.ctx.CurrentFlow == Flow2 && !m.ctx.flowCompleted(Flow3) {
		m.state = StateCheckNextFlow
		return m.state, m.Command()
	}

	m.state = StateItemComplete
	return m.state, m.Command()
}

func (m *Machine) advanceFlow() (State, string) {
	switch {
	case !m.ctx.flowCompleted(Flow2):
		m.ctx.CurrentFlow = Flow2
	case !m.ctx.flowCompleted(Flow3):
		m.ctx.CurrentFlow = Flow3
	default:
		m.state = StateItemComplete
		return m.state, m.Command()
	}

	m.ctx.FNDetected = false
	m.ctx.CognitionNoted = false
	m.ctx.VGIsPresent = false
	m.ctx.ABCDCount = 0
	m.ctx.ChainDepth = 0
	m.inInitialSequence = true
	m.initialStep = 0
	m.state = initialSequence[0]
	return m.state, m.Command()
}

// NoteCognition marks that a cognition was observed during the current item.
func (m *Machine) NoteCognition() { m.ctx.CognitionNoted = true }

// NoteVGIs marks that visible VGIs were observed during the current item.
func (m *Machine) NoteVGIs() { m.ctx.VGIsPresent = true }

// ResetForNewItem clears all state and context, starting a fresh item at
// LOCATE_INCIDENT, Flow 1.
func (m *Machine) ResetForNewItem() {
	m.ctx = newContext()
	m.inInitialSequence = true
	m.initialStep = 0
	m.durationValue = ""
	m.state = StateLocateIncident
}
