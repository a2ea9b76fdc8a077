package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/coriolis-audio/duplexproto/event"
	"github.com/coriolis-audio/duplexproto/protoerr"
	"github.com/coriolis-audio/duplexproto/protolog"
)

const component = "session"

// stageEntry tracks one announced OutputStage for the current request.
type stageEntry struct {
	parentID *uuid.UUID
}

// contentEntry tracks one announced Output*Content for the current
// request.
type contentEntry struct {
	contentType event.ContentType
	stageID     uuid.UUID
	// functionCallSent enforces Invariant 4: exactly one OutputFunctionCall
	// per FUNCTION_CALL content.
	functionCallSent bool
}

// Machine enforces the session/request/stage/content state machine from
// spec §4.4 and the content/stage invariants from spec §3. It is safe for
// concurrent use; every method is a single atomic, non-suspending
// operation (spec §5).
type Machine struct {
	mu    sync.Mutex
	state State

	stages      map[uuid.UUID]stageEntry
	contents    map[uuid.UUID]contentEntry
	interrupted bool

	// role and sessionID identify this Machine's owner in transition logs
	// only; neither affects protocol behavior. Set via SetIdentity once the
	// owning driver knows its session id.
	role      string
	sessionID string
}

// New returns a Machine in StateInit.
func New() *Machine {
	return &Machine{state: StateInit}
}

// SetIdentity records the role ("client"/"server") and session id a driver
// uses when logging this Machine's transitions. Safe to call at any time,
// including before the session id is known (sessionID may be updated again
// later, e.g. once ServerReady assigns chat_id).
func (m *Machine) SetIdentity(role, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.role = role
	m.sessionID = sessionID
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) illegal(operation string, from State) error {
	return protoerr.NewProtocolError(protoerr.IllegalTransition, component, operation,
		fmt.Errorf("not legal in state %s", from))
}

// logTransition emits a protolog.Transition entry for a state change. Called
// with mu already released: it takes role/sessionID by value so it never
// needs to re-lock.
func logTransition(role, sessionID string, from, to State, attrs ...any) {
	protolog.Transition(context.Background(), role, sessionID, from.String(), to.String(), attrs...)
}

// Configure transitions INIT -> CONFIGURED on Config.
func (m *Machine) Configure() error {
	m.mu.Lock()
	if m.state != StateInit {
		defer m.mu.Unlock()
		return m.illegal("Configure", m.state)
	}
	from := m.state
	m.state = StateConfigured
	role, sessionID := m.role, m.sessionID
	m.mu.Unlock()
	logTransition(role, sessionID, from, StateConfigured)
	return nil
}

// Ready transitions CONFIGURED -> READY on the first ServerReady. It is
// also legal from RESPONDING (a driver emitting ServerReady directly,
// without a separate EndOutput call first) and from READY itself, since
// per-request ServerReady (spec §4.6/Open Question decision: a new
// ServerReady accompanies every request, not only the first) is announced
// while the Machine may already be sitting in READY after a prior
// EndOutput.
func (m *Machine) Ready() error {
	m.mu.Lock()
	if m.state != StateConfigured && m.state != StateResponding && m.state != StateReady {
		defer m.mu.Unlock()
		return m.illegal("Ready", m.state)
	}
	from := m.state
	m.state = StateReady
	m.stages = nil
	m.contents = nil
	m.interrupted = false
	role, sessionID := m.role, m.sessionID
	m.mu.Unlock()
	logTransition(role, sessionID, from, StateReady)
	return nil
}

// BeginInputAudio transitions READY -> AWAIT_INPUT in AUDIO mode.
func (m *Machine) BeginInputAudio() error {
	m.mu.Lock()
	if m.state != StateReady {
		defer m.mu.Unlock()
		return m.illegal("BeginInputAudio", m.state)
	}
	m.state = StateAwaitInputAudio
	role, sessionID := m.role, m.sessionID
	m.mu.Unlock()
	logTransition(role, sessionID, StateReady, StateAwaitInputAudio)
	return nil
}

// BeginInputText transitions READY -> AWAIT_INPUT_TEXT in TEXT mode.
func (m *Machine) BeginInputText() error {
	m.mu.Lock()
	if m.state != StateReady {
		defer m.mu.Unlock()
		return m.illegal("BeginInputText", m.state)
	}
	m.state = StateAwaitInputText
	role, sessionID := m.role, m.sessionID
	m.mu.Unlock()
	logTransition(role, sessionID, StateReady, StateAwaitInputText)
	return nil
}

// EndInput transitions AWAIT_INPUT(_TEXT) -> RESPONDING on InputEnd and
// resets the per-request stage/content registries for the new request's
// response.
func (m *Machine) EndInput() error {
	m.mu.Lock()
	if m.state != StateAwaitInputAudio && m.state != StateAwaitInputText {
		defer m.mu.Unlock()
		return m.illegal("EndInput", m.state)
	}
	from := m.state
	m.state = StateResponding
	m.stages = make(map[uuid.UUID]stageEntry)
	m.contents = make(map[uuid.UUID]contentEntry)
	m.interrupted = false
	role, sessionID := m.role, m.sessionID
	m.mu.Unlock()
	logTransition(role, sessionID, from, StateResponding)
	return nil
}

// Interrupt marks the current request interrupted. Legal during
// AWAIT_INPUT(_TEXT) or RESPONDING (spec §4.4: "Interrupt may be emitted by
// the Client at any point after Config"). Once interrupted, AnnounceStage,
// AnnounceContent and ValidateContentReference are rejected until EndInput,
// EndOutput or Ready clears the flag, enforcing Invariant 6 (an Interrupt
// during RESPONDING is followed by exactly one OutputEnd before the next
// OutputStage). LookupContent does not check the flag.
func (m *Machine) Interrupt() error {
	m.mu.Lock()
	switch m.state {
	case StateAwaitInputAudio, StateAwaitInputText, StateResponding:
		m.interrupted = true
		state, role, sessionID := m.state, m.role, m.sessionID
		m.mu.Unlock()
		logTransition(role, sessionID, state, state, "interrupted", true)
		return nil
	default:
		defer m.mu.Unlock()
		return m.illegal("Interrupt", m.state)
	}
}

// Interrupted reports whether the current request has been interrupted.
func (m *Machine) Interrupted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interrupted
}

// EndOutput transitions RESPONDING -> READY on OutputEnd (folding through
// REQUEST_DONE, spec §4.4). It is also how a Server driver concludes an
// interrupted request.
func (m *Machine) EndOutput() error {
	m.mu.Lock()
	if m.state != StateResponding {
		defer m.mu.Unlock()
		return m.illegal("EndOutput", m.state)
	}
	m.state = StateReady
	m.stages = nil
	m.contents = nil
	m.interrupted = false
	role, sessionID := m.role, m.sessionID
	m.mu.Unlock()
	logTransition(role, sessionID, StateResponding, StateReady)
	return nil
}

// Terminate transitions to TERMINATED from any state. It is idempotent.
func (m *Machine) Terminate() {
	m.mu.Lock()
	from := m.state
	m.state = StateTerminated
	role, sessionID := m.role, m.sessionID
	m.mu.Unlock()
	if from != StateTerminated {
		logTransition(role, sessionID, from, StateTerminated)
	}
}

// AnnounceStage validates and registers an OutputStage per Invariant 1: the
// id must be unique within the request, and parentID (if non-nil) must
// reference a previously-announced stage.
func (m *Machine) AnnounceStage(id uuid.UUID, parentID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateResponding {
		return m.illegal("AnnounceStage", m.state)
	}
	if m.interrupted {
		return m.illegal("AnnounceStage", m.state)
	}
	if _, exists := m.stages[id]; exists {
		return protoerr.NewProtocolError(protoerr.IllegalTransition, component, "AnnounceStage",
			fmt.Errorf("stage id %s already announced in this request", id))
	}
	if parentID != nil {
		if _, ok := m.stages[*parentID]; !ok {
			return protoerr.NewProtocolError(protoerr.UnknownReference, component, "AnnounceStage",
				fmt.Errorf("parent stage id %s was not previously announced", *parentID))
		}
	}

	m.stages[id] = stageEntry{parentID: parentID}
	return nil
}

// AnnounceContent validates and registers an Output*Content event per
// Invariant 2: the id must be unique within the request, and stageID must
// reference a previously-announced stage.
func (m *Machine) AnnounceContent(id uuid.UUID, contentType event.ContentType, stageID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateResponding {
		return m.illegal("AnnounceContent", m.state)
	}
	if m.interrupted {
		return m.illegal("AnnounceContent", m.state)
	}
	if _, exists := m.contents[id]; exists {
		return protoerr.NewProtocolError(protoerr.IllegalTransition, component, "AnnounceContent",
			fmt.Errorf("content id %s already announced in this request", id))
	}
	if _, ok := m.stages[stageID]; !ok {
		return protoerr.NewProtocolError(protoerr.UnknownReference, component, "AnnounceContent",
			fmt.Errorf("stage id %s was not previously announced", stageID))
	}

	m.contents[id] = contentEntry{contentType: contentType, stageID: stageID}
	return nil
}

// LookupContent returns the previously-announced type of contentID without
// consuming it. Used by callers (e.g. write_media) that accept either of
// two content types and need to know which applies.
func (m *Machine) LookupContent(contentID uuid.UUID) (event.ContentType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateResponding {
		return 0, m.illegal("LookupContent", m.state)
	}
	entry, ok := m.contents[contentID]
	if !ok {
		return 0, protoerr.NewProtocolError(protoerr.UnknownReference, component, "LookupContent",
			fmt.Errorf("content id %s was not previously announced", contentID))
	}
	return entry.contentType, nil
}

// ValidateContentReference validates an event referencing contentID (an
// OutputText, OutputFunctionCall, or media chunk) per Invariant 3: the id
// must reference a previously-announced content of the matching type. For
// FUNCTION_CALL content it additionally enforces Invariant 4 (exactly one
// OutputFunctionCall per content) by marking the content consumed.
func (m *Machine) ValidateContentReference(contentID uuid.UUID, want event.ContentType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateResponding {
		return m.illegal("ValidateContentReference", m.state)
	}
	if m.interrupted {
		return m.illegal("ValidateContentReference", m.state)
	}

	entry, ok := m.contents[contentID]
	if !ok {
		return protoerr.NewProtocolError(protoerr.UnknownReference, component, "ValidateContentReference",
			fmt.Errorf("content id %s was not previously announced", contentID))
	}
	if entry.contentType != want {
		return protoerr.NewProtocolError(protoerr.IllegalTransition, component, "ValidateContentReference",
			fmt.Errorf("content id %s is type %s, not %s", contentID, entry.contentType, want))
	}

	if want == event.ContentFunctionCall {
		if entry.functionCallSent {
			return protoerr.NewProtocolError(protoerr.IllegalTransition, component, "ValidateContentReference",
				fmt.Errorf("content id %s already received its single OutputFunctionCall", contentID))
		}
		entry.functionCallSent = true
		m.contents[contentID] = entry
	}

	return nil
}
