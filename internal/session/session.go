// Package session owns per-conversation authoritative state: the state
// machine, the utterance lifecycle, and the single lane (one goroutine per
// session) everything else funnels through. No component outside this
// package holds a private copy of session state.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// State is the conversation state as seen by the peer.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

// Transition events. The table below is the complete set of legal moves;
// anything else is rejected, not silently applied.
const (
	EventHandshake  = "handshake"           // idle -> listening
	EventFinalize   = "utterance_finalized" // listening -> processing
	EventFirstAudio = "first_audio"         // processing -> speaking
	EventComplete   = "turn_complete"       // processing|speaking -> listening
	EventInterrupt  = "interrupt"           // processing|speaking -> listening
	EventTeardown   = "teardown"            // any active -> idle (terminal)
)

// ErrRejected wraps an illegal transition request so callers can
// distinguish logic errors from capability failures.
type ErrRejected struct {
	Event string
	From  State
}

func (e *ErrRejected) Error() string {
	return fmt.Sprintf("illegal transition %q from state %q", e.Event, e.From)
}

// Utterance is the span of frames between endpoint-detected start and
// finalize. One per session at most; discarded once handed to the turn.
type Utterance struct {
	StreamID  string
	Partial   string
	Final     string
	Finalized bool
}

// Session holds the authoritative per-conversation fields. It is owned by
// its lane; only Current() is safe to call from outside (the fsm guards its
// own state).
type Session struct {
	ID string

	fsm            *fsm.FSM
	ActiveStreamID string
	LastInboundSeq int64
	LastActivity   time.Time

	utterance *Utterance
}

func NewSession(id string) *Session {
	return &Session{
		ID:             id,
		fsm:            newStateMachine(),
		LastInboundSeq: -1,
		LastActivity:   time.Now(),
	}
}

func newStateMachine() *fsm.FSM {
	active := []string{string(StateListening), string(StateProcessing), string(StateSpeaking)}
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: EventHandshake, Src: []string{string(StateIdle)}, Dst: string(StateListening)},
			{Name: EventFinalize, Src: []string{string(StateListening)}, Dst: string(StateProcessing)},
			{Name: EventFirstAudio, Src: []string{string(StateProcessing)}, Dst: string(StateSpeaking)},
			{Name: EventComplete, Src: []string{string(StateProcessing), string(StateSpeaking)}, Dst: string(StateListening)},
			{Name: EventInterrupt, Src: []string{string(StateProcessing), string(StateSpeaking)}, Dst: string(StateListening)},
			{Name: EventTeardown, Src: active, Dst: string(StateIdle)},
		},
		fsm.Callbacks{},
	)
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// Transition applies one event. Illegal events return *ErrRejected and
// leave the state unchanged.
func (s *Session) Transition(event string) error {
	from := s.State()
	if err := s.fsm.Event(context.Background(), event); err != nil {
		return &ErrRejected{Event: event, From: from}
	}
	return nil
}

// Touch refreshes the activity clock.
func (s *Session) Touch() {
	s.LastActivity = time.Now()
}

// OpenUtterance starts a new utterance for the active stream. The gate
// guarantees at most one is open at a time.
func (s *Session) OpenUtterance(streamID string) *Utterance {
	s.utterance = &Utterance{StreamID: streamID}
	return s.utterance
}

// Utterance returns the open (or finalizing) utterance, nil when none.
func (s *Session) Utterance() *Utterance {
	return s.utterance
}

// DiscardUtterance drops the utterance after it was handed off or failed.
func (s *Session) DiscardUtterance() {
	s.utterance = nil
}
