// Package turn runs the per-utterance pipeline: recognition bridge,
// dialogue orchestration over the generation capability, and the synthesis
// synchronizer that multiplexes audio, transcript deltas and board content
// back to the peer. All session state changes requested from here go
// through callbacks the session lane provides; the pipeline never mutates
// session state directly.
package turn

import (
	"github.com/edvolabs/tutorvoice/internal/protocol"
)

// Emitter is the bounded outbound path to the peer. Emit blocks under
// backpressure and fails when the transport write deadline is exceeded;
// DiscardPendingAudio drops buffered-but-unsent audio and text deltas after
// an interrupt so stale output never reaches the peer.
type Emitter interface {
	Emit(env protocol.Envelope) error
	DiscardPendingAudio()
}

// Turn end reasons, beyond the wire-level done reasons.
const (
	ReasonCompleted   = protocol.DoneCompleted
	ReasonInterrupted = protocol.DoneInterrupted
	// ReasonTransport means the peer write path failed; the session is torn
	// down and no done envelope could be delivered.
	ReasonTransport = "transport"
)

// Result summarizes one finished turn. Transcript is the spoken text of
// the segments that were fully delivered, for conversation history.
type Result struct {
	TotalSegments int
	Reason        string
	Transcript    string
}
