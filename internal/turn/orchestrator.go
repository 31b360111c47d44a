package turn

import (
	"context"
	"strings"

	"github.com/edvolabs/tutorvoice/internal/capability"
	"github.com/edvolabs/tutorvoice/internal/protocol"
	"github.com/edvolabs/tutorvoice/pkg/Logger"
)

// Runner is the dialogue orchestrator for one turn: it consumes the lazy
// segment stream from the generation capability and hands each segment, in
// order, to the synthesis synchronizer. It never buffers the whole response
// before starting synthesis; later segments may still be generating while
// earlier ones play.
type Runner struct {
	ConvID       string
	Generator    capability.Generator
	Synchronizer *Synchronizer
	Emitter      Emitter
	Log          *Logger.Logger

	// OnFirstAudio is called synchronously, once, right before the first
	// audio chunk of the turn; the lane uses it to move the session from
	// processing to speaking.
	OnFirstAudio func()
}

// Run executes the turn until the segment stream is exhausted, the
// controller interrupts it, or the transport fails. It always emits the
// terminal done envelope except on transport failure, where nothing can be
// delivered anyway.
func (r *Runner) Run(ctx context.Context, ctrl *Controller, req capability.GenerationRequest) Result {
	segs, err := r.Generator.Generate(ctx, req)
	if err != nil {
		r.Log.Errorf("generation start failed for %s: %v", r.ConvID, err)
		_ = r.Emitter.Emit(protocol.Error(r.ConvID, protocol.CodeCapabilityFailure, "generation failed", true))
		_ = r.Emitter.Emit(protocol.Done(r.ConvID, 0, protocol.DoneCompleted))
		return Result{Reason: ReasonCompleted}
	}

	firstFired := false
	onFirst := func() {
		if firstFired {
			return
		}
		firstFired = true
		if r.OnFirstAudio != nil {
			r.OnFirstAudio()
		}
	}

	total := 0
	var spoken strings.Builder
	for ev := range segs {
		if ctx.Err() != nil {
			break
		}
		if ev.Err != nil {
			r.Log.Errorf("generation failed for %s after %d segments: %v", r.ConvID, total, ev.Err)
			_ = r.Emitter.Emit(protocol.Error(r.ConvID, protocol.CodeCapabilityFailure, "generation failed", true))
			break
		}

		seg := ev.Segment
		if err := r.Emitter.Emit(protocol.SegmentStart(r.ConvID, seg.Index, seg.Index, seg.Speech != "", seg.Board != "")); err != nil {
			return Result{TotalSegments: total, Reason: ReasonTransport}
		}
		if err := r.Synchronizer.StreamSegment(ctx, seg, onFirst); err != nil {
			if ctx.Err() != nil {
				break
			}
			return Result{TotalSegments: total, Reason: ReasonTransport}
		}
		if err := r.Emitter.Emit(protocol.SegmentEnd(r.ConvID, seg.Index)); err != nil {
			return Result{TotalSegments: total, Reason: ReasonTransport}
		}
		total++
		if seg.Speech != "" {
			if spoken.Len() > 0 {
				spoken.WriteString(" ")
			}
			spoken.WriteString(seg.Speech)
		}
	}

	reason := ReasonCompleted
	if ctrl.Interrupted() || ctx.Err() != nil {
		reason = ReasonInterrupted
		// Stale chunks queued behind the done marker would corrupt the
		// peer's buffers; drop them first.
		r.Emitter.DiscardPendingAudio()
	}
	if err := r.Emitter.Emit(protocol.Done(r.ConvID, total, reason)); err != nil {
		return Result{TotalSegments: total, Reason: ReasonTransport, Transcript: spoken.String()}
	}
	return Result{TotalSegments: total, Reason: reason, Transcript: spoken.String()}
}
