package turn

import (
	"context"

	"github.com/edvolabs/tutorvoice/internal/capability"
	"github.com/edvolabs/tutorvoice/internal/protocol"
	"github.com/edvolabs/tutorvoice/pkg/Logger"
)

// Synchronizer drives the synthesis capability for one segment at a time,
// forwarding sentence boundaries and audio chunks in the exact order the
// capability produced them. Per-segment audio sequence numbers start at 0
// and are gap-free; the audio-end marker always precedes board content.
type Synchronizer struct {
	ConvID      string
	Synthesizer capability.Synthesizer
	Emitter     Emitter
	Log         *Logger.Logger
}

// StreamSegment plays one segment to the peer. onFirstAudio fires
// synchronously before the first audio chunk envelope of the turn goes out.
//
// Synthesis failure is recoverable: remaining audio for the segment is
// skipped but audio_end and board are still emitted so the peer's ordering
// contract holds. A context cancellation aborts immediately with no
// trailing markers (the runner's done envelope is the terminal signal).
// Returned errors are transport failures.
func (s *Synchronizer) StreamSegment(ctx context.Context, seg capability.Segment, onFirstAudio func()) error {
	if seg.Speech == "" {
		// No audio phase: board content goes out immediately.
		if seg.Board != "" {
			return s.Emitter.Emit(protocol.Board(s.ConvID, seg.Index, seg.Board))
		}
		return nil
	}

	lastSeq := int64(-1)
	deltaSeq := int64(0)

	events, err := s.Synthesizer.Synthesize(ctx, seg.Speech)
	if err != nil {
		s.Log.Errorf("synthesis open failed for segment %d: %v", seg.Index, err)
	} else {
	stream:
		for ev := range events {
			switch {
			case ev.Err != nil:
				s.Log.Errorf("synthesis failed mid-segment %d: %v", seg.Index, ev.Err)
				break stream

			case ev.Kind == capability.SynthSentenceStart:
				// One whole sentence per delta; the synthesis stream is the
				// timing authority.
				if err := s.Emitter.Emit(protocol.AITextDelta(s.ConvID, seg.Index, deltaSeq, ev.Sentence)); err != nil {
					return err
				}
				deltaSeq++

			case ev.Kind == capability.SynthAudioChunk:
				if lastSeq < 0 && onFirstAudio != nil {
					onFirstAudio()
				}
				lastSeq++
				if err := s.Emitter.Emit(protocol.AudioChunk(s.ConvID, seg.Index, lastSeq, ev.Audio)); err != nil {
					return err
				}

			case ev.Kind == capability.SynthFinished:
				break stream
			}

			if ctx.Err() != nil {
				break
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := s.Emitter.Emit(protocol.AudioEnd(s.ConvID, seg.Index, lastSeq)); err != nil {
		return err
	}
	if seg.Board != "" {
		return s.Emitter.Emit(protocol.Board(s.ConvID, seg.Index, seg.Board))
	}
	return nil
}
