package turn

import (
	"context"

	"github.com/edvolabs/tutorvoice/internal/capability"
	"github.com/edvolabs/tutorvoice/internal/protocol"
	"github.com/edvolabs/tutorvoice/pkg/Logger"
	"github.com/edvolabs/tutorvoice/pkg/audioring"
)

// frames buffered between the lane and the recognition feeder; at 20ms per
// frame this is ~2.5s of audio headroom before the oldest is dropped.
const bridgeRingFrames = 128

// RecognitionBridge owns one streaming recognition call for one utterance.
// The lane pushes gated frames without ever blocking (ring buffered); a
// feeder goroutine drains the ring into the capability. Transcript events
// come back through the sink, which posts them onto the session lane.
type RecognitionBridge struct {
	StreamID string

	ring   *audioring.FrameRing
	frames chan []byte
	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	log    *Logger.Logger
}

// StartRecognition opens the recognition stream for streamID. The sink is
// called from the bridge's pump goroutine; it must hand events off to the
// lane, not process them inline.
func StartRecognition(
	ctx context.Context,
	rec capability.Recognizer,
	streamID string,
	sink func(capability.TranscriptEvent),
	log *Logger.Logger,
) (*RecognitionBridge, error) {
	ctx, cancel := context.WithCancel(ctx)

	frames := make(chan []byte, 32)
	events, err := rec.Recognize(ctx, streamID, frames)
	if err != nil {
		cancel()
		return nil, err
	}

	b := &RecognitionBridge{
		StreamID: streamID,
		ring:     audioring.New(protocol.FrameBytes, bridgeRingFrames),
		frames:   frames,
		kick:     make(chan struct{}, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
		log:      log,
	}

	go b.feed(ctx)
	go func() {
		for ev := range events {
			sink(ev)
		}
	}()

	return b, nil
}

// Feed enqueues one frame. Never blocks; under overload the oldest frame is
// sacrificed rather than the transport.
func (b *RecognitionBridge) Feed(pcm []byte) {
	if err := b.ring.Push(pcm); err != nil {
		b.log.Warnf("recognition ring rejected frame for %s: %v", b.StreamID, err)
		return
	}
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Finish signals end of utterance: remaining frames are flushed, then the
// capability is asked for its final transcript.
func (b *RecognitionBridge) Finish() {
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Cancel aborts the stream; no further events are delivered after the
// capability observes the cancellation.
func (b *RecognitionBridge) Cancel() {
	b.cancel()
}

func (b *RecognitionBridge) feed(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.kick:
		case <-b.done:
		}

		for {
			frame, ok := b.ring.Pop()
			if !ok {
				break
			}
			select {
			case b.frames <- frame:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-b.done:
			if b.ring.Len() == 0 {
				close(b.frames)
				return
			}
		default:
		}
	}
}
