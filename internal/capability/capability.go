// Package capability declares the narrow contracts for the three external
// streaming services the orchestrator consumes: recognition, generation and
// synthesis. Implementations live in subpackages; the core never depends on
// a concrete provider.
package capability

import (
	"context"
)

// TranscriptEvent is one recognition result for an utterance stream.
// Partials may be superseded by later partials; a Final is terminal.
// Err, when set, is terminal too and means the capability failed mid-stream;
// the caller recovers on the last known partial.
type TranscriptEvent struct {
	Text  string
	Final bool
	Err   error
}

// Recognizer owns one streaming recognition call per utterance. Frames are
// raw s16le PCM. The returned channel is closed when the utterance is done,
// failed, or the context is cancelled; after cancellation no further events
// are delivered.
type Recognizer interface {
	Recognize(ctx context.Context, streamID string, frames <-chan []byte) (<-chan TranscriptEvent, error)
}

// Message is one prior conversation turn fed back as generation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest carries the finalized utterance plus session context.
type GenerationRequest struct {
	ConvID       string
	UserText     string
	SystemPrompt string
	History      []Message
}

// Segment is one unit of response output: spoken text plus optional board
// content. Segments arrive lazily, in order, and are never reordered.
type Segment struct {
	Index  int
	Speech string
	Board  string
}

// SegmentEvent is one element of the lazy segment stream. Err is terminal.
type SegmentEvent struct {
	Segment Segment
	Err     error
}

// Generator turns an utterance into an ordered lazy sequence of segments.
// The channel closes when the response is complete, failed, or cancelled.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (<-chan SegmentEvent, error)
}

// SynthEventKind tags events on a synthesis stream.
type SynthEventKind int

const (
	SynthSentenceStart SynthEventKind = iota
	SynthAudioChunk
	SynthSentenceEnd
	SynthFinished
)

// SynthEvent is one element of a segment's synthesis stream, in the exact
// order the capability produced it. Sentence boundaries and audio chunks
// must not be reordered or batched across boundaries. Err is terminal.
type SynthEvent struct {
	Kind     SynthEventKind
	Sentence string // sentence text, on SentenceStart/SentenceEnd
	Audio    []byte // raw s16le PCM, on AudioChunk
	Err      error
}

// Synthesizer opens one synthesis call for a segment's speech text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan SynthEvent, error)
}
