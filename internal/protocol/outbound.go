package protocol

// Outbound envelope constructors. Payload shapes here are the contract the
// client renders from; field names must not drift.

type statePayload struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

type asrPayload struct {
	StreamID string `json:"stream_id"`
	Text     string `json:"text"`
}

type segmentStartPayload struct {
	SegmentID int  `json:"segment_id"`
	Index     int  `json:"index"`
	HasSpeech bool `json:"has_speech"`
	HasBoard  bool `json:"has_board"`
}

type aiTextDeltaPayload struct {
	SegmentID int    `json:"segment_id"`
	Seq       int64  `json:"seq"`
	Delta     string `json:"delta"`
}

type audioChunkPayload struct {
	SegmentID     int    `json:"segment_id"`
	Seq           int64  `json:"seq"`
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	BitsPerSample int    `json:"bits_per_sample"`
	Data          []byte `json:"data"`
}

type audioEndPayload struct {
	SegmentID int   `json:"segment_id"`
	LastSeq   int64 `json:"last_seq"`
}

type boardPayload struct {
	SegmentID int    `json:"segment_id"`
	Format    string `json:"format"`
	Content   string `json:"content"`
}

type segmentEndPayload struct {
	SegmentID int `json:"segment_id"`
}

type donePayload struct {
	TotalSegments int    `json:"total_segments"`
	Reason        string `json:"reason"`
}

type errorPayload struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Done reasons.
const (
	DoneCompleted   = "completed"
	DoneInterrupted = "interrupted"
)

func State(convID, state string) Envelope {
	return newEnvelope(convID, TypeState, statePayload{State: state})
}

func ASRPartial(convID, streamID, text string) Envelope {
	return newEnvelope(convID, TypeASRPartial, asrPayload{StreamID: streamID, Text: text})
}

func ASRFinal(convID, streamID, text string) Envelope {
	return newEnvelope(convID, TypeASRFinal, asrPayload{StreamID: streamID, Text: text})
}

func SegmentStart(convID string, segmentID, index int, hasSpeech, hasBoard bool) Envelope {
	return newEnvelope(convID, TypeSegmentStart, segmentStartPayload{
		SegmentID: segmentID,
		Index:     index,
		HasSpeech: hasSpeech,
		HasBoard:  hasBoard,
	})
}

// AITextDelta carries one whole sentence per delta; the synthesis stream is
// the timing authority, there is no typewriter simulation.
func AITextDelta(convID string, segmentID int, seq int64, delta string) Envelope {
	return newEnvelope(convID, TypeAITextDelta, aiTextDeltaPayload{
		SegmentID: segmentID,
		Seq:       seq,
		Delta:     delta,
	})
}

func AudioChunk(convID string, segmentID int, seq int64, data []byte) Envelope {
	return newEnvelope(convID, TypeAudioChunk, audioChunkPayload{
		SegmentID:     segmentID,
		Seq:           seq,
		Format:        AudioFormat,
		SampleRate:    SampleRate,
		Channels:      Channels,
		BitsPerSample: BitsPerSample,
		Data:          data,
	})
}

func AudioEnd(convID string, segmentID int, lastSeq int64) Envelope {
	return newEnvelope(convID, TypeAudioEnd, audioEndPayload{SegmentID: segmentID, LastSeq: lastSeq})
}

func Board(convID string, segmentID int, content string) Envelope {
	return newEnvelope(convID, TypeBoard, boardPayload{SegmentID: segmentID, Format: "md", Content: content})
}

func SegmentEnd(convID string, segmentID int) Envelope {
	return newEnvelope(convID, TypeSegmentEnd, segmentEndPayload{SegmentID: segmentID})
}

func Done(convID string, totalSegments int, reason string) Envelope {
	return newEnvelope(convID, TypeDone, donePayload{TotalSegments: totalSegments, Reason: reason})
}

func Error(convID string, code int, message string, retryable bool) Envelope {
	return newEnvelope(convID, TypeError, errorPayload{Code: code, Message: message, Retryable: retryable})
}

func Pong(convID string) Envelope {
	return newEnvelope(convID, TypePong, struct{}{})
}
