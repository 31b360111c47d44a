// Package protocol frames and parses the JSON envelope exchanged with the
// remote peer. It is pure and stateless; all session logic lives elsewhere.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audio contract: fixed inbound format, 20ms frames.
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = 320
	FrameBytes    = 640
	AudioFormat   = "pcm_s16le"
)

// Error codes, mirrored by the client.
const (
	CodeBadMessage        = 1001
	CodeProtocolViolation = 1002
	CodeCapabilityFailure = 5001
	CodeInternal          = 5002
)

// Envelope is the unified wire message: one JSON object per message.
type Envelope struct {
	Type    string          `json:"type"`
	ConvID  string          `json:"conv_id"`
	MsgID   string          `json:"msg_id"`
	TsMs    int64           `json:"ts_ms"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Inbound message types.
const (
	TypeClientHello = "client_hello"
	TypeMicStart    = "mic_start"
	TypeUserAudio   = "user_audio_chunk"
	TypeMicEnd      = "mic_end"
	TypeInterrupt   = "interrupt"
	TypePing        = "ping"
)

// Outbound message types.
const (
	TypeState        = "state"
	TypeASRPartial   = "asr_partial"
	TypeASRFinal     = "asr_final"
	TypeSegmentStart = "segment_start"
	TypeAITextDelta  = "ai_text_delta"
	TypeAudioChunk   = "audio_chunk"
	TypeAudioEnd     = "audio_end"
	TypeBoard        = "board"
	TypeSegmentEnd   = "segment_end"
	TypeDone         = "done"
	TypeError        = "error"
	TypePong         = "pong"
)

// ClientHello opens a session and fixes the audio format.
type ClientHello struct {
	AudioFormat  string   `json:"audio_format"`
	Capabilities []string `json:"capabilities"`
}

// MicStart announces a new inbound utterance stream.
type MicStart struct {
	StreamID string `json:"stream_id"`
}

// UserAudioChunk carries one 20ms PCM frame, base64 in Data.
type UserAudioChunk struct {
	StreamID string `json:"stream_id"`
	Seq      int64  `json:"seq"`
	Data     []byte `json:"data"`
}

// MicEnd is an optional explicit end-of-utterance signal.
type MicEnd struct {
	StreamID string `json:"stream_id"`
	LastSeq  int64  `json:"last_seq"`
}

// Interrupt is the peer's explicit barge-in signal.
type Interrupt struct {
	Reason string `json:"reason"`
}

// Ping refreshes session activity.
type Ping struct{}

// Inbound is the closed set of client messages. Exactly one variant per
// wire type; dispatch is a type switch, never reflection.
type Inbound interface {
	inbound()
}

func (ClientHello) inbound()    {}
func (MicStart) inbound()       {}
func (UserAudioChunk) inbound() {}
func (MicEnd) inbound()         {}
func (Interrupt) inbound()      {}
func (Ping) inbound()           {}

// DecodeError marks a malformed envelope or payload. The session answers
// with an error envelope and stays alive.
type DecodeError struct {
	Code   int
	Reason string
}

func (e *DecodeError) Error() string { return e.Reason }

// Decode parses one raw websocket text message into its typed inbound
// variant. Unknown types and malformed payloads are DecodeErrors.
func Decode(raw []byte) (Inbound, *Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, &DecodeError{Code: CodeBadMessage, Reason: "invalid JSON envelope"}
	}

	var (
		msg Inbound
		err error
	)
	switch env.Type {
	case TypeClientHello:
		var p ClientHello
		err = unmarshalPayload(env.Payload, &p)
		msg = p
	case TypeMicStart:
		var p MicStart
		err = unmarshalPayload(env.Payload, &p)
		if err == nil && p.StreamID == "" {
			err = &DecodeError{Code: CodeBadMessage, Reason: "mic_start missing stream_id"}
		}
		msg = p
	case TypeUserAudio:
		var p UserAudioChunk
		err = unmarshalPayload(env.Payload, &p)
		if err == nil && p.StreamID == "" {
			err = &DecodeError{Code: CodeBadMessage, Reason: "user_audio_chunk missing stream_id"}
		}
		msg = p
	case TypeMicEnd:
		var p MicEnd
		err = unmarshalPayload(env.Payload, &p)
		msg = p
	case TypeInterrupt:
		var p Interrupt
		err = unmarshalPayload(env.Payload, &p)
		msg = p
	case TypePing:
		msg = Ping{}
	default:
		return nil, &env, &DecodeError{
			Code:   CodeBadMessage,
			Reason: fmt.Sprintf("unknown message type %q", env.Type),
		}
	}
	if err != nil {
		if de, ok := err.(*DecodeError); ok {
			return nil, &env, de
		}
		return nil, &env, &DecodeError{Code: CodeBadMessage, Reason: err.Error()}
	}
	return msg, &env, nil
}

func unmarshalPayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return &DecodeError{Code: CodeBadMessage, Reason: "missing payload"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &DecodeError{Code: CodeBadMessage, Reason: "invalid payload"}
	}
	return nil
}

func newEnvelope(convID, msgType string, payload any) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{
		Type:    msgType,
		ConvID:  convID,
		MsgID:   uuid.NewString(),
		TsMs:    nowMs(),
		Payload: raw,
	}
}
