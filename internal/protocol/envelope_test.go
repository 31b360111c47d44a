package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestDecodeMicStart(t *testing.T) {
	raw := []byte(`{"type":"mic_start","conv_id":"c1","msg_id":"m1","ts_ms":1,"payload":{"stream_id":"u1"}}`)
	msg, env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.ConvID != "c1" {
		t.Fatalf("conv_id = %q, want c1", env.ConvID)
	}
	ms, ok := msg.(MicStart)
	if !ok {
		t.Fatalf("got %T, want MicStart", msg)
	}
	if ms.StreamID != "u1" {
		t.Fatalf("stream_id = %q, want u1", ms.StreamID)
	}
}

func TestDecodeAudioChunkBase64(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	raw := []byte(`{"type":"user_audio_chunk","conv_id":"c1","payload":{"stream_id":"u1","seq":7,"data":"` +
		base64.StdEncoding.EncodeToString(pcm) + `"}}`)
	msg, _, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	chunk := msg.(UserAudioChunk)
	if chunk.Seq != 7 {
		t.Fatalf("seq = %d, want 7", chunk.Seq)
	}
	if string(chunk.Data) != string(pcm) {
		t.Fatalf("data = %v, want %v", chunk.Data, pcm)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, env, err := Decode([]byte(`{"type":"warp_drive","conv_id":"c1","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("got %T, want *DecodeError", err)
	}
	if de.Code != CodeBadMessage {
		t.Fatalf("code = %d, want %d", de.Code, CodeBadMessage)
	}
	if env == nil || env.Type != "warp_drive" {
		t.Fatal("envelope should survive decode for error correlation")
	}
}

func TestDecodeRejectsMissingStreamID(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"mic_start","conv_id":"c1","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for missing stream_id")
	}
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	_, _, err := Decode([]byte(`{not json`))
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("got %T, want *DecodeError", err)
	}
	if de.Code != CodeBadMessage {
		t.Fatalf("code = %d, want %d", de.Code, CodeBadMessage)
	}
}

func TestDecodePingNeedsNoPayload(t *testing.T) {
	msg, _, err := Decode([]byte(`{"type":"ping","conv_id":"c1"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if _, ok := msg.(Ping); !ok {
		t.Fatalf("got %T, want Ping", msg)
	}
}

func TestAudioChunkEnvelopeCarriesFormat(t *testing.T) {
	env := AudioChunk("c1", 2, 5, []byte{9, 9})
	if env.Type != TypeAudioChunk || env.ConvID != "c1" || env.MsgID == "" || env.TsMs == 0 {
		t.Fatalf("bad envelope header: %+v", env)
	}

	var p struct {
		SegmentID     int    `json:"segment_id"`
		Seq           int64  `json:"seq"`
		Format        string `json:"format"`
		SampleRate    int    `json:"sample_rate"`
		Channels      int    `json:"channels"`
		BitsPerSample int    `json:"bits_per_sample"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if p.SegmentID != 2 || p.Seq != 5 {
		t.Fatalf("payload = %+v", p)
	}
	if p.Format != AudioFormat || p.SampleRate != SampleRate || p.Channels != Channels || p.BitsPerSample != BitsPerSample {
		t.Fatalf("audio metadata drifted: %+v", p)
	}
}

func TestDoneEnvelope(t *testing.T) {
	env := Done("c1", 3, DoneInterrupted)
	var p struct {
		TotalSegments int    `json:"total_segments"`
		Reason        string `json:"reason"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if p.TotalSegments != 3 || p.Reason != DoneInterrupted {
		t.Fatalf("payload = %+v", p)
	}
}
