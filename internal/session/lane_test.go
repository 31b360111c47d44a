package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis"

	"github.com/edvolabs/tutorvoice/internal/capability"
	"github.com/edvolabs/tutorvoice/internal/config"
	"github.com/edvolabs/tutorvoice/internal/protocol"
	"github.com/edvolabs/tutorvoice/pkg/Logger"
)

type collectEmitter struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (e *collectEmitter) Emit(env protocol.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.envs = append(e.envs, env)
	return nil
}

func (e *collectEmitter) DiscardPendingAudio() {}

func (e *collectEmitter) envelopes() []protocol.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Envelope(nil), e.envs...)
}

func (e *collectEmitter) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.envs))
	for i, env := range e.envs {
		out[i] = env.Type
	}
	return out
}

// waitFor blocks until an envelope of the given type has been emitted and
// returns its index in emission order.
func (e *collectEmitter) waitFor(t *testing.T, msgType string) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for i, typ := range e.types() {
			if typ == msgType {
				return i
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s (got %v)", msgType, e.types())
	return -1
}

func (e *collectEmitter) payloadAt(t *testing.T, i int, dst any) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := json.Unmarshal(e.envs[i].Payload, dst); err != nil {
		t.Fatalf("payload %d unmarshal: %v", i, err)
	}
}

// fakeRecognizer emits one partial on the first frame and a final once the
// frame stream closes.
type fakeRecognizer struct {
	final string
}

func (r *fakeRecognizer) Recognize(ctx context.Context, streamID string, frames <-chan []byte) (<-chan capability.TranscriptEvent, error) {
	events := make(chan capability.TranscriptEvent, 4)
	go func() {
		defer close(events)
		sawAudio := false
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-frames:
				if !ok {
					events <- capability.TranscriptEvent{Text: r.final, Final: true}
					return
				}
				if !sawAudio {
					sawAudio = true
					events <- capability.TranscriptEvent{Text: "so"}
				}
			}
		}
	}()
	return events, nil
}

// recordingRecognizer remembers the context of the most recent stream so
// tests can check the lane released it.
type recordingRecognizer struct {
	inner capability.Recognizer
	mu    sync.Mutex
	ctx   context.Context
}

func (r *recordingRecognizer) Recognize(ctx context.Context, streamID string, frames <-chan []byte) (<-chan capability.TranscriptEvent, error) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	return r.inner.Recognize(ctx, streamID, frames)
}

func (r *recordingRecognizer) lastCtx() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

type fakeGenerator struct {
	segments []capability.Segment
}

func (g *fakeGenerator) Generate(ctx context.Context, req capability.GenerationRequest) (<-chan capability.SegmentEvent, error) {
	out := make(chan capability.SegmentEvent, len(g.segments))
	for _, seg := range g.segments {
		out <- capability.SegmentEvent{Segment: seg}
	}
	close(out)
	return out, nil
}

type fakeSynthesizer struct{}

func (s *fakeSynthesizer) Synthesize(ctx context.Context, text string) (<-chan capability.SynthEvent, error) {
	out := make(chan capability.SynthEvent, 4)
	out <- capability.SynthEvent{Kind: capability.SynthSentenceStart, Sentence: text}
	out <- capability.SynthEvent{Kind: capability.SynthAudioChunk, Audio: make([]byte, 64)}
	out <- capability.SynthEvent{Kind: capability.SynthAudioChunk, Audio: make([]byte, 64)}
	out <- capability.SynthEvent{Kind: capability.SynthFinished}
	close(out)
	return out, nil
}

// blockingSynthesizer emits one sentence and one chunk, then holds the
// stream open until the turn is cancelled, keeping the session in the
// speaking state for as long as a test needs it there.
type blockingSynthesizer struct{}

func (s *blockingSynthesizer) Synthesize(ctx context.Context, text string) (<-chan capability.SynthEvent, error) {
	out := make(chan capability.SynthEvent, 2)
	out <- capability.SynthEvent{Kind: capability.SynthSentenceStart, Sentence: text}
	out <- capability.SynthEvent{Kind: capability.SynthAudioChunk, Audio: make([]byte, 64)}
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func testSettings() *config.Settings {
	cfg := &config.Settings{}
	cfg.ApplyDefaults()
	cfg.Recognition.Timeout = 2 * time.Second
	return cfg
}

// testStore points at a dead address; every store method degrades
// gracefully on redis errors, which is exactly what the lane relies on.
func testStore() *Store {
	rc := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  0,
	})
	return NewStoreWithClient(rc, time.Minute)
}

func testFrame(amp int16) []byte {
	pcm := make([]byte, protocol.FrameBytes)
	for i := 0; i < protocol.FrameSamples; i++ {
		pcm[2*i] = byte(uint16(amp))
		pcm[2*i+1] = byte(uint16(amp) >> 8)
	}
	return pcm
}

func defaultCaps() Capabilities {
	return Capabilities{
		Recognizer:  &fakeRecognizer{final: "what is two plus two"},
		Generator:   &fakeGenerator{segments: []capability.Segment{{Index: 0, Speech: "Four!", Board: "2 + 2 = 4"}}},
		Synthesizer: &fakeSynthesizer{},
	}
}

func startTestLane(t *testing.T, em *collectEmitter) (*Lane, context.CancelFunc) {
	t.Helper()
	return startLaneWith(t, em, testSettings(), defaultCaps())
}

func startLaneWith(t *testing.T, em *collectEmitter, cfg *config.Settings, caps Capabilities) (*Lane, context.CancelFunc) {
	t.Helper()
	lane := NewLane("c1", cfg, testStore(), caps, em, Logger.New(true))
	ctx, cancel := context.WithCancel(context.Background())
	go lane.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-lane.Done():
		case <-time.After(2 * time.Second):
			t.Error("lane did not stop")
		}
	})
	return lane, cancel
}

func TestLaneFullTurn(t *testing.T) {
	em := &collectEmitter{}
	lane, _ := startTestLane(t, em)

	lane.Deliver(protocol.ClientHello{AudioFormat: protocol.AudioFormat})
	em.waitFor(t, protocol.TypeState)

	lane.Deliver(protocol.MicStart{StreamID: "u1"})
	seq := int64(0)
	for i := 0; i < 10; i++ {
		lane.Deliver(protocol.UserAudioChunk{StreamID: "u1", Seq: seq, Data: testFrame(3277)})
		seq++
	}
	for i := 0; i < 80; i++ {
		lane.Deliver(protocol.UserAudioChunk{StreamID: "u1", Seq: seq, Data: testFrame(0)})
		seq++
	}

	finalAt := em.waitFor(t, protocol.TypeASRFinal)
	doneAt := em.waitFor(t, protocol.TypeDone)

	var final struct {
		StreamID string `json:"stream_id"`
		Text     string `json:"text"`
	}
	em.payloadAt(t, finalAt, &final)
	if final.StreamID != "u1" || final.Text != "what is two plus two" {
		t.Fatalf("asr_final payload = %+v", final)
	}

	var done struct {
		TotalSegments int    `json:"total_segments"`
		Reason        string `json:"reason"`
	}
	em.payloadAt(t, doneAt, &done)
	if done.Reason != protocol.DoneCompleted || done.TotalSegments != 1 {
		t.Fatalf("done payload = %+v", done)
	}

	// Ordering contract across the whole turn.
	types := em.types()
	idx := func(typ string) int {
		for i, tt := range types {
			if tt == typ {
				return i
			}
		}
		t.Fatalf("missing %s in %v", typ, types)
		return -1
	}
	if !(idx(protocol.TypeASRPartial) < finalAt) {
		t.Fatalf("asr_partial must precede asr_final: %v", types)
	}
	if !(idx(protocol.TypeSegmentStart) < idx(protocol.TypeAudioChunk)) {
		t.Fatalf("segment_start must precede audio: %v", types)
	}
	if !(idx(protocol.TypeAudioEnd) < idx(protocol.TypeBoard)) {
		t.Fatalf("audio_end must precede board: %v", types)
	}
	if !(idx(protocol.TypeBoard) < idx(protocol.TypeSegmentEnd) && idx(protocol.TypeSegmentEnd) < doneAt) {
		t.Fatalf("segment_end must close the segment before done: %v", types)
	}

	// state{speaking} goes out before the first audio chunk.
	speakingAt := -1
	for i, env := range em.envelopes() {
		if env.Type == protocol.TypeState {
			var p struct {
				State string `json:"state"`
			}
			if err := json.Unmarshal(env.Payload, &p); err == nil && p.State == string(StateSpeaking) {
				speakingAt = i
				break
			}
		}
	}
	if speakingAt < 0 || speakingAt > idx(protocol.TypeAudioChunk) {
		t.Fatalf("state{speaking} at %d must precede first audio chunk: %v", speakingAt, types)
	}

	// After done the lane is listening again and snapshot agrees.
	waitForState(t, lane, StateListening)
}

func TestLaneRejectsDuplicateSeq(t *testing.T) {
	em := &collectEmitter{}
	lane, _ := startTestLane(t, em)

	lane.Deliver(protocol.ClientHello{})
	em.waitFor(t, protocol.TypeState)
	lane.Deliver(protocol.MicStart{StreamID: "u1"})
	lane.Deliver(protocol.UserAudioChunk{StreamID: "u1", Seq: 0, Data: testFrame(0)})
	lane.Deliver(protocol.UserAudioChunk{StreamID: "u1", Seq: 0, Data: testFrame(0)})

	at := em.waitFor(t, protocol.TypeError)
	var p struct {
		Code int `json:"code"`
	}
	em.payloadAt(t, at, &p)
	if p.Code != protocol.CodeProtocolViolation {
		t.Fatalf("error code = %d, want %d", p.Code, protocol.CodeProtocolViolation)
	}
}

func TestLaneRejectsInterruptWithoutTurn(t *testing.T) {
	em := &collectEmitter{}
	lane, _ := startTestLane(t, em)

	lane.Deliver(protocol.ClientHello{})
	em.waitFor(t, protocol.TypeState)
	lane.Deliver(protocol.Interrupt{Reason: "user"})

	at := em.waitFor(t, protocol.TypeError)
	var p struct {
		Code int `json:"code"`
	}
	em.payloadAt(t, at, &p)
	if p.Code != protocol.CodeProtocolViolation {
		t.Fatalf("error code = %d, want %d", p.Code, protocol.CodeProtocolViolation)
	}
}

func TestLaneMicEndFinalizesUtterance(t *testing.T) {
	em := &collectEmitter{}
	lane, _ := startTestLane(t, em)

	lane.Deliver(protocol.ClientHello{})
	em.waitFor(t, protocol.TypeState)
	lane.Deliver(protocol.MicStart{StreamID: "u1"})
	for i := 0; i < 5; i++ {
		lane.Deliver(protocol.UserAudioChunk{StreamID: "u1", Seq: int64(i), Data: testFrame(3277)})
	}
	lane.Deliver(protocol.MicEnd{StreamID: "u1", LastSeq: 4})

	em.waitFor(t, protocol.TypeASRFinal)
	em.waitFor(t, protocol.TypeDone)
}

func TestLanePong(t *testing.T) {
	em := &collectEmitter{}
	lane, _ := startTestLane(t, em)

	lane.Deliver(protocol.ClientHello{})
	em.waitFor(t, protocol.TypeState)
	lane.Deliver(protocol.Ping{})
	em.waitFor(t, protocol.TypePong)
}

// driveToSpeaking walks a lane through handshake, an utterance and the
// recognition final, and returns once the session is speaking along with
// the next inbound audio seq.
func driveToSpeaking(t *testing.T, lane *Lane, em *collectEmitter) int64 {
	t.Helper()
	lane.Deliver(protocol.ClientHello{})
	em.waitFor(t, protocol.TypeState)
	lane.Deliver(protocol.MicStart{StreamID: "u1"})
	seq := int64(0)
	for i := 0; i < 10; i++ {
		lane.Deliver(protocol.UserAudioChunk{StreamID: "u1", Seq: seq, Data: testFrame(3277)})
		seq++
	}
	for i := 0; i < 80; i++ {
		lane.Deliver(protocol.UserAudioChunk{StreamID: "u1", Seq: seq, Data: testFrame(0)})
		seq++
	}
	waitForState(t, lane, StateSpeaking)
	return seq
}

func TestLaneBargeInInterruptsSpeech(t *testing.T) {
	em := &collectEmitter{}
	caps := defaultCaps()
	caps.Synthesizer = &blockingSynthesizer{}
	lane, _ := startLaneWith(t, em, testSettings(), caps)

	seq := driveToSpeaking(t, lane, em)

	// Sustained speech over the barge-in threshold while audio is playing.
	for i := 0; i < 15; i++ {
		lane.Deliver(protocol.UserAudioChunk{StreamID: "u1", Seq: seq, Data: testFrame(3277)})
		seq++
	}

	doneAt := em.waitFor(t, protocol.TypeDone)
	var done struct {
		Reason string `json:"reason"`
	}
	em.payloadAt(t, doneAt, &done)
	if done.Reason != protocol.DoneInterrupted {
		t.Fatalf("done reason = %q, want %q", done.Reason, protocol.DoneInterrupted)
	}

	types := em.types()
	for _, typ := range types[doneAt+1:] {
		if typ == protocol.TypeAudioChunk || typ == protocol.TypeAITextDelta {
			t.Fatalf("response content after done: %v", types)
		}
	}
	waitForState(t, lane, StateListening)
}

func TestLaneExplicitInterruptDuringSpeech(t *testing.T) {
	em := &collectEmitter{}
	caps := defaultCaps()
	caps.Synthesizer = &blockingSynthesizer{}
	lane, _ := startLaneWith(t, em, testSettings(), caps)

	driveToSpeaking(t, lane, em)
	lane.Deliver(protocol.Interrupt{Reason: "user"})

	doneAt := em.waitFor(t, protocol.TypeDone)
	var done struct {
		Reason string `json:"reason"`
	}
	em.payloadAt(t, doneAt, &done)
	if done.Reason != protocol.DoneInterrupted {
		t.Fatalf("done reason = %q, want %q", done.Reason, protocol.DoneInterrupted)
	}
	waitForState(t, lane, StateListening)
}

func TestLaneIdleTimeoutDestroysSession(t *testing.T) {
	em := &collectEmitter{}
	cfg := testSettings()
	cfg.Session.IdleTimeout = 50 * time.Millisecond
	lane, _ := startLaneWith(t, em, cfg, defaultCaps())

	lane.Deliver(protocol.ClientHello{})
	em.waitFor(t, protocol.TypeState)

	select {
	case <-lane.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lane did not tear down after idle timeout")
	}
}

func TestLaneReleasesRecognitionStreamAfterFinal(t *testing.T) {
	em := &collectEmitter{}
	rec := &recordingRecognizer{inner: &fakeRecognizer{final: "hello"}}
	caps := defaultCaps()
	caps.Recognizer = rec
	lane, _ := startLaneWith(t, em, testSettings(), caps)

	lane.Deliver(protocol.ClientHello{})
	em.waitFor(t, protocol.TypeState)
	lane.Deliver(protocol.MicStart{StreamID: "u1"})
	for i := 0; i < 5; i++ {
		lane.Deliver(protocol.UserAudioChunk{StreamID: "u1", Seq: int64(i), Data: testFrame(3277)})
	}
	lane.Deliver(protocol.MicEnd{StreamID: "u1", LastSeq: 4})
	em.waitFor(t, protocol.TypeDone)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sctx := rec.lastCtx(); sctx != nil && sctx.Err() != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("recognition stream still held after the final transcript")
}

func waitForState(t *testing.T, lane *Lane, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := lane.Snapshot()
		if ok && snap.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("lane never reached state %v", want)
}
