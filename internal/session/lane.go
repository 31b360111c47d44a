package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/edvolabs/tutorvoice/internal/audio"
	"github.com/edvolabs/tutorvoice/internal/capability"
	"github.com/edvolabs/tutorvoice/internal/config"
	"github.com/edvolabs/tutorvoice/internal/protocol"
	"github.com/edvolabs/tutorvoice/internal/prompts"
	"github.com/edvolabs/tutorvoice/internal/turn"
	"github.com/edvolabs/tutorvoice/pkg/Logger"
)

const (
	laneQueue        = 256
	historyWindow    = 10
	idlePollInterval = 30 * time.Second
)

// Capabilities bundles the three streaming services a lane drives.
type Capabilities struct {
	Recognizer  capability.Recognizer
	Generator   capability.Generator
	Synthesizer capability.Synthesizer
}

// Lane commands. Everything that touches session state arrives here, in
// order, and is handled on the one lane goroutine.
type laneEvent any

type evInbound struct {
	msg protocol.Inbound
}

type evTranscript struct {
	streamID string
	tev      capability.TranscriptEvent
}

type evFirstAudio struct {
	ack chan struct{}
}

type evTurnDone struct {
	result turn.Result
}

type evASRTimeout struct {
	streamID string
}

type evSnapshot struct {
	reply chan Snapshot
}

// Snapshot is a read-only view of one lane, taken on the lane itself so it
// is always internally consistent.
type Snapshot struct {
	ConvID         string    `json:"conv_id"`
	State          State     `json:"state"`
	ActiveStreamID string    `json:"active_stream_id,omitempty"`
	NoiseFloorDB   float64   `json:"noise_floor_db"`
	TurnActive     bool      `json:"turn_active"`
	LastActivity   time.Time `json:"last_activity"`
}

// Lane is the actor owning one conversation: a single goroutine consuming
// commands from the transport read loop, the recognition bridge, the turn
// runner and timers. Nothing else mutates the session.
type Lane struct {
	convID  string
	cfg     *config.Settings
	store   *Store
	caps    Capabilities
	emitter turn.Emitter
	log     *Logger.Logger

	sess   *Session
	gate   *audio.Gate
	bridge *turn.RecognitionBridge

	turnCtrl   *turn.Controller
	turnCancel context.CancelFunc

	// pendingFinal is set between utterance finalize and the recognition
	// final (or its timeout).
	pendingFinal bool
	asrTimer     *time.Timer
	expired      bool

	in       chan laneEvent
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewLane(convID string, cfg *config.Settings, store *Store, caps Capabilities, emitter turn.Emitter, log *Logger.Logger) *Lane {
	return &Lane{
		convID:  convID,
		cfg:     cfg,
		store:   store,
		caps:    caps,
		emitter: emitter,
		log:     log,
		sess:    NewSession(convID),
		gate:    audio.NewGate(cfg.Gate),
		in:      make(chan laneEvent, laneQueue),
		stopped: make(chan struct{}),
	}
}

// Deliver hands one decoded inbound message to the lane, preserving the
// transport's arrival order. Blocks only against the lane's own queue.
func (l *Lane) Deliver(msg protocol.Inbound) {
	l.post(evInbound{msg: msg})
}

// Done closes when the lane has shut down.
func (l *Lane) Done() <-chan struct{} { return l.stopped }

func (l *Lane) post(ev laneEvent) {
	select {
	case l.in <- ev:
	case <-l.stopped:
	}
}

func (l *Lane) halt() {
	l.stopOnce.Do(func() { close(l.stopped) })
}

// Run is the lane loop. It returns when the context is cancelled (transport
// closed), the write path fails, or the session idles out; teardown always
// runs exactly once.
func (l *Lane) Run(ctx context.Context) {
	poll := idlePollInterval
	if t := l.cfg.Session.IdleTimeout; t > 0 && t < poll {
		poll = t
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	defer l.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopped:
			return
		case ev := <-l.in:
			if l.handle(ctx, ev) {
				return
			}
		case <-ticker.C:
			if time.Since(l.sess.LastActivity) > l.cfg.Session.IdleTimeout {
				l.log.Infof("session %s idle for over %s, tearing down", l.convID, l.cfg.Session.IdleTimeout)
				l.expired = true
				return
			}
		}
	}
}

func (l *Lane) teardown() {
	l.halt()
	if l.asrTimer != nil {
		l.asrTimer.Stop()
		l.asrTimer = nil
	}
	if l.turnCancel != nil {
		l.turnCancel()
		l.turnCancel = nil
	}
	if l.bridge != nil {
		l.bridge.Cancel()
		l.bridge = nil
	}
	if l.sess.State() != StateIdle {
		if err := l.sess.Transition(EventTeardown); err != nil {
			l.log.Errorf("teardown transition failed for %s: %v", l.convID, err)
		}
	}
	if l.expired {
		// An idled-out session is gone for good; a plain transport close
		// keeps the record around so the client can reconnect within TTL.
		l.store.Delete(l.convID)
	} else {
		l.store.SetState(l.convID, string(StateIdle))
	}
	l.log.Infof("session %s torn down", l.convID)
}

// handle processes one command; returns true when the lane must stop.
func (l *Lane) handle(ctx context.Context, ev laneEvent) bool {
	switch ev := ev.(type) {
	case evInbound:
		l.sess.Touch()
		switch msg := ev.msg.(type) {
		case protocol.ClientHello:
			l.onHello(msg)
		case protocol.Ping:
			l.store.Touch(l.convID)
			l.emit(protocol.Pong(l.convID))
		case protocol.MicStart:
			l.onMicStart(ctx, msg)
		case protocol.UserAudioChunk:
			l.onAudio(ctx, msg)
		case protocol.MicEnd:
			l.onMicEnd(ctx, msg)
		case protocol.Interrupt:
			l.onInterrupt(msg)
		}
	case evTranscript:
		l.onTranscript(ctx, ev)
	case evFirstAudio:
		l.onFirstAudio(ev)
	case evTurnDone:
		return l.onTurnDone(ev.result)
	case evASRTimeout:
		l.onASRTimeout(ctx, ev.streamID)
	case evSnapshot:
		ev.reply <- l.snapshot()
	}

	select {
	case <-l.stopped:
		return true
	default:
		return false
	}
}

func (l *Lane) emit(env protocol.Envelope) {
	if err := l.emitter.Emit(env); err != nil {
		l.log.Warnf("emit failed for %s, closing session: %v", l.convID, err)
		l.halt()
	}
}

func (l *Lane) emitState(state State) {
	l.store.SetState(l.convID, string(state))
	l.emit(protocol.State(l.convID, string(state)))
}

func (l *Lane) onHello(msg protocol.ClientHello) {
	if l.sess.State() != StateIdle {
		l.emit(protocol.Error(l.convID, protocol.CodeProtocolViolation, "handshake already completed", false))
		return
	}
	if msg.AudioFormat != "" && msg.AudioFormat != protocol.AudioFormat {
		l.emit(protocol.Error(l.convID, protocol.CodeBadMessage, "unsupported audio format "+msg.AudioFormat, false))
		return
	}
	if err := l.sess.Transition(EventHandshake); err != nil {
		l.log.Errorf("handshake transition failed for %s: %v", l.convID, err)
		return
	}
	l.store.Touch(l.convID)
	l.emitState(StateListening)
}

func (l *Lane) onMicStart(ctx context.Context, msg protocol.MicStart) {
	if l.sess.State() == StateIdle {
		l.emit(protocol.Error(l.convID, protocol.CodeProtocolViolation, "mic_start before handshake", false))
		return
	}
	if l.gate.InUtterance() {
		l.emit(protocol.Error(l.convID, protocol.CodeProtocolViolation, "mic_start while an utterance is open", false))
		return
	}
	if l.bridge != nil {
		l.bridge.Cancel()
		l.bridge = nil
	}
	l.sess.ActiveStreamID = msg.StreamID
	l.sess.LastInboundSeq = -1
	l.ensureBridge(ctx, msg.StreamID)
}

func (l *Lane) onAudio(ctx context.Context, msg protocol.UserAudioChunk) {
	state := l.sess.State()
	if state == StateIdle {
		l.emit(protocol.Error(l.convID, protocol.CodeProtocolViolation, "audio before handshake", false))
		return
	}
	if l.sess.ActiveStreamID == "" || msg.StreamID != l.sess.ActiveStreamID {
		l.emit(protocol.Error(l.convID, protocol.CodeProtocolViolation, "audio for unknown stream "+msg.StreamID, false))
		return
	}
	if msg.Seq <= l.sess.LastInboundSeq {
		l.emit(protocol.Error(l.convID, protocol.CodeProtocolViolation, "duplicate or stale audio seq", false))
		return
	}
	if msg.Seq > l.sess.LastInboundSeq+1 {
		l.log.Warnf("audio gap on %s: %d -> %d", msg.StreamID, l.sess.LastInboundSeq, msg.Seq)
	}
	l.sess.LastInboundSeq = msg.Seq
	if !audio.ValidFrame(msg.Data) {
		l.emit(protocol.Error(l.convID, protocol.CodeBadMessage, "audio frame must be exactly one 20ms frame", false))
		return
	}

	frame := audio.Frame{StreamID: msg.StreamID, Seq: msg.Seq, PCM: msg.Data}
	decision, event := l.gate.Process(frame, phaseFor(state))

	switch event {
	case audio.SpeechStarted:
		l.sess.OpenUtterance(msg.StreamID)
		l.ensureBridge(ctx, msg.StreamID)
	case audio.BargeInDetected:
		l.log.Infof("barge-in detected on %s", l.convID)
		if l.turnCtrl != nil {
			l.turnCtrl.Trigger("barge_in")
		}
		l.sess.OpenUtterance(msg.StreamID)
		l.ensureBridge(ctx, msg.StreamID)
	}

	if decision == audio.Feed && l.bridge != nil && l.gate.InUtterance() {
		l.bridge.Feed(msg.Data)
	}

	if event == audio.SilenceTimeout {
		l.finalizeUtterance(ctx)
	}
}

func (l *Lane) onMicEnd(ctx context.Context, msg protocol.MicEnd) {
	if !l.gate.Finalize() {
		// mic_end without an open utterance is tolerated (duplicate or the
		// endpoint already fired).
		l.log.Debugf("mic_end with no open utterance on %s", l.convID)
		return
	}
	l.finalizeUtterance(ctx)
}

func (l *Lane) onInterrupt(msg protocol.Interrupt) {
	if l.turnCtrl == nil {
		l.emit(protocol.Error(l.convID, protocol.CodeProtocolViolation, "no response in flight to interrupt", false))
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = "user"
	}
	l.turnCtrl.Trigger(reason)
}

// ensureBridge opens the recognition stream if none is active. Called from
// mic_start and from gate speech edges (barge-in utterances have no
// mic_start of their own).
func (l *Lane) ensureBridge(ctx context.Context, streamID string) {
	if l.bridge != nil {
		return
	}
	sink := func(tev capability.TranscriptEvent) {
		l.post(evTranscript{streamID: streamID, tev: tev})
	}
	b, err := turn.StartRecognition(ctx, l.caps.Recognizer, streamID, sink, l.log)
	if err != nil {
		l.log.Errorf("recognition open failed for %s: %v", l.convID, err)
		l.emit(protocol.Error(l.convID, protocol.CodeCapabilityFailure, "recognition unavailable", true))
		return
	}
	l.bridge = b
}

// finalizeUtterance closes the open utterance and waits for the final
// transcript, bounded by the recognition timeout.
func (l *Lane) finalizeUtterance(ctx context.Context) {
	utt := l.sess.Utterance()
	if utt == nil || utt.Finalized {
		return
	}
	utt.Finalized = true
	l.pendingFinal = true

	if err := l.sess.Transition(EventFinalize); err != nil {
		// Can happen when the endpoint fires while an interrupted turn is
		// still winding down; the turn-done handler brings us back in line.
		l.log.Warnf("finalize for %s: %v", l.convID, err)
	} else {
		l.emitState(StateProcessing)
	}

	if l.bridge == nil {
		l.resolveTranscript(ctx, utt.StreamID, utt.Partial)
		return
	}
	l.bridge.Finish()
	streamID := utt.StreamID
	l.asrTimer = time.AfterFunc(l.cfg.Recognition.Timeout, func() {
		l.post(evASRTimeout{streamID: streamID})
	})
}

func (l *Lane) onTranscript(ctx context.Context, ev evTranscript) {
	utt := l.sess.Utterance()
	if utt == nil || utt.StreamID != ev.streamID {
		// Stale event from a superseded or cancelled stream.
		return
	}

	tev := ev.tev
	if tev.Err != nil {
		l.log.Errorf("recognition failed on %s: %v", ev.streamID, tev.Err)
		if l.bridge != nil {
			l.bridge.Cancel()
			l.bridge = nil
		}
		if l.pendingFinal {
			// Recover on the last partial rather than losing the utterance.
			l.resolveTranscript(ctx, ev.streamID, utt.Partial)
			return
		}
		l.emit(protocol.Error(l.convID, protocol.CodeCapabilityFailure, "recognition failed", true))
		return
	}

	if tev.Final {
		if !l.pendingFinal {
			// The capability endpointed before the gate did; honor it.
			l.gate.Finalize()
			utt.Partial = tev.Text
			l.finalizeUtterance(ctx)
			if !l.pendingFinal {
				return
			}
		}
		l.resolveTranscript(ctx, ev.streamID, tev.Text)
		return
	}

	utt.Partial = tev.Text
	if tev.Text != "" {
		l.emit(protocol.ASRPartial(l.convID, ev.streamID, tev.Text))
	}
}

func (l *Lane) onASRTimeout(ctx context.Context, streamID string) {
	utt := l.sess.Utterance()
	if !l.pendingFinal || utt == nil || utt.StreamID != streamID {
		return
	}
	l.log.Warnf("recognition final timed out on %s, using last partial", streamID)
	l.resolveTranscript(ctx, streamID, utt.Partial)
}

// resolveTranscript settles the utterance with its final text and, when the
// text is non-empty, starts the response turn.
func (l *Lane) resolveTranscript(ctx context.Context, streamID, text string) {
	if l.asrTimer != nil {
		l.asrTimer.Stop()
		l.asrTimer = nil
	}
	l.pendingFinal = false
	if l.bridge != nil {
		l.bridge.Cancel()
		l.bridge = nil
	}
	l.sess.DiscardUtterance()
	l.gate.Reset()

	l.emit(protocol.ASRFinal(l.convID, streamID, text))

	if strings.TrimSpace(text) == "" {
		// Nothing to answer; fall straight back to listening.
		if err := l.sess.Transition(EventComplete); err != nil {
			l.log.Warnf("empty transcript recovery for %s: %v", l.convID, err)
			return
		}
		l.emitState(StateListening)
		return
	}
	l.startTurn(ctx, text)
}

func (l *Lane) startTurn(ctx context.Context, userText string) {
	history := l.store.History(l.convID, historyWindow)
	prompt := l.store.SystemPrompt(l.convID)
	if prompt == "" {
		prompt = prompts.Render(l.store.ConversationType(l.convID), l.store.ContextVars(l.convID))
		l.store.CacheSystemPrompt(l.convID, prompt)
	}
	l.store.AppendMessage(l.convID, "user", userText)

	turnCtx, cancel := context.WithCancel(ctx)
	ctrl := turn.NewController(cancel)
	l.turnCtrl = ctrl
	l.turnCancel = cancel

	runner := &turn.Runner{
		ConvID:    l.convID,
		Generator: l.caps.Generator,
		Synchronizer: &turn.Synchronizer{
			ConvID:      l.convID,
			Synthesizer: l.caps.Synthesizer,
			Emitter:     l.emitter,
			Log:         l.log,
		},
		Emitter: l.emitter,
		Log:     l.log,
		OnFirstAudio: func() {
			// Synchronous handoff: the state{speaking} envelope must be on
			// the wire before the first audio chunk.
			ack := make(chan struct{})
			l.post(evFirstAudio{ack: ack})
			select {
			case <-ack:
			case <-l.stopped:
			}
		},
	}
	req := capability.GenerationRequest{
		ConvID:       l.convID,
		UserText:     userText,
		SystemPrompt: prompt,
		History:      history,
	}
	go func() {
		res := runner.Run(turnCtx, ctrl, req)
		cancel()
		l.post(evTurnDone{result: res})
	}()
}

func (l *Lane) onFirstAudio(ev evFirstAudio) {
	defer close(ev.ack)
	if err := l.sess.Transition(EventFirstAudio); err != nil {
		// The turn was interrupted between scheduling and delivery.
		l.log.Debugf("first audio for %s: %v", l.convID, err)
		return
	}
	l.emitState(StateSpeaking)
}

func (l *Lane) onTurnDone(res turn.Result) bool {
	l.turnCtrl = nil
	if l.turnCancel != nil {
		l.turnCancel()
		l.turnCancel = nil
	}

	if res.Reason == turn.ReasonTransport {
		l.log.Warnf("turn for %s aborted by transport failure", l.convID)
		return true
	}

	if res.Transcript != "" {
		l.store.AppendMessage(l.convID, "assistant", res.Transcript)
	}
	l.store.Touch(l.convID)

	event := EventComplete
	if res.Reason == turn.ReasonInterrupted {
		event = EventInterrupt
	}
	if err := l.sess.Transition(event); err != nil {
		l.log.Errorf("turn done transition for %s: %v", l.convID, err)
		return false
	}
	l.emitState(StateListening)
	return false
}

// Snapshot returns a consistent view of the lane, or false when the lane
// has already stopped.
func (l *Lane) Snapshot() (Snapshot, bool) {
	reply := make(chan Snapshot, 1)
	select {
	case l.in <- evSnapshot{reply: reply}:
	case <-l.stopped:
		return Snapshot{}, false
	}
	select {
	case snap := <-reply:
		return snap, true
	case <-l.stopped:
		return Snapshot{}, false
	}
}

func (l *Lane) snapshot() Snapshot {
	return Snapshot{
		ConvID:         l.convID,
		State:          l.sess.State(),
		ActiveStreamID: l.sess.ActiveStreamID,
		NoiseFloorDB:   l.gate.NoiseFloorDB(),
		TurnActive:     l.turnCtrl != nil,
		LastActivity:   l.sess.LastActivity,
	}
}

func phaseFor(state State) audio.Phase {
	switch state {
	case StateSpeaking:
		return audio.PhaseSpeaking
	case StateProcessing:
		return audio.PhaseProcessing
	default:
		return audio.PhaseListening
	}
}
