package audio

import (
	"time"

	"github.com/edvolabs/tutorvoice/internal/config"
	"github.com/edvolabs/tutorvoice/internal/protocol"
)

// Decision is the gate's verdict for a single frame.
type Decision int

const (
	Drop Decision = iota
	AnalyzeOnly
	Feed
)

// Event is an edge the gate reports alongside a decision.
type Event int

const (
	None Event = iota
	SpeechStarted
	SilenceTimeout
	BargeInDetected
)

// Phase is the slice of session state the gate cares about.
type Phase int

const (
	PhaseListening Phase = iota
	PhaseProcessing
	PhaseSpeaking
)

// Gate tracks a rolling noise-floor estimate and speech/silence run lengths
// for one session. It is owned by the session lane and is not safe for
// concurrent use.
//
// The classification is a heuristic: energy above noise floor + a threshold,
// with a stricter sustained threshold while the session is speaking so the
// peer's playback of our own audio doesn't read as barge-in.
type Gate struct {
	cfg config.GateConfig

	noiseFloorDB float64
	inSpeech     bool
	silence      time.Duration
	bargeRun     time.Duration
	bargeFired   bool
}

func NewGate(cfg config.GateConfig) *Gate {
	return &Gate{
		cfg:          cfg,
		noiseFloorDB: -60, // seed; the EMA converges within a few seconds
	}
}

// NoiseFloorDB exposes the current estimate, for snapshots and tests.
func (g *Gate) NoiseFloorDB() float64 { return g.noiseFloorDB }

// InUtterance reports whether an utterance is currently open.
func (g *Gate) InUtterance() bool { return g.inSpeech }

// Process classifies one frame under the given session phase. It returns the
// feed decision plus at most one edge event. Exactly one SilenceTimeout is
// emitted per utterance; a second finalize cannot fire until the next
// SpeechStarted opened a new one.
func (g *Gate) Process(f Frame, phase Phase) (Decision, Event) {
	energy := EnergyDB(f.PCM)

	speechTh := g.noiseFloorDB + g.cfg.ListenThresholdDB
	bargeTh := g.noiseFloorDB + g.cfg.BargeInThresholdDB

	// Low-energy frames keep the floor estimate moving.
	if energy < speechTh {
		a := g.cfg.NoiseFloorAlpha
		g.noiseFloorDB = (1-a)*g.noiseFloorDB + a*energy
		if g.noiseFloorDB < silenceDB {
			g.noiseFloorDB = silenceDB
		}
	}

	switch phase {
	case PhaseSpeaking:
		return g.processSpeaking(energy, bargeTh)
	case PhaseProcessing:
		// Frames still flow to analysis so the floor stays fresh, but no
		// new utterance may open while the previous one is being consumed.
		g.bargeRun = 0
		return Feed, None
	default:
		return g.processListening(energy, speechTh)
	}
}

func (g *Gate) processListening(energy, speechTh float64) (Decision, Event) {
	g.bargeRun = 0
	g.bargeFired = false

	if energy >= speechTh {
		g.silence = 0
		if !g.inSpeech {
			g.inSpeech = true
			return Feed, SpeechStarted
		}
		return Feed, None
	}

	if g.inSpeech {
		g.silence += protocol.FrameDuration
		if g.silence >= g.cfg.EndpointSilence {
			g.inSpeech = false
			g.silence = 0
			return Feed, SilenceTimeout
		}
	}
	return Feed, None
}

func (g *Gate) processSpeaking(energy, bargeTh float64) (Decision, Event) {
	if energy < bargeTh {
		g.bargeRun = 0
		g.bargeFired = false
		return Drop, None
	}

	g.bargeRun += protocol.FrameDuration
	if g.bargeRun < g.cfg.BargeInSustain {
		return AnalyzeOnly, None
	}
	if g.bargeFired {
		return Feed, None
	}

	// Confirmed: the sustained energy is genuine user speech, not echo.
	// The frame that confirms also opens the next utterance.
	g.bargeFired = true
	g.inSpeech = true
	g.silence = 0
	return Feed, BargeInDetected
}

// Finalize force-closes the open utterance (explicit mic_end). Reports
// whether there was one to close, so the caller can reject duplicates.
func (g *Gate) Finalize() bool {
	if !g.inSpeech {
		return false
	}
	g.inSpeech = false
	g.silence = 0
	return true
}

// Reset drops per-utterance state but keeps the learned noise floor.
func (g *Gate) Reset() {
	g.inSpeech = false
	g.silence = 0
	g.bargeRun = 0
	g.bargeFired = false
}
