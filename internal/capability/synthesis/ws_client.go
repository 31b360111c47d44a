// Package synthesis implements the Synthesizer contract against a websocket
// streaming TTS service. The service interleaves JSON sentence-boundary
// markers with binary PCM chunks; that interleaving is the timing authority
// and is surfaced to the caller exactly as received.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edvolabs/tutorvoice/internal/capability"
	"github.com/edvolabs/tutorvoice/internal/config"
	"github.com/edvolabs/tutorvoice/internal/protocol"
)

type synthesizeRequest struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
}

type markerMessage struct {
	Type string `json:"type"` // "sentence_start" | "sentence_end" | "finished" | "error"
	Text string `json:"text,omitempty"`
}

type Client struct {
	url     string
	voice   string
	timeout time.Duration
}

func New(cfg config.SynthesisConfig) *Client {
	return &Client{url: cfg.URL, voice: cfg.Voice, timeout: cfg.Timeout}
}

// Synthesize implements capability.Synthesizer. One connection per segment.
func (c *Client) Synthesize(ctx context.Context, text string) (<-chan capability.SynthEvent, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("tts dial: %w", err)
	}

	req := synthesizeRequest{
		Type:       "synthesize",
		Text:       text,
		Voice:      c.voice,
		SampleRate: protocol.SampleRate,
		Format:     protocol.AudioFormat,
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tts request: %w", err)
	}

	out := make(chan capability.SynthEvent, 16)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go c.readPump(ctx, conn, out)
	return out, nil
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn, out chan<- capability.SynthEvent) {
	defer close(out)
	defer conn.Close()

	deliver := func(ev capability.SynthEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			deliver(capability.SynthEvent{Err: fmt.Errorf("tts read: %w", err)})
			return
		}

		if msgType == websocket.BinaryMessage {
			// Raw PCM chunk; duration is service-determined (40-80ms typical).
			chunk := make([]byte, len(raw))
			copy(chunk, raw)
			if !deliver(capability.SynthEvent{Kind: capability.SynthAudioChunk, Audio: chunk}) {
				return
			}
			continue
		}

		var msg markerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			deliver(capability.SynthEvent{Err: fmt.Errorf("tts bad marker: %w", err)})
			return
		}
		switch msg.Type {
		case "sentence_start":
			if !deliver(capability.SynthEvent{Kind: capability.SynthSentenceStart, Sentence: msg.Text}) {
				return
			}
		case "sentence_end":
			if !deliver(capability.SynthEvent{Kind: capability.SynthSentenceEnd, Sentence: msg.Text}) {
				return
			}
		case "finished":
			deliver(capability.SynthEvent{Kind: capability.SynthFinished})
			return
		case "error":
			deliver(capability.SynthEvent{Err: fmt.Errorf("tts service: %s", msg.Text)})
			return
		}
	}
}
