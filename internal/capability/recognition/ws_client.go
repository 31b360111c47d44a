// Package recognition implements the Recognizer contract against a
// websocket streaming ASR service: one connection per utterance, binary PCM
// frames up, JSON transcript events down.
package recognition

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

type startRequest struct {
	Type          string `json:"type"`
	StreamID      string `json:"stream_id"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	BitsPerSample int    `json:"bits_per_sample"`
}

type controlMessage struct {
	Type string `json:"type"`
}

type transcriptMessage struct {
	Type string `json:"type"` // "partial" | "final" | "error"
	Text string `json:"text"`
}

type Client struct {
	url     string
	timeout time.Duration
}

func New(cfg config.RecognitionConfig) *Client {
	return &Client{url: cfg.URL, timeout: cfg.Timeout}
}

// Recognize implements capability.Recognizer. The frames channel is drained
// until closed; closing it asks the service for the final transcript.
// Cancelling ctx tears the connection down, which unblocks both pumps.
func (c *Client) Recognize(ctx context.Context, streamID string, frames <-chan []byte) (<-chan capability.TranscriptEvent, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("asr dial: %w", err)
	}

	start := startRequest{
		Type:          "start",
		StreamID:      streamID,
		SampleRate:    protocol.SampleRate,
		Channels:      protocol.Channels,
		BitsPerSample: protocol.BitsPerSample,
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("asr start: %w", err)
	}

	out := make(chan capability.TranscriptEvent, 8)

	// The connection close is what unblocks the read pump on cancel.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go c.writePump(ctx, conn, frames)
	go c.readPump(ctx, conn, out)

	return out, nil
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				_ = conn.WriteJSON(controlMessage{Type: "end"})
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn, out chan<- capability.TranscriptEvent) {
	defer close(out)
	defer conn.Close()

	deliver := func(ev capability.TranscriptEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			deliver(capability.TranscriptEvent{Err: fmt.Errorf("asr read: %w", err)})
			return
		}
		var msg transcriptMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			deliver(capability.TranscriptEvent{Err: fmt.Errorf("asr bad message: %w", err)})
			return
		}
		switch msg.Type {
		case "partial":
			if !deliver(capability.TranscriptEvent{Text: msg.Text}) {
				return
			}
		case "final":
			deliver(capability.TranscriptEvent{Text: msg.Text, Final: true})
			return
		case "error":
			deliver(capability.TranscriptEvent{Err: fmt.Errorf("asr service: %s", msg.Text)})
			return
		}
	}
}
