package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edvolabs/tutorvoice/internal/protocol"
	"github.com/edvolabs/tutorvoice/pkg/Logger"
)

// One slow peer must not stall the lane; past this bound the connection is
// considered dead.
const outboundQueueMax = 1024

var errEmitterClosed = errors.New("emitter closed")

// Emitter owns the write side of one connection: a bounded outbound queue
// drained by a single writer goroutine, so envelope order on the wire is
// exactly emit order. Safe for use from the lane and the turn runner.
type Emitter struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	log          *Logger.Logger

	mu     sync.Mutex
	queue  []protocol.Envelope
	closed bool
	err    error

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewEmitter(conn *websocket.Conn, writeTimeout time.Duration, log *Logger.Logger) *Emitter {
	e := &Emitter{
		conn:         conn,
		writeTimeout: writeTimeout,
		log:          log,
		kick:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go e.writeLoop()
	return e
}

// Emit queues one envelope. A full queue means the peer stopped draining;
// that is reported as a transport failure, same as a write timeout.
func (e *Emitter) Emit(env protocol.Envelope) error {
	e.mu.Lock()
	if e.closed {
		err := e.err
		e.mu.Unlock()
		return err
	}
	if len(e.queue) >= outboundQueueMax {
		e.mu.Unlock()
		e.failOnce(errors.New("outbound queue overflow"))
		return errors.New("outbound queue overflow")
	}
	e.queue = append(e.queue, env)
	e.mu.Unlock()

	select {
	case e.kick <- struct{}{}:
	default:
	}
	return nil
}

// DiscardPendingAudio drops queued-but-unsent audio chunks and text deltas.
// Called after an interrupt so stale playback never reaches the peer;
// markers (audio_end, board, done) are kept.
func (e *Emitter) DiscardPendingAudio() {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.queue[:0]
	dropped := 0
	for _, env := range e.queue {
		if env.Type == protocol.TypeAudioChunk || env.Type == protocol.TypeAITextDelta {
			dropped++
			continue
		}
		kept = append(kept, env)
	}
	e.queue = kept
	if dropped > 0 {
		e.log.Debugf("discarded %d pending audio envelopes", dropped)
	}
}

// Close stops the writer. Queued envelopes not yet written are lost, which
// is fine: Close only runs when the transport is already gone.
func (e *Emitter) Close() {
	e.failOnce(errEmitterClosed)
}

func (e *Emitter) failOnce(err error) {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.err = err
		e.queue = nil
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *Emitter) writeLoop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.kick:
		}

		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			env := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()

			_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
			if err := e.conn.WriteJSON(env); err != nil {
				e.log.Warnf("websocket write failed: %v", err)
				e.failOnce(err)
				return
			}
		}
	}
}
