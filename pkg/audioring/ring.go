// Package audioring buffers fixed-size PCM frames between the session lane
// and the recognition feeder. Bounded: when full, the oldest frame is
// discarded so live audio never blocks the transport.
package audioring

import (
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"
)

type FrameRing struct {
	mu         sync.Mutex
	frameBytes int
	rb         *ringbuffer.RingBuffer
}

// New creates a ring holding up to capacityFrames frames of frameBytes each.
func New(frameBytes, capacityFrames int) *FrameRing {
	return &FrameRing{
		frameBytes: frameBytes,
		rb:         ringbuffer.New(frameBytes * capacityFrames).SetBlocking(false),
	}
}

// Push appends one frame, evicting the oldest frame if the ring is full.
func (r *FrameRing) Push(frame []byte) error {
	if len(frame) != r.frameBytes {
		return errors.New("audioring: wrong frame size")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rb.Free() < r.frameBytes {
		skip := make([]byte, r.frameBytes)
		if _, err := r.rb.Read(skip); err != nil {
			r.rb.Reset()
		}
	}
	_, err := r.rb.Write(frame)
	return err
}

// Pop removes and returns the oldest frame.
func (r *FrameRing) Pop() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rb.Length() < r.frameBytes {
		return nil, false
	}
	frame := make([]byte, r.frameBytes)
	n, err := r.rb.Read(frame)
	if err != nil || n != r.frameBytes {
		return nil, false
	}
	return frame, true
}

// Len reports the number of whole frames buffered.
func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rb.Length() / r.frameBytes
}

// Reset discards all buffered frames.
func (r *FrameRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rb.Reset()
}
