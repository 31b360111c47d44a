// Package audio implements the per-frame gate deciding whether inbound
// audio is fed to recognition, analyzed only, or dropped.
package audio

import (
	"math"

	"github.com/edvolabs/tutorvoice/internal/protocol"
)

// Frame is one fixed-duration inbound PCM frame. Transient: consumed by the
// gate and optionally forwarded to the recognition bridge, never persisted.
type Frame struct {
	StreamID string
	Seq      int64
	PCM      []byte // 16kHz mono s16le, 640 bytes per 20ms
}

// silenceDB is the energy reported for an all-zero frame.
const silenceDB = -96.0

// EnergyDB returns the short-time energy of a s16le PCM frame in dBFS.
func EnergyDB(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return silenceDB
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(n))
	if rms < 1 {
		return silenceDB
	}
	db := 20 * math.Log10(rms/32768.0)
	if db < silenceDB {
		return silenceDB
	}
	return db
}

// ValidFrame reports whether the payload is a whole 20ms frame.
func ValidFrame(pcm []byte) bool {
	return len(pcm) == protocol.FrameBytes
}
