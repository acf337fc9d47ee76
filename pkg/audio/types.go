// Package audio defines the raw PCM frame that flows between taps,
// transforms and synthetic sources, plus small sample-level helpers.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// Fixed frame shape used throughout the relay.
const (
	// SampleRate is the PCM sample rate in Hz.
	SampleRate = 48000

	// Channels is the PCM channel count.
	Channels = 1

	// FrameDuration is the playout duration of one frame.
	FrameDuration = 10 * time.Millisecond

	// FrameSamples is the number of samples per channel in one frame.
	FrameSamples = SampleRate / 100
)

// ErrBadFrame is returned by [Frame.Validate] for frames that do not have
// exactly [FrameSamples] samples.
var ErrBadFrame = errors.New("audio: frame does not match the 48 kHz mono 10 ms shape")

// Frame is one 10 ms block of signed 16-bit mono PCM at 48 kHz.
//
// Every frame pushed into a synthetic source must have exactly
// [FrameSamples] samples; downstream encoders reject anything else.
type Frame struct {
	// Samples holds FrameSamples signed 16-bit samples.
	Samples []int16

	// Timestamp is the position of the frame relative to stream start.
	Timestamp time.Duration
}

// NewFrame returns a silent frame at ts.
func NewFrame(ts time.Duration) Frame {
	return Frame{Samples: make([]int16, FrameSamples), Timestamp: ts}
}

// Validate reports whether f has the fixed frame shape.
func (f Frame) Validate() error {
	if len(f.Samples) != FrameSamples {
		return fmt.Errorf("%w: got %d samples", ErrBadFrame, len(f.Samples))
	}
	return nil
}

// Clone returns a deep copy of f so the receiver can mutate samples freely.
func (f Frame) Clone() Frame {
	s := make([]int16, len(f.Samples))
	copy(s, f.Samples)
	return Frame{Samples: s, Timestamp: f.Timestamp}
}

// FrameWriter accepts outbound frames. Implementations must be safe for
// concurrent use.
type FrameWriter interface {
	WriteFrame(f Frame) error
}

// FrameWriterFunc adapts a plain function to [FrameWriter].
type FrameWriterFunc func(Frame) error

// WriteFrame calls fn(f).
func (fn FrameWriterFunc) WriteFrame(f Frame) error { return fn(f) }

// samplesToDuration converts a sample count at [SampleRate] to a duration.
func samplesToDuration(n int64) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}
