package audio

import (
	"encoding/binary"
	"math"
)

// Clamp16 saturates v to the signed 16-bit range.
func Clamp16(v int64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Int16sToBytes encodes samples as little-endian PCM bytes, the wire format
// expected by streaming speech recognisers ("linear16").
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16s decodes little-endian PCM bytes. A trailing odd byte is
// ignored.
func BytesToInt16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Equal or invalid rates return the input unchanged.
func Resample(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Chunker re-slices arbitrary-length sample runs into fixed frames of
// [FrameSamples]. Decoded Opus packets are usually 20 ms; the relay works in
// 10 ms frames. A Chunker is not safe for concurrent use.
type Chunker struct {
	pending []int16
	ts      int64 // samples emitted so far
}

// Push appends samples and returns every complete frame now available.
func (c *Chunker) Push(samples []int16) []Frame {
	c.pending = append(c.pending, samples...)
	var frames []Frame
	for len(c.pending) >= FrameSamples {
		f := Frame{
			Samples:   make([]int16, FrameSamples),
			Timestamp: samplesToDuration(c.ts),
		}
		copy(f.Samples, c.pending[:FrameSamples])
		c.pending = c.pending[FrameSamples:]
		c.ts += FrameSamples
		frames = append(frames, f)
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return frames
}
