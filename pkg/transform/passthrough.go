package transform

import (
	"fmt"
	"math"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/audiorelay/pkg/audio"
	"github.com/MrWong99/audiorelay/pkg/audio/rtc"
)

var (
	_ Transform = (*Passthrough)(nil)
	_ Transform = (*Volume)(nil)
)

// Passthrough echoes inbound frames back unchanged.
type Passthrough struct {
	tap   Tap
	relay *rtc.Relay
	once  sync.Once
}

// NewPassthrough wires tap's inbound frames to its own output.
func NewPassthrough(tap Tap) (*Passthrough, error) {
	r, err := rtc.NewRelay(tap, tap, rtc.WithRelayName("passthrough"))
	if err != nil {
		return nil, fmt.Errorf("transform: passthrough: %w", err)
	}
	return &Passthrough{tap: tap, relay: r}, nil
}

func (p *Passthrough) Kind() Kind { return KindPassthrough }

func (p *Passthrough) Output() *webrtc.TrackLocalStaticSample { return p.tap.Output() }

func (p *Passthrough) Close() error {
	var err error
	p.once.Do(func() {
		p.relay.Close()
		err = p.tap.Close()
	})
	return err
}

// Volume scales inbound frames by a fixed gain.
type Volume struct {
	tap   Tap
	gain  float64
	relay *rtc.Relay
	once  sync.Once
}

// NewVolume scales every inbound frame by gain in the frame callback. A
// negative gain inverts the phase.
func NewVolume(tap Tap, gain float64) (*Volume, error) {
	if math.IsNaN(gain) || math.IsInf(gain, 0) {
		return nil, fmt.Errorf("transform: volume: invalid gain %v", gain)
	}
	v := &Volume{tap: tap, gain: gain}
	r, err := rtc.NewRelay(tap, tap,
		rtc.WithRelayName("volume"),
		rtc.WithMap(func(f audio.Frame) audio.Frame { return Scale(f, v.gain) }),
	)
	if err != nil {
		return nil, fmt.Errorf("transform: volume: %w", err)
	}
	v.relay = r
	return v, nil
}

func (v *Volume) Kind() Kind { return KindVolume }

func (v *Volume) Output() *webrtc.TrackLocalStaticSample { return v.tap.Output() }

func (v *Volume) Close() error {
	var err error
	v.once.Do(func() {
		v.relay.Close()
		err = v.tap.Close()
	})
	return err
}

// Scale returns a copy of f with every sample multiplied by gain, rounded
// half away from zero and saturated to the int16 range.
func Scale(f audio.Frame, gain float64) audio.Frame {
	out := audio.Frame{Samples: make([]int16, len(f.Samples)), Timestamp: f.Timestamp}
	for i, s := range f.Samples {
		out.Samples[i] = audio.Clamp16(int64(math.Round(float64(s) * gain)))
	}
	return out
}
