package transform

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/audiorelay/pkg/audio"
	"github.com/MrWong99/audiorelay/pkg/audio/rtc"
)

const (
	// DefaultToneFrequency is concert A.
	DefaultToneFrequency = 440.0

	// ToneAmplitude is half of full scale.
	ToneAmplitude = 16384
)

var _ Transform = (*Tone)(nil)

// ToneOption configures a [Tone].
type ToneOption func(*Tone)

// WithFrequency sets the sine frequency in Hz.
func WithFrequency(hz float64) ToneOption {
	return func(t *Tone) {
		if hz > 0 {
			t.freq = hz
		}
	}
}

// WithToneTicker replaces the wall-clock ticker.
func WithToneTicker(tk Ticker) ToneOption {
	return func(t *Tone) { t.ticker = tk }
}

// Tone emits a continuous sine wave, one frame per 10 ms tick, ignoring
// inbound audio.
type Tone struct {
	tap    Tap
	freq   float64
	ticker Ticker

	phase float64
	frame int64

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// NewTone starts the generator immediately. Frames written before the
// output track is bound to a connection are discarded by the track.
func NewTone(tap Tap, opts ...ToneOption) (*Tone, error) {
	t := &Tone{
		tap:    tap,
		freq:   DefaultToneFrequency,
		ticker: SystemTicker,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	// Inbound content is ignored but the generator stops with the caller.
	if err := tap.OnEnded(func() { t.stop() }); err != nil && !errors.Is(err, rtc.ErrEndedHandlerSet) {
		return nil, err
	}
	ticks, stopTicker := t.ticker(audio.FrameDuration)
	go t.run(ticks, stopTicker)
	return t, nil
}

func (t *Tone) run(ticks <-chan time.Time, stopTicker func()) {
	defer close(t.exited)
	defer stopTicker()
	for {
		select {
		case <-t.done:
			return
		case <-ticks:
			if err := t.tap.WriteFrame(t.next()); err != nil {
				if errors.Is(err, rtc.ErrClosed) {
					return
				}
				slog.Debug("tone: write failed", "err", err)
			}
		}
	}
}

// next renders one frame, carrying the phase across frames.
func (t *Tone) next() audio.Frame {
	f := audio.NewFrame(audio.FrameDuration * time.Duration(t.frame))
	step := 2 * math.Pi * t.freq / audio.SampleRate
	for i := range f.Samples {
		f.Samples[i] = int16(math.Round(ToneAmplitude * math.Sin(t.phase)))
		t.phase += step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	t.frame++
	return f
}

func (t *Tone) stop() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *Tone) Kind() Kind { return KindTone }

func (t *Tone) Output() *webrtc.TrackLocalStaticSample { return t.tap.Output() }

// Close stops the ticker, waits for the generator goroutine and closes the
// tap.
func (t *Tone) Close() error {
	t.stop()
	<-t.exited
	return t.tap.Close()
}
