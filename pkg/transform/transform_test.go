package transform_test

import (
	"math"
	"testing"

	"github.com/MrWong99/audiorelay/pkg/audio"
	"github.com/MrWong99/audiorelay/pkg/transform"
)

// ── volume ───────────────────────────────────────────────────────────────────

func TestScale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   int16
		gain float64
		want int16
	}{
		{"unity", 1234, 1, 1234},
		{"boost", 100, 1.5, 150},
		{"half rounds away from zero", 3, 0.5, 2},
		{"negative half", -3, 0.5, -2},
		{"clamps high", 30000, 2, math.MaxInt16},
		{"clamps low", -30000, 2, math.MinInt16},
		{"mute", 5000, 0, 0},
		{"negative inverts phase", 1234, -1, -1234},
		{"inverted minimum saturates", math.MinInt16, -1, math.MaxInt16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := frameOf(tt.in)
			out := transform.Scale(in, tt.gain)
			for i, s := range out.Samples {
				if s != tt.want {
					t.Fatalf("sample %d = %d, want %d", i, s, tt.want)
				}
			}
			if in.Samples[0] != tt.in {
				t.Error("Scale mutated its input")
			}
		})
	}
}

func TestVolume_ScalesInFrameCallback(t *testing.T) {
	t.Parallel()

	tap := &fakeTap{}
	v, err := transform.NewVolume(tap, 0.25)
	if err != nil {
		t.Fatalf("NewVolume: %v", err)
	}
	if v.Kind() != transform.KindVolume {
		t.Errorf("Kind = %q", v.Kind())
	}

	tap.emit(frameOf(1000))
	got := tap.frames()
	if len(got) != 1 || got[0].Samples[0] != 250 {
		t.Fatalf("written = %v", got)
	}

	_ = v.Close()
	_ = v.Close()
	if tap.closeCount() != 1 {
		t.Errorf("tap closed %d times, want 1", tap.closeCount())
	}
}

func TestVolume_RejectsBadGain(t *testing.T) {
	t.Parallel()
	for _, g := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := transform.NewVolume(&fakeTap{}, g); err == nil {
			t.Errorf("gain %v accepted", g)
		}
	}
}

func TestVolume_NegativeGainInverts(t *testing.T) {
	t.Parallel()

	tap := &fakeTap{}
	v, err := transform.NewVolume(tap, -0.5)
	if err != nil {
		t.Fatalf("NewVolume: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })

	tap.emit(frameOf(1000))
	got := tap.frames()
	if len(got) != 1 || got[0].Samples[0] != -500 {
		t.Fatalf("written = %v, want samples of -500", got)
	}
}

// ── passthrough ──────────────────────────────────────────────────────────────

func TestPassthrough(t *testing.T) {
	t.Parallel()

	tap := &fakeTap{}
	p, err := transform.NewPassthrough(tap)
	if err != nil {
		t.Fatalf("NewPassthrough: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	tap.emit(frameOf(42))
	tap.end()
	tap.emit(frameOf(43))

	got := tap.frames()
	if len(got) != 1 || got[0].Samples[0] != 42 {
		t.Fatalf("written = %d frames, want the single pre-end frame", len(got))
	}

	if _, err := transform.NewPassthrough(tap); err == nil {
		t.Error("second transform on one tap should fail")
	}
}

// ── tone ─────────────────────────────────────────────────────────────────────

func TestTone_TenFramesPer100ms(t *testing.T) {
	t.Parallel()

	tap := &fakeTap{}
	mt := newManualTicker()
	tone, err := transform.NewTone(tap, transform.WithToneTicker(mt.ticker))
	if err != nil {
		t.Fatalf("NewTone: %v", err)
	}

	// 100 ms of 10 ms ticks.
	mt.tick(t, 10)
	if err := tone.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	frames := tap.frames()
	if len(frames) != 10 {
		t.Fatalf("frames = %d, want 10", len(frames))
	}
	var peak int16
	for i, f := range frames {
		if len(f.Samples) != audio.FrameSamples {
			t.Fatalf("frame %d has %d samples", i, len(f.Samples))
		}
		for _, s := range f.Samples {
			if s < -transform.ToneAmplitude || s > transform.ToneAmplitude {
				t.Fatalf("frame %d sample %d out of range", i, s)
			}
			if s > peak {
				peak = s
			}
		}
	}
	if peak < transform.ToneAmplitude-10 {
		t.Errorf("peak = %d, want close to %d", peak, transform.ToneAmplitude)
	}
	if !mt.isStopped() {
		t.Error("ticker not stopped on Close")
	}
	if tap.closeCount() != 1 {
		t.Errorf("tap closed %d times", tap.closeCount())
	}
}

func TestTone_PhaseIsContinuous(t *testing.T) {
	t.Parallel()

	tap := &fakeTap{}
	mt := newManualTicker()
	tone, err := transform.NewTone(tap, transform.WithToneTicker(mt.ticker), transform.WithFrequency(1000))
	if err != nil {
		t.Fatalf("NewTone: %v", err)
	}
	mt.tick(t, 2)
	_ = tone.Close()

	frames := tap.frames()
	if len(frames) != 2 {
		t.Fatalf("frames = %d", len(frames))
	}
	// 1 kHz at 48 kHz is exactly 48 samples per cycle, and 480 is a whole
	// number of cycles, so both frames are identical.
	for i := range frames[0].Samples {
		if d := int(frames[0].Samples[i]) - int(frames[1].Samples[i]); d > 1 || d < -1 {
			t.Fatalf("sample %d differs across frames: %d vs %d", i, frames[0].Samples[i], frames[1].Samples[i])
		}
	}
	if frames[1].Timestamp != audio.FrameDuration {
		t.Errorf("second frame timestamp = %v", frames[1].Timestamp)
	}
}

func TestTone_StopsWhenCallerEnds(t *testing.T) {
	t.Parallel()

	tap := &fakeTap{}
	mt := newManualTicker()
	tone, err := transform.NewTone(tap, transform.WithToneTicker(mt.ticker))
	if err != nil {
		t.Fatalf("NewTone: %v", err)
	}
	mt.tick(t, 1)
	tap.end()
	_ = tone.Close()
	if !mt.isStopped() {
		t.Error("ticker still running")
	}
}
