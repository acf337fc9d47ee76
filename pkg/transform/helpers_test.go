package transform_test

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/audiorelay/pkg/audio"
	"github.com/MrWong99/audiorelay/pkg/audio/rtc"
	"github.com/MrWong99/audiorelay/pkg/transform"
)

// fakeTap records written frames and lets tests drive the inbound side.
type fakeTap struct {
	mu         sync.Mutex
	onFrame    func(audio.Frame)
	onEnded    func()
	written    []audio.Frame
	closed     bool
	closeCalls int
}

var _ transform.Tap = (*fakeTap)(nil)

func (f *fakeTap) OnFrame(fn func(audio.Frame)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onFrame != nil {
		return rtc.ErrFrameHandlerSet
	}
	f.onFrame = fn
	return nil
}

func (f *fakeTap) OnEnded(fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onEnded != nil {
		return rtc.ErrEndedHandlerSet
	}
	f.onEnded = fn
	return nil
}

func (f *fakeTap) WriteFrame(fr audio.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return rtc.ErrClosed
	}
	if err := fr.Validate(); err != nil {
		return err
	}
	f.written = append(f.written, fr.Clone())
	return nil
}

func (f *fakeTap) Output() *webrtc.TrackLocalStaticSample { return nil }

func (f *fakeTap) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCalls++
	return nil
}

// emit delivers one inbound frame the way the dispatcher would.
func (f *fakeTap) emit(fr audio.Frame) {
	f.mu.Lock()
	fn := f.onFrame
	f.mu.Unlock()
	if fn != nil {
		fn(fr)
	}
}

func (f *fakeTap) end() {
	f.mu.Lock()
	fn := f.onEnded
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeTap) frames() []audio.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Frame(nil), f.written...)
}

func (f *fakeTap) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

// manualTicker hands out an unbuffered tick channel so each tick is
// consumed before the next one is sent.
type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (m *manualTicker) ticker(time.Duration) (<-chan time.Time, func()) {
	return m.ch, func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
	}
}

func (m *manualTicker) tick(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case m.ch <- time.Time{}:
		case <-time.After(2 * time.Second):
			t.Fatal("tick not consumed")
		}
	}
}

func (m *manualTicker) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func frameOf(v int16) audio.Frame {
	f := audio.NewFrame(0)
	for i := range f.Samples {
		f.Samples[i] = v
	}
	return f
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
