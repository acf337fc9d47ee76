package rtc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/audiorelay/pkg/audio"
)

// FrameSource is the tap half of a [ProcessedTrack].
type FrameSource interface {
	OnFrame(fn func(audio.Frame)) error
	OnEnded(fn func()) error
}

var _ FrameSource = (*ProcessedTrack)(nil)

// RelayOption configures a [Relay].
type RelayOption func(*Relay)

// WithMap applies fn to every frame before it is written.
func WithMap(fn func(audio.Frame) audio.Frame) RelayOption {
	return func(r *Relay) { r.mapFn = fn }
}

// WithRelayName labels the relay in logs.
func WithRelayName(name string) RelayOption {
	return func(r *Relay) { r.name = name }
}

// Relay forwards frames from a source tap to a writer. Each relay closes
// independently, so the two legs of a bridged call can tear down without
// coordinating.
type Relay struct {
	name  string
	dst   audio.FrameWriter
	mapFn func(audio.Frame) audio.Frame

	closed    atomic.Bool
	closeOnce sync.Once
	forwarded atomic.Uint64
	failed    atomic.Uint64
}

// NewRelay registers on src's frame handler. The relay also closes itself
// when src ends, unless src already has an ended handler.
func NewRelay(src FrameSource, dst audio.FrameWriter, opts ...RelayOption) (*Relay, error) {
	r := &Relay{name: "relay", dst: dst}
	for _, opt := range opts {
		opt(r)
	}
	if err := src.OnFrame(r.forward); err != nil {
		return nil, fmt.Errorf("rtc: %s: %w", r.name, err)
	}
	if err := src.OnEnded(func() { r.Close() }); err != nil && !errors.Is(err, ErrEndedHandlerSet) {
		return nil, fmt.Errorf("rtc: %s: %w", r.name, err)
	}
	return r, nil
}

func (r *Relay) forward(f audio.Frame) {
	if r.closed.Load() {
		return
	}
	if r.mapFn != nil {
		f = r.mapFn(f)
	}
	if err := r.dst.WriteFrame(f); err != nil {
		if errors.Is(err, ErrClosed) {
			r.Close()
			return
		}
		if r.failed.Add(1) == 1 {
			slog.Warn("rtc: relay write failed", "relay", r.name, "err", err)
		}
		return
	}
	r.forwarded.Add(1)
}

// Forwarded returns the number of frames written to the destination.
func (r *Relay) Forwarded() uint64 { return r.forwarded.Load() }

// Close stops forwarding. It is idempotent.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		slog.Debug("rtc: relay closed", "relay", r.name, "forwarded", r.forwarded.Load(), "failed", r.failed.Load())
	})
}
