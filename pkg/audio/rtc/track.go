package rtc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/audiorelay/pkg/audio"
)

var (
	// ErrFrameHandlerSet is returned by [ProcessedTrack.OnFrame] on a second
	// registration.
	ErrFrameHandlerSet = errors.New("rtc: frame handler already registered")

	// ErrEndedHandlerSet is returned by [ProcessedTrack.OnEnded] on a second
	// registration.
	ErrEndedHandlerSet = errors.New("rtc: ended handler already registered")

	// ErrClosed is returned by [ProcessedTrack.WriteFrame] after Close.
	ErrClosed = errors.New("rtc: track closed")
)

// TrackStats is a snapshot of per-track frame counters.
type TrackStats struct {
	FramesIn  uint64
	FramesOut uint64
	Dropped   uint64
}

// TrackOption configures a [ProcessedTrack].
type TrackOption func(*ProcessedTrack)

// WithTrackID sets the track and stream IDs of the outbound track.
func WithTrackID(id, streamID string) TrackOption {
	return func(t *ProcessedTrack) {
		t.trackID = id
		t.streamID = streamID
	}
}

// WithDropHook registers fn to be called for every dropped inbound frame.
func WithDropHook(fn func()) TrackOption {
	return func(t *ProcessedTrack) { t.onDrop = fn }
}

// ProcessedTrack taps decoded frames from a remote track and injects frames
// into exactly one outbound Opus track.
//
// Inbound packets are decoded by a reader goroutine and handed to a dispatcher
// through a single-slot mailbox holding one decoded packet. When the
// dispatcher is still busy with the previous packet, the new one is dropped:
// recency wins over completeness.
//
// ProcessedTrack is safe for concurrent use.
type ProcessedTrack struct {
	src      PacketReader
	out      *webrtc.TrackLocalStaticSample
	trackID  string
	streamID string
	onDrop   func()

	encMu sync.Mutex
	enc   *encoder

	mu      sync.Mutex
	onFrame func(audio.Frame)
	onEnded func()

	mailbox chan []audio.Frame
	ended   chan struct{}
	done    chan struct{}

	endOnce   sync.Once
	fireOnce  sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	hasEnded  atomic.Bool

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	dropped   atomic.Uint64
}

// NewProcessedTrack creates the outbound track and, when src is non-nil,
// starts reading from it. A nil src makes a pure synthetic source.
func NewProcessedTrack(src PacketReader, opts ...TrackOption) (*ProcessedTrack, error) {
	t := &ProcessedTrack{
		src:      src,
		trackID:  "audio-" + uuid.NewString(),
		streamID: "audiorelay",
		mailbox:  make(chan []audio.Frame, 1),
		ended:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	out, err := webrtc.NewTrackLocalStaticSample(opusCapability(), t.trackID, t.streamID)
	if err != nil {
		return nil, fmt.Errorf("rtc: create local track: %w", err)
	}
	t.out = out

	enc, err := newEncoder()
	if err != nil {
		return nil, err
	}
	t.enc = enc

	go t.dispatchLoop()
	if src != nil {
		go t.readLoop()
	}
	return t, nil
}

// Output returns the outbound track. It is the same object on every call.
func (t *ProcessedTrack) Output() *webrtc.TrackLocalStaticSample { return t.out }

// OnFrame registers the inbound frame handler. Frames are delivered in
// arrival order on a single goroutine; fn must not block for long.
func (t *ProcessedTrack) OnFrame(fn func(audio.Frame)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.onFrame != nil {
		return ErrFrameHandlerSet
	}
	t.onFrame = fn
	return nil
}

// OnEnded registers fn to run once when the inbound source ends. If it has
// already ended, fn runs immediately on a new goroutine.
func (t *ProcessedTrack) OnEnded(fn func()) error {
	t.mu.Lock()
	if t.onEnded != nil {
		t.mu.Unlock()
		return ErrEndedHandlerSet
	}
	t.onEnded = fn
	t.mu.Unlock()
	if t.hasEnded.Load() && !t.closed.Load() {
		go t.fireOnce.Do(fn)
	}
	return nil
}

// WriteFrame encodes f and writes it as one 10 ms sample. Writes before the
// track is bound to a connection are discarded without error.
func (t *ProcessedTrack) WriteFrame(f audio.Frame) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := f.Validate(); err != nil {
		return err
	}
	t.encMu.Lock()
	payload, err := t.enc.encode(f)
	t.encMu.Unlock()
	if err != nil {
		return err
	}
	if err := t.out.WriteSample(media.Sample{Data: payload, Duration: audio.FrameDuration}); err != nil {
		return fmt.Errorf("rtc: write sample: %w", err)
	}
	t.framesOut.Add(1)
	return nil
}

// Stats returns the current counters.
func (t *ProcessedTrack) Stats() TrackStats {
	return TrackStats{
		FramesIn:  t.framesIn.Load(),
		FramesOut: t.framesOut.Load(),
		Dropped:   t.dropped.Load(),
	}
}

// Close stops frame delivery and rejects further writes. It is idempotent
// and may be called from inside a frame or ended handler. The reader
// goroutine exits when the source returns an error, which happens once the
// owning peer connection closes.
func (t *ProcessedTrack) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
	})
	return nil
}

func (t *ProcessedTrack) readLoop() {
	defer t.end()

	dec, err := newDecoder()
	if err != nil {
		slog.Error("rtc: tap disabled", "track_id", t.trackID, "err", err)
		return
	}
	var chunker audio.Chunker
	for {
		pkt, _, err := t.src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.closed.Load() {
				slog.Debug("rtc: tap read ended", "track_id", t.trackID, "err", err)
			}
			return
		}
		if t.closed.Load() {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.decode(pkt.Payload)
		if err != nil {
			slog.Debug("rtc: skipping undecodable packet", "track_id", t.trackID, "seq", pkt.SequenceNumber, "err", err)
			continue
		}
		frames := chunker.Push(pcm)
		if len(frames) == 0 {
			continue
		}
		t.framesIn.Add(uint64(len(frames)))
		select {
		case t.mailbox <- frames:
		default:
			t.dropped.Add(uint64(len(frames)))
			if t.onDrop != nil {
				for range frames {
					t.onDrop()
				}
			}
		}
	}
}

func (t *ProcessedTrack) end() {
	t.endOnce.Do(func() {
		t.hasEnded.Store(true)
		close(t.ended)
	})
}

func (t *ProcessedTrack) dispatchLoop() {
	for {
		select {
		case <-t.done:
			return
		case batch := <-t.mailbox:
			t.deliver(batch)
		case <-t.ended:
			// Flush what the reader handed over before it stopped.
			select {
			case batch := <-t.mailbox:
				t.deliver(batch)
			default:
			}
			t.mu.Lock()
			fn := t.onEnded
			t.mu.Unlock()
			if fn != nil && !t.closed.Load() {
				t.fireOnce.Do(fn)
			}
			<-t.done
			return
		}
	}
}

func (t *ProcessedTrack) deliver(batch []audio.Frame) {
	t.mu.Lock()
	fn := t.onFrame
	t.mu.Unlock()
	if fn == nil {
		return
	}
	for _, f := range batch {
		if t.closed.Load() {
			return
		}
		fn(f)
	}
}
