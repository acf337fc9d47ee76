package transform

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/audiorelay/pkg/audio"
	"github.com/MrWong99/audiorelay/pkg/audio/rtc"
)

var _ Transform = (*FilePlayer)(nil)

// PlayerOption configures a [FilePlayer].
type PlayerOption func(*FilePlayer)

// WithLoop restarts playback from the beginning at end of file.
func WithLoop(loop bool) PlayerOption {
	return func(p *FilePlayer) { p.loop = loop }
}

// WithPlayerTicker replaces the wall-clock ticker.
func WithPlayerTicker(tk Ticker) PlayerOption {
	return func(p *FilePlayer) { p.ticker = tk }
}

// FilePlayer decodes a source once and plays it out in 10 ms frames.
//
// A decode failure aborts only this transform: it is logged, exposed through
// Err, and the output stays silent.
type FilePlayer struct {
	tap    Tap
	dec    Decoder
	loop   bool
	ticker Ticker

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// NewFilePlayer starts decoding in the background; playback begins once the
// decoder returns.
func NewFilePlayer(tap Tap, dec Decoder, opts ...PlayerOption) (*FilePlayer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &FilePlayer{
		tap:    tap,
		dec:    dec,
		ticker: SystemTicker,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if err := tap.OnEnded(cancel); err != nil && !errors.Is(err, rtc.ErrEndedHandlerSet) {
		cancel()
		return nil, err
	}
	go p.run()
	return p, nil
}

func (p *FilePlayer) run() {
	defer close(p.done)

	pcm, err := p.dec.Decode(p.ctx)
	if err != nil {
		if p.ctx.Err() == nil {
			slog.Error("file player: decode failed", "err", err)
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
		}
		return
	}
	slog.Debug("file player: decoded", "samples", len(pcm), "duration", time.Duration(len(pcm))*time.Second/audio.SampleRate)

	ticks, stopTicker := p.ticker(audio.FrameDuration)
	defer stopTicker()

	var pos int
	var frame int64
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticks:
		}

		f := audio.NewFrame(audio.FrameDuration * time.Duration(frame))
		frame++
		n := copy(f.Samples, pcm[pos:])
		pos += n
		if err := p.tap.WriteFrame(f); errors.Is(err, rtc.ErrClosed) {
			return
		}
		if pos >= len(pcm) {
			if !p.loop {
				return
			}
			pos = 0
		}
	}
}

// Err returns the decode failure, if any.
func (p *FilePlayer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed when playback stops: end of a non-looping file, decode
// failure, or Close.
func (p *FilePlayer) Done() <-chan struct{} { return p.done }

func (p *FilePlayer) Kind() Kind { return KindFile }

func (p *FilePlayer) Output() *webrtc.TrackLocalStaticSample { return p.tap.Output() }

// Close cancels decoding or playback, waits for the player goroutine and
// closes the tap.
func (p *FilePlayer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
		err = p.tap.Close()
	})
	return err
}
