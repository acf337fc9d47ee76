package transform

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/audiorelay/pkg/audio"
	"github.com/MrWong99/audiorelay/pkg/audio/rtc"
	"github.com/MrWong99/audiorelay/pkg/fault"
	"github.com/MrWong99/audiorelay/pkg/provider/stt"
)

var _ Transform = (*Transcriber)(nil)

// TranscriberOption configures a [Transcriber].
type TranscriberOption func(*Transcriber)

// WithSTTSampleRate resamples audio to rate before sending it to the
// provider. The default is the native 48 kHz.
func WithSTTSampleRate(rate int) TranscriberOption {
	return func(t *Transcriber) {
		if rate > 0 {
			t.rate = rate
		}
	}
}

// WithLanguage passes a BCP-47 language tag to the provider.
func WithLanguage(lang string) TranscriberOption {
	return func(t *Transcriber) { t.language = lang }
}

// Transcriber streams inbound audio to a speech recogniser and passes the
// audio through unchanged.
//
// Recogniser failures never tear down the session: they are logged, exposed
// through Err, and transcripts stop.
type Transcriber struct {
	tap      Tap
	provider stt.Provider
	rate     int
	language string

	mu       sync.Mutex
	sess     stt.SessionHandle
	observer TranscriptObserver
	err      error

	// closed is set once the inbound track ends or Close runs; no frame is
	// forwarded to the recogniser afterwards. Transcripts the recogniser
	// still flushes are delivered until Close.
	closed atomic.Bool
	failed atomic.Bool

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
	consumers sync.WaitGroup
	closing   sync.WaitGroup
}

// NewTranscriber registers on tap and opens the recognition stream in the
// background. Frames that arrive before the stream is open are passed
// through but not transcribed.
func NewTranscriber(tap Tap, provider stt.Provider, opts ...TranscriberOption) (*Transcriber, error) {
	t := &Transcriber{
		tap:      tap,
		provider: provider,
		rate:     audio.SampleRate,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if err := tap.OnFrame(t.onFrame); err != nil {
		return nil, err
	}
	if err := tap.OnEnded(t.onEnded); err != nil {
		return nil, err
	}
	go t.start()
	return t, nil
}

// SetObserver registers the single transcript observer.
func (t *Transcriber) SetObserver(o TranscriptObserver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.observer != nil {
		return ErrObserverSet
	}
	t.observer = o
	return nil
}

// Ready is closed once the stream start attempt has finished.
func (t *Transcriber) Ready() <-chan struct{} { return t.ready }

// Err returns the first recogniser failure.
func (t *Transcriber) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transcriber) start() {
	defer close(t.ready)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-t.ready:
		}
	}()
	sess, err := t.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: t.rate,
		Channels:   audio.Channels,
		Language:   t.language,
	})
	cancel()
	if err != nil {
		t.fail(fault.New(fault.ExternalService, "stt start stream", err))
		return
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = sess.Close()
		return
	}
	t.sess = sess
	t.consumers.Add(1)
	t.mu.Unlock()

	go t.consume(sess.Partials(), sess.Finals())
}

// consume delivers transcripts on one goroutine until both channels close or
// Close runs. A partial is never delivered after a final queued before it.
func (t *Transcriber) consume(partials, finals <-chan stt.Transcript) {
	defer t.consumers.Done()
	for partials != nil || finals != nil {
		select {
		case <-t.done:
			return
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			partials = t.emitFinal(tr, partials)
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			select {
			case fin, ok := <-finals:
				if ok {
					partials = t.emitFinal(fin, partials)
					continue
				}
				finals = nil
			default:
			}
			t.emit(tr)
		}
	}
}

// emitFinal discards queued partials, which the final supersedes, and then
// emits it. It returns nil when partials turns out to be closed.
func (t *Transcriber) emitFinal(fin stt.Transcript, partials <-chan stt.Transcript) <-chan stt.Transcript {
	for partials != nil {
		select {
		case _, ok := <-partials:
			if !ok {
				partials = nil
			}
			continue
		default:
		}
		break
	}
	t.emit(fin)
	return partials
}

func (t *Transcriber) emit(tr stt.Transcript) {
	t.mu.Lock()
	o := t.observer
	t.mu.Unlock()
	if o != nil {
		o.OnTranscript(tr.Text, tr.IsFinal)
	}
}

func (t *Transcriber) onFrame(f audio.Frame) {
	if err := t.tap.WriteFrame(f); err != nil && !errors.Is(err, rtc.ErrClosed) {
		slog.Debug("transcriber: passthrough write failed", "err", err)
	}
	if t.closed.Load() || t.failed.Load() {
		return
	}
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess == nil {
		return
	}
	pcm := audio.Resample(f.Samples, audio.SampleRate, t.rate)
	if err := sess.SendAudio(audio.Int16sToBytes(pcm)); err != nil {
		if t.closed.Load() {
			return
		}
		t.fail(fault.New(fault.ExternalService, "stt send audio", err))
		t.stopStream()
	}
}

func (t *Transcriber) onEnded() {
	t.closed.Store(true)
	t.stopStream()
}

func (t *Transcriber) fail(err error) {
	if !t.failed.CompareAndSwap(false, true) {
		return
	}
	slog.Warn("transcriber: speech recognition stopped", "err", err)
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// stopStream closes the recognition stream in the background. Providers may
// take a moment to flush their last results.
func (t *Transcriber) stopStream() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		sess := t.sess
		t.mu.Unlock()
		if sess == nil {
			return
		}
		t.closing.Add(1)
		go func() {
			defer t.closing.Done()
			if err := sess.Close(); err != nil {
				slog.Debug("transcriber: close stream", "err", err)
			}
		}()
	})
}

func (t *Transcriber) Kind() Kind { return KindTranscribe }

func (t *Transcriber) Output() *webrtc.TrackLocalStaticSample { return t.tap.Output() }

// Close stops forwarding and transcript delivery, then closes the
// recognition stream and the tap.
func (t *Transcriber) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		t.stopStream()
		t.consumers.Wait()
		t.closing.Wait()
		err = t.tap.Close()
	})
	return err
}
