// Package transform implements the per-session audio pipelines that sit
// between a caller's inbound audio and the track sent back to them.
//
// Every transform is built from a [Tap] (normally an [rtc.ProcessedTrack]),
// exposes the tap's outbound track, and stops every goroutine and timer it
// owns on Close.
package transform

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/audiorelay/pkg/audio"
	"github.com/MrWong99/audiorelay/pkg/audio/rtc"
)

// Kind names a transform variant. Scenario configuration refers to these.
type Kind string

const (
	KindPassthrough Kind = "passthrough"
	KindVolume      Kind = "volume"
	KindTone        Kind = "tone"
	KindFile        Kind = "file"
	KindTranscribe  Kind = "transcribe"
	KindRealtime    Kind = "realtime"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPassthrough, KindVolume, KindTone, KindFile, KindTranscribe, KindRealtime:
		return true
	}
	return false
}

// ErrObserverSet is returned when a second transcript observer is registered.
var ErrObserverSet = errors.New("transform: transcript observer already registered")

// Tap is the processed-track surface a transform drives.
type Tap interface {
	rtc.FrameSource
	audio.FrameWriter
	Output() *webrtc.TrackLocalStaticSample
	Close() error
}

var _ Tap = (*rtc.ProcessedTrack)(nil)

// Transform is one running pipeline.
type Transform interface {
	Kind() Kind
	// Output is the track to attach to the caller's peer connection.
	Output() *webrtc.TrackLocalStaticSample
	// Close stops the pipeline. Idempotent.
	Close() error
}

// TranscriptObserver receives recognised speech. text is the cumulative
// hypothesis for interim results and the committed utterance for finals.
type TranscriptObserver interface {
	OnTranscript(text string, isFinal bool)
}

// TranscriptObserverFunc adapts a function to [TranscriptObserver].
type TranscriptObserverFunc func(text string, isFinal bool)

// OnTranscript calls fn.
func (fn TranscriptObserverFunc) OnTranscript(text string, isFinal bool) { fn(text, isFinal) }

// Ticker starts a periodic tick of period d and returns the tick channel and
// a stop function. Tests inject a manual ticker for deterministic timing.
type Ticker func(d time.Duration) (<-chan time.Time, func())

// SystemTicker is the wall-clock [Ticker].
func SystemTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
