// Package stt defines the streaming speech-to-text contract used by the
// transcriber transform.
//
// A [Provider] opens a [SessionHandle] per inbound track. The handle accepts
// little-endian 16-bit PCM ("linear16") and emits interim and final
// [Transcript] values on two channels. Both channels are closed when the
// session ends, either because Close was called or because the remote
// service hung up.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after the session has ended.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio sent on a session.
type StreamConfig struct {
	// SampleRate in Hz. Zero lets the provider use its configured default.
	SampleRate int

	// Channels is the interleaved channel count; the relay always sends 1.
	Channels int

	// Language is a BCP-47 tag. Empty means the provider default.
	Language string
}

// SessionHandle is one open recognition stream. All methods are safe for
// concurrent use.
type SessionHandle interface {
	// SendAudio queues one chunk of linear16 PCM. It returns
	// [ErrSessionClosed] once the session has ended.
	SendAudio(chunk []byte) error

	// Partials emits interim hypotheses.
	Partials() <-chan Transcript

	// Finals emits committed results.
	Finals() <-chan Transcript

	// Close ends the stream and releases the connection. Idempotent.
	Close() error
}

// Provider opens recognition streams. Implementations must be safe for
// concurrent use; each transcriber opens its own session.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
