package stt

import "time"

// Transcript is one recognition result, interim or final.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence in [0, 1]; zero when the provider does not report one.
	Confidence float64

	// Start and Duration locate the utterance relative to stream start.
	Start    time.Duration
	Duration time.Duration

	// Words is nil for providers without word-level output.
	Words []Word
}

// Word is per-word timing detail.
type Word struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}
