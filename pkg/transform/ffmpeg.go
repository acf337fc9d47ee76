package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/audiorelay/pkg/audio"
	"github.com/MrWong99/audiorelay/pkg/fault"
)

const (
	// DefaultFFmpegPath is looked up on PATH.
	DefaultFFmpegPath = "ffmpeg"

	// DefaultMaxDecodeDuration caps how much audio one decode may hold in
	// memory: 10 minutes is about 57 MB of PCM.
	DefaultMaxDecodeDuration = 10 * time.Minute
)

// Decoder produces the complete PCM content of one source as 48 kHz mono
// samples.
type Decoder interface {
	Decode(ctx context.Context) ([]int16, error)
}

// FFmpegDecoder transcodes an arbitrary media file through an ffmpeg
// subprocess.
type FFmpegDecoder struct {
	binary   string
	path     string
	maxAudio time.Duration
}

var _ Decoder = (*FFmpegDecoder)(nil)

// FFmpegOption configures an [FFmpegDecoder].
type FFmpegOption func(*FFmpegDecoder)

// WithMaxDecodeDuration overrides [DefaultMaxDecodeDuration].
func WithMaxDecodeDuration(d time.Duration) FFmpegOption {
	return func(dec *FFmpegDecoder) {
		if d > 0 {
			dec.maxAudio = d
		}
	}
}

// NewFFmpegDecoder decodes path with the ffmpeg binary at binary. An empty
// binary means [DefaultFFmpegPath].
func NewFFmpegDecoder(binary, path string, opts ...FFmpegOption) *FFmpegDecoder {
	if binary == "" {
		binary = DefaultFFmpegPath
	}
	d := &FFmpegDecoder{binary: binary, path: path, maxAudio: DefaultMaxDecodeDuration}
	for _, o := range opts {
		o(d)
	}
	return d
}

// maxBytes is the PCM size of maxAudio.
func (d *FFmpegDecoder) maxBytes() int64 {
	return int64(d.maxAudio/time.Millisecond) * audio.SampleRate / 1000 * audio.Channels * 2
}

func (d *FFmpegDecoder) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-i", d.path,
		"-f", "s16le",
		"-ac", strconv.Itoa(audio.Channels),
		"-ar", strconv.Itoa(audio.SampleRate),
		"pipe:1",
	}
}

// Decode runs ffmpeg to completion. Any failure, including a clean exit with
// no audio or output beyond the decode limit, is a [fault.Decode] error
// carrying ffmpeg's stderr.
func (d *FFmpegDecoder) Decode(ctx context.Context) ([]int16, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.binary, d.args()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.New(fault.Decode, "ffmpeg", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fault.New(fault.Decode, "ffmpeg", err)
	}

	limit := d.maxBytes()
	pcm, readErr := io.ReadAll(io.LimitReader(stdout, limit+1))
	if int64(len(pcm)) > limit {
		cancel()
		_ = cmd.Wait()
		return nil, fault.New(fault.Decode, "ffmpeg",
			fmt.Errorf("%s decodes to more than the %s limit", d.path, d.maxAudio))
	}

	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fault.Errorf(fault.Decode, "ffmpeg", "%w: %s", err, msg)
		}
		return nil, fault.New(fault.Decode, "ffmpeg", err)
	}
	if readErr != nil {
		return nil, fault.New(fault.Decode, "ffmpeg", readErr)
	}
	if len(pcm) < 2 {
		return nil, fault.New(fault.Decode, "ffmpeg", errors.New("no audio decoded from "+d.path))
	}
	return audio.BytesToInt16s(pcm), nil
}
