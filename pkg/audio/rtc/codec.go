package rtc

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/audiorelay/pkg/audio"
)

// Opus negotiation parameters. WebRTC always signals Opus as 48 kHz stereo;
// the relay encodes and decodes mono, which every Opus decoder accepts.
const (
	opusPayloadType = 111
	opusClockRate   = 48000
	opusChannels    = 2
	opusFmtp        = "minptime=10;useinbandfec=1"

	// opusMaxFrame is the largest Opus frame (120 ms) per channel at 48 kHz.
	opusMaxFrame = 5760

	// opusMaxPacket bounds a single encoded packet.
	opusMaxPacket = 1500
)

// decoder turns Opus payloads into 48 kHz mono samples. One decoder per
// inbound stream; Opus decoders are stateful.
type decoder struct {
	dec *gopus.Decoder
}

func newDecoder() (*decoder, error) {
	dec, err := gopus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("rtc: create opus decoder: %w", err)
	}
	return &decoder{dec: dec}, nil
}

func (d *decoder) decode(payload []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(payload, opusMaxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("rtc: opus decode: %w", err)
	}
	return pcm, nil
}

// encoder turns 10 ms mono frames into Opus payloads.
type encoder struct {
	enc *gopus.Encoder
}

func newEncoder() (*encoder, error) {
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("rtc: create opus encoder: %w", err)
	}
	return &encoder{enc: enc}, nil
}

func (e *encoder) encode(f audio.Frame) ([]byte, error) {
	out, err := e.enc.Encode(f.Samples, audio.FrameSamples, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("rtc: opus encode: %w", err)
	}
	return out, nil
}
