// Package rtc negotiates WebRTC peer connections and provides the processed
// track primitive that taps decoded inbound audio and injects synthesized
// outbound audio on the same connection.
//
// A [Negotiator] owns one pion API (media engine, interceptors, setting
// engine) shared by every peer it creates. [Negotiator.Negotiate] answers a
// caller's offer; [Negotiator.NewOfferer] builds an offering connection for
// outbound legs such as the realtime model endpoint.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/audiorelay/pkg/fault"
)

// DefaultNegotiationTimeout bounds answer creation and ICE gathering.
const DefaultNegotiationTimeout = 15 * time.Second

// Callbacks hook into a single negotiation.
type Callbacks struct {
	// BeforeAnswer runs after the remote description is applied and before
	// the answer is created. Tracks added to peer here appear in the answer.
	// inbound is nil when the offer carries no audio the caller sends.
	// A returned error aborts negotiation.
	BeforeAnswer func(ctx context.Context, peer *Peer, inbound *Inbound) error

	// OnClose fires at most once, when ICE reaches disconnected or failed
	// after a successful negotiation. It does not fire for [Peer.Close].
	OnClose func()
}

// Option configures a [Negotiator].
type Option func(*negotiatorOptions)

type negotiatorOptions struct {
	iceServers []string
	timeout    time.Duration
	portMin    uint16
	portMax    uint16
	nat1to1    []string
}

// WithICEServers sets the STUN/TURN URLs offered to every peer.
func WithICEServers(urls ...string) Option {
	return func(o *negotiatorOptions) { o.iceServers = urls }
}

// WithNegotiationTimeout overrides [DefaultNegotiationTimeout].
func WithNegotiationTimeout(d time.Duration) Option {
	return func(o *negotiatorOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithUDPPortRange restricts ICE host candidates to [min, max].
func WithUDPPortRange(min, max uint16) Option {
	return func(o *negotiatorOptions) {
		o.portMin = min
		o.portMax = max
	}
}

// WithNAT1To1IPs advertises the given public IPs as host candidates, for
// deployments behind a static 1:1 NAT.
func WithNAT1To1IPs(ips ...string) Option {
	return func(o *negotiatorOptions) { o.nat1to1 = ips }
}

// Negotiator creates peer connections from one configured pion API.
// It is safe for concurrent use.
type Negotiator struct {
	api     *webrtc.API
	config  webrtc.Configuration
	timeout time.Duration
}

// NewNegotiator registers Opus on a fresh media engine, installs the default
// interceptors (NACK, RTCP reports) and applies the transport options.
func NewNegotiator(opts ...Option) (*Negotiator, error) {
	o := negotiatorOptions{timeout: DefaultNegotiationTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability(),
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("rtc: register opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("rtc: register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if o.portMin != 0 || o.portMax != 0 {
		if err := se.SetEphemeralUDPPortRange(o.portMin, o.portMax); err != nil {
			return nil, fmt.Errorf("rtc: udp port range: %w", err)
		}
	}
	if len(o.nat1to1) > 0 {
		se.SetNAT1To1IPs(o.nat1to1, webrtc.ICECandidateTypeHost)
	}

	var cfg webrtc.Configuration
	if len(o.iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: o.iceServers}}
	}

	return &Negotiator{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		config:  cfg,
		timeout: o.timeout,
	}, nil
}

func opusCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   opusClockRate,
		Channels:    opusChannels,
		SDPFmtpLine: opusFmtp,
	}
}

// NewOfferer returns a bare peer connection built from the negotiator's API.
// The caller drives the offer side and owns the connection.
func (n *Negotiator) NewOfferer() (*webrtc.PeerConnection, error) {
	pc, err := n.api.NewPeerConnection(n.config)
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	return pc, nil
}

// Negotiate answers offer. On success the returned peer's
// [Peer.LocalDescription] holds the complete answer (ICE candidates
// gathered). On failure any partially built connection is closed and
// cb.OnClose is never invoked; malformed offers fail before cb.BeforeAnswer.
func (n *Negotiator) Negotiate(ctx context.Context, offer webrtc.SessionDescription, cb Callbacks) (*Peer, error) {
	parsed, err := parseOffer(offer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	pc, err := n.api.NewPeerConnection(n.config)
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	p := newPeer(pc, cb.OnClose)
	if sendsAudio(parsed) {
		p.inbound = newInbound()
	}

	fail := func(err error) (*Peer, error) {
		if cerr := p.Close(); cerr != nil {
			slog.Debug("rtc: close after failed negotiation", "peer_id", p.id, "err", cerr)
		}
		return nil, err
	}

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if tr.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if p.inbound == nil || !p.inbound.resolve(tr) {
			slog.Debug("rtc: ignoring extra remote audio track", "peer_id", p.id, "track_id", tr.ID())
			return
		}
		slog.Debug("rtc: remote audio track bound", "peer_id", p.id, "codec", tr.Codec().MimeType)
	})
	pc.OnICEConnectionStateChange(p.handleICEState)

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(fault.New(fault.Negotiation, "set remote description", err))
	}
	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("rtc: negotiate: %w", err))
	}

	if cb.BeforeAnswer != nil {
		if err := cb.BeforeAnswer(ctx, p, p.inbound); err != nil {
			return fail(fmt.Errorf("rtc: before answer: %w", err))
		}
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("rtc: negotiate: %w", err))
		}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fault.New(fault.Negotiation, "create answer", err))
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fault.New(fault.Negotiation, "set local description", err))
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(fmt.Errorf("rtc: ice gathering: %w", ctx.Err()))
	}

	p.armed.Store(true)
	return p, nil
}

// parseOffer rejects anything that is not a parsable SDP offer.
func parseOffer(offer webrtc.SessionDescription) (*sdp.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, fault.Errorf(fault.Negotiation, "parse offer", "expected type offer, got %q", offer.Type.String())
	}
	if strings.TrimSpace(offer.SDP) == "" {
		return nil, fault.New(fault.Negotiation, "parse offer", errors.New("empty sdp"))
	}
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(offer.SDP)); err != nil {
		return nil, fault.New(fault.Negotiation, "parse offer", err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return nil, fault.New(fault.Negotiation, "parse offer", errors.New("no media sections"))
	}
	return parsed, nil
}

// sendsAudio reports whether the offer has an active audio section in which
// the remote side sends media.
func sendsAudio(s *sdp.SessionDescription) bool {
	for _, md := range s.MediaDescriptions {
		if md.MediaName.Media != "audio" || md.MediaName.Port.Value == 0 {
			continue
		}
		direction := "sendrecv"
		for _, a := range md.Attributes {
			switch a.Key {
			case "sendrecv", "sendonly", "recvonly", "inactive":
				direction = a.Key
			}
		}
		if direction == "sendrecv" || direction == "sendonly" {
			return true
		}
	}
	return false
}
