package rtc

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/audiorelay/pkg/fault"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

func newTestNegotiator(t *testing.T) *Negotiator {
	t.Helper()
	n, err := NewNegotiator(WithNegotiationTimeout(5 * time.Second))
	if err != nil {
		t.Fatalf("NewNegotiator: %v", err)
	}
	return n
}

// clientOffer builds a complete offer from an in-process pion peer, the way a
// browser would. direction controls the audio transceiver.
func clientOffer(t *testing.T, n *Negotiator, direction webrtc.RTPTransceiverDirection) webrtc.SessionDescription {
	t.Helper()
	pc, err := n.NewOfferer()
	if err != nil {
		t.Fatalf("NewOfferer: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: direction}); err != nil {
		t.Fatalf("AddTransceiverFromKind: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatal("client ICE gathering timed out")
	}
	return *pc.LocalDescription()
}

const sdpHeader = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// ─── offer validation ─────────────────────────────────────────────────────────

func TestNegotiate_MalformedOffer(t *testing.T) {
	t.Parallel()

	n := newTestNegotiator(t)
	tests := []struct {
		name  string
		offer webrtc.SessionDescription
	}{
		{"wrong type", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpHeader}},
		{"empty sdp", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "  "}},
		{"garbage", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "hello world"}},
		{"no media", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpHeader}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var called atomic.Bool
			peer, err := n.Negotiate(context.Background(), tt.offer, Callbacks{
				BeforeAnswer: func(context.Context, *Peer, *Inbound) error {
					called.Store(true)
					return nil
				},
				OnClose: func() { called.Store(true) },
			})
			if !errors.Is(err, fault.ErrNegotiation) {
				t.Fatalf("err = %v, want negotiation fault", err)
			}
			if peer != nil {
				t.Error("expected nil peer")
			}
			if called.Load() {
				t.Error("callback fired for a malformed offer")
			}
		})
	}
}

func TestSendsAudio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		media string
		want  bool
	}{
		{"implicit sendrecv", "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n", true},
		{"sendonly", "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=sendonly\r\n", true},
		{"recvonly", "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=recvonly\r\n", false},
		{"inactive", "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=inactive\r\n", false},
		{"rejected section", "m=audio 0 UDP/TLS/RTP/SAVPF 111\r\na=sendrecv\r\n", false},
		{"video only", "m=video 9 UDP/TLS/RTP/SAVPF 96\r\na=sendrecv\r\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			parsed, err := parseOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpHeader + tt.media})
			if err != nil {
				t.Fatalf("parseOffer: %v", err)
			}
			if got := sendsAudio(parsed); got != tt.want {
				t.Errorf("sendsAudio = %v, want %v", got, tt.want)
			}
		})
	}
}

// ─── negotiation flow ─────────────────────────────────────────────────────────

func TestNegotiate_AnswerCarriesBeforeAnswerTrack(t *testing.T) {
	t.Parallel()

	n := newTestNegotiator(t)
	offer := clientOffer(t, n, webrtc.RTPTransceiverDirectionSendrecv)

	var calls atomic.Int32
	var gotInbound *Inbound
	peer, err := n.Negotiate(context.Background(), offer, Callbacks{
		BeforeAnswer: func(_ context.Context, p *Peer, in *Inbound) error {
			calls.Add(1)
			gotInbound = in
			tr, err := NewProcessedTrack(in)
			if err != nil {
				return err
			}
			return p.AddTrack(tr.Output())
		},
	})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	if calls.Load() != 1 {
		t.Errorf("BeforeAnswer calls = %d, want 1", calls.Load())
	}
	if gotInbound == nil {
		t.Fatal("inbound is nil for a sendrecv offer")
	}
	if peer.Inbound() != gotInbound {
		t.Error("Peer.Inbound differs from the handle passed to BeforeAnswer")
	}

	ld := peer.LocalDescription()
	if ld == nil || ld.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("LocalDescription = %+v, want an answer", ld)
	}
	if !strings.Contains(ld.SDP, "opus/48000/2") {
		t.Errorf("answer does not negotiate opus:\n%s", ld.SDP)
	}
	if !strings.Contains(ld.SDP, "a=sendrecv") {
		t.Errorf("answer does not send the added track:\n%s", ld.SDP)
	}
}

func TestNegotiate_RecvOnlyOfferHasNoInbound(t *testing.T) {
	t.Parallel()

	n := newTestNegotiator(t)
	offer := clientOffer(t, n, webrtc.RTPTransceiverDirectionRecvonly)

	inboundSeen := true
	peer, err := n.Negotiate(context.Background(), offer, Callbacks{
		BeforeAnswer: func(_ context.Context, _ *Peer, in *Inbound) error {
			inboundSeen = in != nil
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	if inboundSeen {
		t.Error("expected nil inbound for a receive-only offer")
	}
}

func TestNegotiate_BeforeAnswerErrorAborts(t *testing.T) {
	t.Parallel()

	n := newTestNegotiator(t)
	offer := clientOffer(t, n, webrtc.RTPTransceiverDirectionSendrecv)

	boom := errors.New("boom")
	var closed atomic.Bool
	var captured *Peer
	peer, err := n.Negotiate(context.Background(), offer, Callbacks{
		BeforeAnswer: func(_ context.Context, p *Peer, _ *Inbound) error {
			captured = p
			return boom
		},
		OnClose: func() { closed.Store(true) },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if peer != nil {
		t.Error("expected nil peer")
	}
	if captured == nil || !captured.closed.Load() {
		t.Error("partially built peer was not closed")
	}
	time.Sleep(50 * time.Millisecond)
	if closed.Load() {
		t.Error("OnClose fired for an aborted negotiation")
	}
}

func TestNegotiate_CancelledContext(t *testing.T) {
	t.Parallel()

	n := newTestNegotiator(t)
	offer := clientOffer(t, n, webrtc.RTPTransceiverDirectionSendrecv)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := n.Negotiate(ctx, offer, Callbacks{
		BeforeAnswer: func(context.Context, *Peer, *Inbound) error {
			cancel()
			return nil
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// ─── peer lifecycle ───────────────────────────────────────────────────────────

func newTestPeer(t *testing.T, onClose func()) *Peer {
	t.Helper()
	n := newTestNegotiator(t)
	pc, err := n.NewOfferer()
	if err != nil {
		t.Fatalf("NewOfferer: %v", err)
	}
	p := newPeer(pc, onClose)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPeer_TransportLossNotifiesOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fired := make(chan struct{}, 4)
	p := newTestPeer(t, func() {
		calls.Add(1)
		fired <- struct{}{}
	})
	p.armed.Store(true)

	p.handleICEState(webrtc.ICEConnectionStateDisconnected)
	p.handleICEState(webrtc.ICEConnectionStateFailed)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not invoked")
	}
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("OnClose calls = %d, want 1", got)
	}
	if got := p.ICEState(); got != webrtc.ICEConnectionStateFailed {
		t.Errorf("ICEState = %v, want failed", got)
	}
}

func TestPeer_CloseSuppressesOnClose(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := newTestPeer(t, func() { calls.Add(1) })
	p.armed.Store(true)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	p.handleICEState(webrtc.ICEConnectionStateFailed)
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("OnClose fired after an explicit Close")
	}
}

func TestPeer_UnarmedPeerDoesNotNotify(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := newTestPeer(t, func() { calls.Add(1) })

	p.handleICEState(webrtc.ICEConnectionStateFailed)
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("OnClose fired during negotiation")
	}
}

// ─── inbound handle ───────────────────────────────────────────────────────────

func TestInbound_ReadAfterCloseIsEOF(t *testing.T) {
	t.Parallel()

	in := newInbound()
	errc := make(chan error, 1)
	go func() {
		_, _, err := in.ReadRTP()
		errc <- err
	}()

	select {
	case err := <-errc:
		t.Fatalf("ReadRTP returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	in.close()
	in.close()
	select {
	case err := <-errc:
		if err == nil || err.Error() != "EOF" {
			t.Errorf("err = %v, want EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadRTP did not unblock on close")
	}
}

func TestInbound_ResolvesOnce(t *testing.T) {
	t.Parallel()

	in := newInbound()
	if !in.resolve(nil) {
		t.Error("first resolve rejected")
	}
	if in.resolve(nil) {
		t.Error("second resolve accepted")
	}
	select {
	case <-in.Ready():
	default:
		t.Error("Ready not closed after resolve")
	}
}
