package rtc

import (
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PacketReader is the read half of a remote media track.
type PacketReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

var (
	_ PacketReader = (*webrtc.TrackRemote)(nil)
	_ PacketReader = (*Inbound)(nil)
)

// Inbound is a handle to the caller's audio track. pion only announces
// remote tracks once media starts flowing, which is after the answer has been
// sent, so the handle is handed out during negotiation and resolved later.
//
// ReadRTP blocks until the track is resolved and returns [io.EOF] once the
// owning peer is closed.
type Inbound struct {
	ready chan struct{}
	done  chan struct{}

	resolveOnce sync.Once
	closeOnce   sync.Once

	mu    sync.Mutex
	track *webrtc.TrackRemote
}

func newInbound() *Inbound {
	return &Inbound{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// resolve binds the first audio track. It reports whether t was accepted.
func (in *Inbound) resolve(t *webrtc.TrackRemote) bool {
	accepted := false
	in.resolveOnce.Do(func() {
		in.mu.Lock()
		in.track = t
		in.mu.Unlock()
		close(in.ready)
		accepted = true
	})
	return accepted
}

func (in *Inbound) close() {
	in.closeOnce.Do(func() { close(in.done) })
}

// Ready is closed once the remote track has been bound.
func (in *Inbound) Ready() <-chan struct{} { return in.ready }

// Track returns the bound remote track, or nil before resolution.
func (in *Inbound) Track() *webrtc.TrackRemote {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.track
}

// ReadRTP implements [PacketReader].
func (in *Inbound) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case <-in.done:
		return nil, nil, io.EOF
	case <-in.ready:
	}
	select {
	case <-in.done:
		return nil, nil, io.EOF
	default:
	}
	return in.Track().ReadRTP()
}
