package rtc

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Peer is one answered peer connection.
//
// Peer is safe for concurrent use.
type Peer struct {
	id      string
	pc      *webrtc.PeerConnection
	inbound *Inbound
	onClose func()

	state  atomic.Int32
	armed  atomic.Bool // set once negotiation returned the peer
	closed atomic.Bool

	notifyOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

func newPeer(pc *webrtc.PeerConnection, onClose func()) *Peer {
	p := &Peer{
		id:      uuid.NewString(),
		pc:      pc,
		onClose: onClose,
	}
	p.state.Store(int32(webrtc.ICEConnectionStateNew))
	return p
}

// ID returns a unique identifier for log correlation.
func (p *Peer) ID() string { return p.id }

// Inbound returns the caller's audio handle, or nil for offers without a
// sending audio section.
func (p *Peer) Inbound() *Inbound { return p.inbound }

// AddTrack attaches a local track. It must be called before the answer is
// created for the track to be negotiated, i.e. from [Callbacks.BeforeAnswer].
func (p *Peer) AddTrack(t webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(t)
	if err != nil {
		return fmt.Errorf("rtc: add track: %w", err)
	}
	// RTCP must be drained for the interceptors (NACK, reports) to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// LocalDescription returns the applied answer, including gathered candidates.
func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

// ICEState returns the most recent ICE connection state.
func (p *Peer) ICEState() webrtc.ICEConnectionState {
	return webrtc.ICEConnectionState(p.state.Load())
}

// Close tears down the connection. It is idempotent and never invokes the
// OnClose callback.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if p.inbound != nil {
			p.inbound.close()
		}
		if err := p.pc.Close(); err != nil {
			p.closeErr = fmt.Errorf("rtc: close peer connection: %w", err)
		}
	})
	return p.closeErr
}

// handleICEState records s and, on a terminal transport failure, notifies the
// owner exactly once before closing. pion invokes this on its own goroutine;
// the notification and close run detached so the ICE agent is never blocked
// on teardown.
func (p *Peer) handleICEState(s webrtc.ICEConnectionState) {
	p.state.Store(int32(s))
	slog.Debug("rtc: ice state changed", "peer_id", p.id, "state", s.String())

	if s != webrtc.ICEConnectionStateDisconnected && s != webrtc.ICEConnectionStateFailed {
		return
	}
	if p.closed.Load() {
		return
	}
	if !p.armed.Load() {
		// Still negotiating; Negotiate owns the cleanup.
		return
	}
	p.notifyOnce.Do(func() {
		slog.Info("rtc: peer transport lost", "peer_id", p.id, "state", s.String())
		go func() {
			if p.onClose != nil {
				p.onClose()
			}
			if err := p.Close(); err != nil {
				slog.Debug("rtc: close after transport loss", "peer_id", p.id, "err", err)
			}
		}()
	})
}
