package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/audiorelay/internal/observe"
	"github.com/MrWong99/audiorelay/pkg/audio/rtc"
	"github.com/MrWong99/audiorelay/pkg/transform"
)

// Info is a point-in-time description of a session.
type Info struct {
	ID        string    `json:"id"`
	Scenario  string    `json:"scenario"`
	Kind      string    `json:"kind"`
	ICEState  string    `json:"iceState"`
	CreatedAt time.Time `json:"createdAt"`
	FramesIn  uint64    `json:"framesIn"`
	FramesOut uint64    `json:"framesOut"`
	Dropped   uint64    `json:"dropped"`
}

// Session is one caller's peer connection together with the pipeline that
// produces the audio sent back to them.
//
// The output track belongs to the session's tap and is attached to the peer
// exactly once, during negotiation. All methods are safe for concurrent use.
type Session struct {
	id        string
	scenario  string
	kind      transform.Kind
	createdAt time.Time
	hub       *Hub
	metrics   *observe.Metrics
	onClosed  func(*Session)

	mu         sync.Mutex
	peer       *rtc.Peer
	tap        *rtc.ProcessedTrack
	pipeline   transform.Transform
	registered bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newSession(scenario string, kind transform.Kind, metrics *observe.Metrics, onClosed func(*Session)) *Session {
	return &Session{
		id:        uuid.NewString(),
		scenario:  scenario,
		kind:      kind,
		createdAt: time.Now().UTC(),
		hub:       NewHub(),
		metrics:   metrics,
		onClosed:  onClosed,
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Scenario() string { return s.scenario }

func (s *Session) Kind() transform.Kind { return s.kind }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether teardown has started.
func (s *Session) Closed() bool { return s.closed.Load() }

// LocalDescription returns the answer sent to the caller.
func (s *Session) LocalDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	p := s.peer
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.LocalDescription()
}

// ICEState returns the peer's latest ICE connection state.
func (s *Session) ICEState() webrtc.ICEConnectionState {
	s.mu.Lock()
	p := s.peer
	s.mu.Unlock()
	if p == nil {
		return webrtc.ICEConnectionStateNew
	}
	return p.ICEState()
}

// Pipeline returns the running transform, or nil before negotiation built
// one.
func (s *Session) Pipeline() transform.Transform {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeline
}

// Subscribe streams the session's transcript events. See [Hub.Subscribe].
func (s *Session) Subscribe(buffer int) (<-chan TranscriptEvent, func()) {
	return s.hub.Subscribe(buffer)
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	tap := s.tap
	s.mu.Unlock()
	info := Info{
		ID:        s.id,
		Scenario:  s.scenario,
		Kind:      string(s.kind),
		ICEState:  s.ICEState().String(),
		CreatedAt: s.createdAt,
	}
	if tap != nil {
		st := tap.Stats()
		info.FramesIn, info.FramesOut, info.Dropped = st.FramesIn, st.FramesOut, st.Dropped
	}
	return info
}

func (s *Session) setTap(t *rtc.ProcessedTrack) {
	s.mu.Lock()
	s.tap = t
	s.mu.Unlock()
}

func (s *Session) setPipeline(p transform.Transform) {
	s.mu.Lock()
	s.pipeline = p
	s.mu.Unlock()
}

func (s *Session) setPeer(p *rtc.Peer) {
	s.mu.Lock()
	s.peer = p
	s.mu.Unlock()
}

// markRegistered records that the manager holds the session. It fails once
// teardown has started, so a transport loss that races registration never
// leaves a dead session in the table.
func (s *Session) markRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.registered = true
	return true
}

// Close tears the session down in order: pipeline and tap, then the peer
// connection, then the manager entry, the active-session gauge and finally
// the transcript subscribers. It is idempotent; every call returns the
// result of the first.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		pipeline, tap, peer, registered := s.pipeline, s.tap, s.peer, s.registered
		s.mu.Unlock()

		var errs []error
		if pipeline != nil {
			errs = append(errs, pipeline.Close())
		}
		if tap != nil {
			st := tap.Stats()
			errs = append(errs, tap.Close())
			s.metrics.AddFramesRelayed(context.Background(), s.scenario, int64(st.FramesOut))
		}
		if peer != nil {
			errs = append(errs, peer.Close())
		}
		if s.onClosed != nil {
			s.onClosed(s)
		}
		if registered {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		s.hub.Close()
		close(s.done)

		s.closeErr = errors.Join(errs...)
		if registered {
			slog.Info("session closed", "session_id", s.id, "scenario", s.scenario, "err", s.closeErr)
		}
	})
	return s.closeErr
}
