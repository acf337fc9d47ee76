package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/audiorelay/pkg/audio/rtc"
	"github.com/MrWong99/audiorelay/pkg/fault"
	"github.com/MrWong99/audiorelay/pkg/tool"
	"github.com/MrWong99/audiorelay/pkg/transform"
)

const (
	// DataChannelLabel is the label the realtime endpoint expects for events.
	DataChannelLabel = "oai-events"

	// DefaultToolDrainTimeout is how long Close waits for tool calls.
	DefaultToolDrainTimeout = 5 * time.Second
)

var (
	// ErrBridgeClosed is returned by [Bridge.Init] once the bridge is closed.
	ErrBridgeClosed = errors.New("realtime: bridge closed")

	// ErrAlreadyInitialised is returned by a second [Bridge.Init].
	ErrAlreadyInitialised = errors.New("realtime: bridge already initialised")

	errNoChannel = errors.New("realtime: data channel not ready")
)

// Offerer creates the outbound peer connection. [*rtc.Negotiator] satisfies it.
type Offerer interface {
	NewOfferer() (*webrtc.PeerConnection, error)
}

var _ Offerer = (*rtc.Negotiator)(nil)

// textSender is the send half of a data channel.
type textSender interface {
	SendText(s string) error
	Close() error
}

// ToolCallHook observes every completed tool invocation.
type ToolCallHook func(name string, d time.Duration, err error)

// BridgeOption configures a [Bridge].
type BridgeOption func(*Bridge)

// WithSession sets the model, voice, instructions and modalities.
func WithSession(cfg SessionConfig) BridgeOption {
	return func(b *Bridge) { b.cfg = cfg }
}

// WithToolCallHook registers fn for tool call accounting.
func WithToolCallHook(fn ToolCallHook) BridgeOption {
	return func(b *Bridge) { b.onToolCall = fn }
}

// WithToolDrainTimeout bounds how long Close waits for running tool calls.
func WithToolDrainTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.callDrain = d
		}
	}
}

var _ transform.Transform = (*Bridge)(nil)

// Bridge connects one caller tap to a realtime model endpoint.
//
// Caller audio is relayed into a "through" track on the AI peer connection;
// audio from the model is tapped on arrival and relayed back into the
// caller's tap. The two relays close independently.
type Bridge struct {
	tap        transform.Tap
	offerer    Offerer
	endpoint   Endpoint
	tools      *tool.Registry
	cfg        SessionConfig
	onToolCall ToolCallHook

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inited   bool
	pc       *webrtc.PeerConnection
	dc       textSender
	through  *rtc.ProcessedTrack
	remote   *rtc.ProcessedTrack
	relays   []*rtc.Relay
	observer transform.TranscriptObserver
	buffer   strings.Builder

	closed    atomic.Bool
	closeOnce sync.Once
	calls     sync.WaitGroup
	callDrain time.Duration
}

// NewBridge prepares a bridge. registry is cloned, so later changes to it do
// not reach this bridge; nil means no tools. Nothing is dialled until Init.
func NewBridge(tap transform.Tap, offerer Offerer, endpoint Endpoint, registry *tool.Registry, opts ...BridgeOption) *Bridge {
	tools := tool.NewRegistry()
	if registry != nil {
		tools = registry.Clone()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		tap:       tap,
		offerer:   offerer,
		endpoint:  endpoint,
		tools:     tools,
		ctx:       ctx,
		cancel:    cancel,
		callDrain: DefaultToolDrainTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Kind implements [transform.Transform].
func (b *Bridge) Kind() transform.Kind { return transform.KindRealtime }

// Output returns the track carrying model audio toward the caller.
func (b *Bridge) Output() *webrtc.TrackLocalStaticSample { return b.tap.Output() }

// Tools returns the bridge's own registry. It is frozen once Init starts.
func (b *Bridge) Tools() *tool.Registry { return b.tools }

// Closed reports whether the bridge has been closed.
func (b *Bridge) Closed() bool { return b.closed.Load() }

// SetObserver registers the single transcript observer.
func (b *Bridge) SetObserver(obs transform.TranscriptObserver) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.observer != nil {
		return transform.ErrObserverSet
	}
	b.observer = obs
	return nil
}

// Init dials the realtime endpoint: it opens the AI peer connection with the
// event channel and the through track, obtains an ephemeral token, exchanges
// SDP and finally starts relaying caller audio.
//
// On any failure the bridge is closed and stays closed: the AI connection is
// torn down and no relay or goroutine is left behind.
func (b *Bridge) Init(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	b.mu.Lock()
	if b.inited {
		b.mu.Unlock()
		return ErrAlreadyInitialised
	}
	b.inited = true
	b.mu.Unlock()

	b.tools.Freeze()
	if err := b.init(ctx); err != nil {
		b.Close()
		return err
	}
	slog.Info("realtime: bridge ready", "model", orDefault(b.cfg.Model, DefaultModel), "tools", b.tools.Len())
	return nil
}

func (b *Bridge) init(ctx context.Context) error {
	pc, err := b.offerer.NewOfferer()
	if err != nil {
		return err
	}
	if !b.adopt(func() { b.pc = pc }) {
		_ = pc.Close()
		return ErrBridgeClosed
	}

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("realtime: create data channel: %w", err)
	}
	b.adopt(func() { b.dc = dc })
	dc.OnOpen(b.sendSessionUpdate)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { b.handleMessage(msg.Data) })

	through, err := rtc.NewProcessedTrack(nil, rtc.WithTrackID("through", "audiorelay-ai"))
	if err != nil {
		return err
	}
	if !b.adopt(func() { b.through = through }) {
		_ = through.Close()
		return ErrBridgeClosed
	}
	sender, err := pc.AddTrack(through.Output())
	if err != nil {
		return fmt.Errorf("realtime: add through track: %w", err)
	}
	go drainRTCP(sender)

	pc.OnTrack(b.handleRemoteTrack)
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		slog.Debug("realtime: ai ice state", "state", s.String())
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("realtime: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("realtime: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fmt.Errorf("realtime: ice gathering: %w", ctx.Err())
	}

	token, err := b.endpoint.CreateSession(ctx, b.cfg)
	if err != nil {
		return err
	}
	answer, err := b.endpoint.ExchangeSDP(ctx, token, b.cfg.Model, pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fault.New(fault.ExternalService, "realtime apply answer", err)
	}

	relay, err := rtc.NewRelay(b.tap, through, rtc.WithRelayName("caller->ai"))
	if err != nil {
		return err
	}
	if !b.adopt(func() { b.relays = append(b.relays, relay) }) {
		relay.Close()
		return ErrBridgeClosed
	}
	return nil
}

// adopt runs set under the lock unless the bridge is closed.
func (b *Bridge) adopt(set func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return false
	}
	set()
	return true
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (b *Bridge) handleRemoteTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if tr.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	b.attachModelAudio(tr, tr.ID())
}

// attachModelAudio taps the first model audio source and relays it to the
// caller. Later sources are ignored.
func (b *Bridge) attachModelAudio(src rtc.PacketReader, id string) {
	if b.closed.Load() {
		return
	}
	b.mu.Lock()
	taken := b.remote != nil
	b.mu.Unlock()
	if taken {
		slog.Debug("realtime: ignoring extra model track", "track_id", id)
		return
	}

	remote, err := rtc.NewProcessedTrack(src, rtc.WithTrackID("model", "audiorelay-ai"))
	if err != nil {
		slog.Error("realtime: tap model audio", "err", err)
		return
	}
	relay, err := rtc.NewRelay(remote, b.tap, rtc.WithRelayName("ai->caller"))
	if err != nil {
		_ = remote.Close()
		slog.Error("realtime: relay model audio", "err", err)
		return
	}
	var adopted bool
	b.adopt(func() {
		if b.remote != nil {
			return
		}
		b.remote = remote
		b.relays = append(b.relays, relay)
		adopted = true
	})
	if !adopted {
		relay.Close()
		_ = remote.Close()
		slog.Debug("realtime: ignoring extra model track", "track_id", id)
	}
}

func (b *Bridge) sendSessionUpdate() {
	if err := b.sendJSON(newSessionUpdate(b.cfg, b.tools.Definitions())); err != nil {
		slog.Warn("realtime: send session.update", "err", err)
	}
}

func (b *Bridge) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	dc := b.dc
	b.mu.Unlock()
	if dc == nil {
		return errNoChannel
	}
	return dc.SendText(string(data))
}

func (b *Bridge) handleMessage(raw []byte) {
	ev, err := ParseEvent(raw)
	if err != nil {
		slog.Debug("realtime: dropping unparsable event", "err", err)
		return
	}
	b.dispatch(ev)
}

func (b *Bridge) dispatch(ev Event) {
	switch ev.Kind {
	case KindTranscriptDelta:
		b.mu.Lock()
		b.buffer.WriteString(ev.Delta)
		text, obs := b.buffer.String(), b.observer
		b.mu.Unlock()
		if obs != nil {
			obs.OnTranscript(text, false)
		}
	case KindTranscriptDone:
		b.mu.Lock()
		text := ev.Transcript
		if text == "" {
			text = b.buffer.String()
		}
		b.buffer.Reset()
		obs := b.observer
		b.mu.Unlock()
		if obs != nil {
			obs.OnTranscript(text, true)
		}
	case KindToolCallDone:
		b.handleToolCall(ev)
	case KindError:
		slog.Warn("realtime: server error", "type", ev.Error.Type, "code", ev.Error.Code, "message", ev.Error.Message)
	}
}

func (b *Bridge) handleToolCall(ev Event) {
	if !b.tools.Has(ev.Name) {
		attrs := []any{"tool", ev.Name, "call_id", ev.CallID}
		if s, ok := b.tools.Suggest(ev.Name); ok {
			attrs = append(attrs, "did_you_mean", s)
		}
		slog.Warn("realtime: model called unknown tool", attrs...)
		return
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return
	}
	b.calls.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.calls.Done()
		start := time.Now()
		out, err := b.tools.Invoke(b.ctx, ev.Name, ev.Arguments)
		if err != nil {
			slog.Warn("realtime: tool call failed", "tool", ev.Name, "call_id", ev.CallID, "err", err)
			out = tool.ErrorOutput(err)
		}
		if b.onToolCall != nil {
			b.onToolCall(ev.Name, time.Since(start), err)
		}
		if b.closed.Load() {
			return
		}
		if err := b.sendJSON(newFunctionCallOutput(ev.CallID, out)); err != nil {
			slog.Warn("realtime: send tool output", "tool", ev.Name, "err", err)
			return
		}
		if err := b.sendJSON(responseCreate{Type: "response.create"}); err != nil {
			slog.Warn("realtime: send response.create", "err", err)
		}
	}()
}

// Close tears down the AI leg: both relays, the model tap, the through track,
// the data channel and the AI peer connection. The caller's tap is left to
// its owner. Idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed.Store(true)
		pc, dc, through, remote, relays := b.pc, b.dc, b.through, b.remote, b.relays
		b.relays = nil
		b.mu.Unlock()

		b.cancel()
		for _, r := range relays {
			r.Close()
		}
		if through != nil {
			_ = through.Close()
		}
		if remote != nil {
			_ = remote.Close()
		}
		if dc != nil {
			_ = dc.Close()
		}
		if pc != nil {
			if err := pc.Close(); err != nil {
				slog.Debug("realtime: close ai peer connection", "err", err)
			}
		}
		b.waitCalls()
	})
	return nil
}

// waitCalls gives running tool handlers the drain timeout to return. A
// handler that ignores its cancelled context is left behind.
func (b *Bridge) waitCalls() {
	done := make(chan struct{})
	go func() {
		b.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.callDrain):
		slog.Warn("realtime: tool calls still running after close", "waited", b.callDrain)
	}
}
