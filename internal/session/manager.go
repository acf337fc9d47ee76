// Package session owns the life cycle of caller sessions: it answers offers,
// builds the audio pipeline a scenario asks for, keeps the table of live
// sessions and tears each one down exactly once.
//
// A [Manager] is created once at startup:
//
//	m := session.NewManager(session.Config{Negotiator: n, Scenarios: cfg.Scenarios})
//	s, err := m.Open(ctx, "echo", offer)
//	answer := s.LocalDescription()
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/audiorelay/internal/config"
	"github.com/MrWong99/audiorelay/internal/observe"
	"github.com/MrWong99/audiorelay/pkg/audio/rtc"
	"github.com/MrWong99/audiorelay/pkg/fault"
	"github.com/MrWong99/audiorelay/pkg/provider/stt"
	"github.com/MrWong99/audiorelay/pkg/realtime"
	"github.com/MrWong99/audiorelay/pkg/tool"
	"github.com/MrWong99/audiorelay/pkg/transform"
)

// DefaultRealtimeTimeout bounds realtime bridge initialisation when
// [Config.RealtimeTimeout] is zero.
const DefaultRealtimeTimeout = 20 * time.Second

var (
	// ErrUnknownScenario is returned by [Manager.Open] for a scenario name
	// that is not configured.
	ErrUnknownScenario = errors.New("session: unknown scenario")

	// ErrSessionNotFound is returned for an ID with no live session.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrNotConfigured is returned when a scenario needs a provider the
	// process was started without.
	ErrNotConfigured = errors.New("session: provider not configured")

	errTransportLost = errors.New("transport lost during setup")
)

// Config holds the dependencies of a [Manager].
type Config struct {
	// Negotiator answers caller offers and dials the realtime endpoint.
	// Required.
	Negotiator *rtc.Negotiator

	// Scenarios is the initial scenario table.
	Scenarios []config.ScenarioConfig

	// STT serves transcribe scenarios. STTSampleRate, when set, is the rate
	// audio is resampled to before it is sent.
	STT           stt.Provider
	STTSampleRate int

	// Realtime serves realtime scenarios. Tools holds every tool a scenario
	// may select; RealtimeSession carries the defaults scenarios override.
	Realtime        realtime.Endpoint
	Tools           *tool.Registry
	RealtimeSession realtime.SessionConfig
	RealtimeTimeout time.Duration

	// FFmpegPath is the decoder binary for file scenarios.
	FFmpegPath string

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Option tunes a [Manager] beyond its dependencies.
type Option func(*Manager)

// WithTicker replaces the wall-clock ticker used by generated audio.
func WithTicker(tk transform.Ticker) Option {
	return func(m *Manager) { m.ticker = tk }
}

// WithDecoderFactory replaces the ffmpeg decoder used by file scenarios.
func WithDecoderFactory(fn func(file string) transform.Decoder) Option {
	return func(m *Manager) { m.decoder = fn }
}

// WithTracerProvider records session spans on tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer(observe.TracerName) }
}

// Manager creates, tracks and closes sessions. It is safe for concurrent
// use.
type Manager struct {
	negotiator      *rtc.Negotiator
	stt             stt.Provider
	sttRate         int
	endpoint        realtime.Endpoint
	tools           *tool.Registry
	rtSession       realtime.SessionConfig
	realtimeTimeout time.Duration
	metrics         *observe.Metrics
	ticker          transform.Ticker
	decoder         func(file string) transform.Decoder
	tracer          trace.Tracer

	mu        sync.RWMutex
	scenarios map[string]config.ScenarioConfig
	sessions  map[string]*Session
}

// NewManager creates a [Manager] from cfg.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		negotiator:      cfg.Negotiator,
		stt:             cfg.STT,
		sttRate:         cfg.STTSampleRate,
		endpoint:        cfg.Realtime,
		tools:           cfg.Tools,
		rtSession:       cfg.RealtimeSession,
		realtimeTimeout: cmp.Or(cfg.RealtimeTimeout, DefaultRealtimeTimeout),
		metrics:         cfg.Metrics,
		ticker:          transform.SystemTicker,
		tracer:          observe.Tracer(),
		sessions:        make(map[string]*Session),
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.tools == nil {
		m.tools = tool.NewRegistry()
	}
	ffmpeg := cmp.Or(cfg.FFmpegPath, transform.DefaultFFmpegPath)
	m.decoder = func(file string) transform.Decoder { return transform.NewFFmpegDecoder(ffmpeg, file) }
	for _, o := range opts {
		o(m)
	}
	m.SetScenarios(cfg.Scenarios)
	return m
}

// SetScenarios replaces the scenario table. Live sessions keep running
// with the scenario they were opened with.
func (m *Manager) SetScenarios(scenarios []config.ScenarioConfig) {
	table := make(map[string]config.ScenarioConfig, len(scenarios))
	for _, sc := range scenarios {
		table[sc.Name] = sc
	}
	m.mu.Lock()
	m.scenarios = table
	m.mu.Unlock()
}

// Scenario looks up one scenario.
func (m *Manager) Scenario(name string) (config.ScenarioConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.scenarios[name]
	return sc, ok
}

// Scenarios returns the scenario table sorted by name.
func (m *Manager) Scenarios() []config.ScenarioConfig {
	m.mu.RLock()
	out := make([]config.ScenarioConfig, 0, len(m.scenarios))
	for _, sc := range m.scenarios {
		out = append(out, sc)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b config.ScenarioConfig) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Open answers offer for scenario. The returned session is registered and
// its LocalDescription holds the complete answer.
//
// Offer problems come back as [fault.Negotiation] errors and realtime
// endpoint failures as [fault.ExternalService]. Whatever was built before a
// failure is released and the session is never registered.
func (m *Manager) Open(ctx context.Context, scenario string, offer webrtc.SessionDescription) (*Session, error) {
	sc, ok := m.Scenario(scenario)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, scenario)
	}

	start := time.Now()
	s := newSession(sc.Name, sc.Kind, m.metrics, m.remove)
	ctx = observe.WithSession(ctx, s.id, sc.Name)
	ctx, span := observe.StartSpanWith(ctx, m.tracer, "session.open",
		trace.WithAttributes(attribute.String("kind", string(sc.Kind))))
	defer span.End()

	peer, err := m.negotiator.Negotiate(ctx, offer, rtc.Callbacks{
		BeforeAnswer: func(ctx context.Context, p *rtc.Peer, in *rtc.Inbound) error {
			return m.build(ctx, s, sc, p, in)
		},
		OnClose: func() {
			observe.Logger(ctx).Info("session transport lost")
			_ = s.Close()
		},
	})
	m.metrics.RecordNegotiation(ctx, sc.Name, observe.StatusOf(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "negotiation failed")
		_ = s.Close()
		return nil, err
	}

	s.setPeer(peer)
	if !m.register(s) {
		return nil, fault.New(fault.Transport, "open session", errTransportLost)
	}

	observe.Logger(ctx).Info("session opened",
		"kind", string(sc.Kind),
		"inbound", peer.Inbound() != nil,
		"duration", time.Since(start),
	)
	return s, nil
}

// build runs inside negotiation, before the answer is created: it builds the
// tap and pipeline and attaches the output track so the answer carries it.
func (m *Manager) build(ctx context.Context, s *Session, sc config.ScenarioConfig, p *rtc.Peer, in *rtc.Inbound) error {
	var src rtc.PacketReader
	if in != nil {
		src = in
	}
	tap, err := rtc.NewProcessedTrack(src,
		rtc.WithTrackID("audio-"+s.id, "audiorelay-"+s.id),
		rtc.WithDropHook(func() { m.metrics.RecordFrameDropped(context.Background(), sc.Name) }),
	)
	if err != nil {
		return err
	}
	s.setTap(tap)

	pipeline, err := m.pipeline(ctx, s, sc, tap)
	if err != nil {
		return fmt.Errorf("session: build %s pipeline: %w", sc.Kind, err)
	}
	s.setPipeline(pipeline)
	return p.AddTrack(pipeline.Output())
}

func (m *Manager) pipeline(ctx context.Context, s *Session, sc config.ScenarioConfig, tap *rtc.ProcessedTrack) (transform.Transform, error) {
	switch sc.Kind {
	case transform.KindPassthrough:
		return transform.NewPassthrough(tap)
	case transform.KindVolume:
		return transform.NewVolume(tap, sc.Gain)
	case transform.KindTone:
		return transform.NewTone(tap, transform.WithFrequency(sc.Frequency), transform.WithToneTicker(m.ticker))
	case transform.KindFile:
		return transform.NewFilePlayer(tap, m.decoder(sc.File),
			transform.WithLoop(sc.Loop),
			transform.WithPlayerTicker(m.ticker),
		)
	case transform.KindTranscribe:
		return m.transcriber(s, sc, tap)
	case transform.KindRealtime:
		return m.bridge(ctx, s, sc, tap)
	}
	return nil, fmt.Errorf("unsupported kind %q", sc.Kind)
}

func (m *Manager) transcriber(s *Session, sc config.ScenarioConfig, tap *rtc.ProcessedTrack) (transform.Transform, error) {
	if m.stt == nil {
		return nil, ErrNotConfigured
	}
	opts := []transform.TranscriberOption{transform.WithLanguage(sc.Language)}
	if m.sttRate > 0 {
		opts = append(opts, transform.WithSTTSampleRate(m.sttRate))
	}
	tr, err := transform.NewTranscriber(tap, m.stt, opts...)
	if err != nil {
		return nil, err
	}
	if err := tr.SetObserver(s.hub); err != nil {
		_ = tr.Close()
		return nil, err
	}
	return tr, nil
}

func (m *Manager) bridge(ctx context.Context, s *Session, sc config.ScenarioConfig, tap *rtc.ProcessedTrack) (transform.Transform, error) {
	if m.endpoint == nil {
		return nil, ErrNotConfigured
	}
	tools, missing := m.tools.Select(sc.Tools...)
	if len(missing) > 0 {
		observe.Logger(ctx).Warn("session: scenario selects unknown tools", "tools", missing)
	}

	cfg := m.rtSession
	cfg.Instructions = cmp.Or(sc.Instructions, cfg.Instructions)
	cfg.Voice = cmp.Or(sc.Voice, cfg.Voice)

	// Tool calls outlive the negotiation, so their spans keep its identity
	// but not its deadline.
	callCtx := context.WithoutCancel(ctx)
	b := realtime.NewBridge(tap, m.negotiator, m.endpoint, tools,
		realtime.WithSession(cfg),
		realtime.WithToolCallHook(func(name string, d time.Duration, err error) {
			m.metrics.RecordToolCall(callCtx, name, observe.StatusOf(err), d)
			_, span := observe.StartSpanWith(callCtx, m.tracer, "tool.call",
				trace.WithTimestamp(time.Now().Add(-d)),
				trace.WithAttributes(attribute.String("tool", name)))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "tool call failed")
			}
			span.End()
		}),
	)
	if err := b.SetObserver(s.hub); err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, m.realtimeTimeout)
	defer cancel()
	initCtx, span := observe.StartSpanWith(initCtx, m.tracer, "realtime.init",
		trace.WithAttributes(attribute.Int("tools", tools.Len())))
	defer span.End()

	start := time.Now()
	err := b.Init(initCtx)
	m.metrics.BridgeInitDuration.Record(ctx, time.Since(start).Seconds())
	m.metrics.RecordProviderRequest(ctx, "realtime", "realtime", observe.StatusOf(err))
	if err != nil {
		m.metrics.RecordProviderError(ctx, "realtime", "realtime")
		span.RecordError(err)
		span.SetStatus(codes.Error, "realtime init failed")
		return nil, err
	}
	return b, nil
}

// register adds s to the table unless it was closed while negotiating.
func (m *Manager) register(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.markRegistered() {
		return false
	}
	m.sessions[s.id] = s
	m.metrics.ActiveSessions.Add(context.Background(), 1)
	return true
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

// Get returns the live session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns the live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Session) int {
		return cmp.Or(a.createdAt.Compare(b.createdAt), cmp.Compare(a.id, b.id))
	})
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close tears down the session with id.
func (m *Manager) Close(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return s.Close()
}

// CloseAll tears down every live session and returns how many there were.
func (m *Manager) CloseAll() int {
	sessions := m.List()
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			slog.Warn("session: close during shutdown", "session_id", s.id, "err", err)
		}
	}
	return len(sessions)
}
