// Package app wires all audiorelay subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves signalling until its context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via [Providers] and functional options
// (WithMetrics, WithMetricsHandler, etc.). When the realtime endpoint is
// not provided, New builds the HTTP client from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/audiorelay/internal/config"
	"github.com/MrWong99/audiorelay/internal/health"
	"github.com/MrWong99/audiorelay/internal/mcp"
	"github.com/MrWong99/audiorelay/internal/observe"
	"github.com/MrWong99/audiorelay/internal/resilience"
	"github.com/MrWong99/audiorelay/internal/session"
	"github.com/MrWong99/audiorelay/internal/signaling"
	"github.com/MrWong99/audiorelay/internal/tools"
	"github.com/MrWong99/audiorelay/pkg/audio/rtc"
	"github.com/MrWong99/audiorelay/pkg/provider/stt"
	"github.com/MrWong99/audiorelay/pkg/realtime"
	"github.com/MrWong99/audiorelay/pkg/tool"
	"github.com/MrWong99/audiorelay/pkg/transform"
)

// readHeaderTimeout bounds slow clients on the signalling listener.
const readHeaderTimeout = 10 * time.Second

// Providers holds the external services. Nil means not configured.
// Populated by main.go via the config registry.
type Providers struct {
	STT      stt.Provider
	Realtime realtime.Endpoint
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	sessionOpts    []session.Option

	// Subsystems, initialised in New and torn down in Shutdown.
	negotiator *rtc.Negotiator
	breaker    *resilience.CircuitBreaker
	tools      *tool.Registry
	manager    *session.Manager
	health     *health.Handler
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves /metrics with h instead of the Prometheus
// default gatherer.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads adjust the process log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithSessionOptions passes opts through to the session manager.
func WithSessionOptions(opts ...session.Option) Option {
	return func(a *App) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. MCP servers that cannot be reached are logged and
// skipped; any other failure aborts startup.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. WebRTC negotiator ─────────────────────────────────────────────
	if err := a.initNegotiator(); err != nil {
		return nil, fmt.Errorf("app: init negotiator: %w", err)
	}

	// ── 2. Realtime endpoint ─────────────────────────────────────────────
	if err := a.initRealtime(); err != nil {
		return nil, fmt.Errorf("app: init realtime: %w", err)
	}

	// ── 3. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 4. Sessions ──────────────────────────────────────────────────────
	a.manager = session.NewManager(session.Config{
		Negotiator:    a.negotiator,
		Scenarios:     cfg.Scenarios,
		STT:           providers.STT,
		STTSampleRate: sttSampleRate(cfg),
		Realtime:      providers.Realtime,
		Tools:         a.tools,
		RealtimeSession: realtime.SessionConfig{
			Model:        cfg.Realtime.Model,
			Voice:        cfg.Realtime.Voice,
			Instructions: cfg.Realtime.Instructions,
			Modalities:   cfg.Realtime.Modalities,
		},
		RealtimeTimeout: cfg.Realtime.Timeout,
		FFmpegPath:      cfg.FFmpeg.Path,
		Metrics:         a.metrics,
	}, a.sessionOpts...)

	// ── 5. Health + HTTP ─────────────────────────────────────────────────
	a.health = health.New(a.checkersFor(cfg.Scenarios)...)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initNegotiator() error {
	w := a.cfg.WebRTC
	opts := []rtc.Option{rtc.WithNegotiationTimeout(w.NegotiationTimeout)}
	if len(w.STUNServers) > 0 {
		opts = append(opts, rtc.WithICEServers(w.STUNServers...))
	}
	if w.UDPPortMin != 0 || w.UDPPortMax != 0 {
		opts = append(opts, rtc.WithUDPPortRange(w.UDPPortMin, w.UDPPortMax))
	}
	if len(w.NAT1To1IPs) > 0 {
		opts = append(opts, rtc.WithNAT1To1IPs(w.NAT1To1IPs...))
	}
	n, err := rtc.NewNegotiator(opts...)
	if err != nil {
		return err
	}
	a.negotiator = n
	return nil
}

// initRealtime builds the realtime client behind a circuit breaker unless one
// was injected or no API key is configured.
func (a *App) initRealtime() error {
	if a.providers.Realtime != nil || a.cfg.Realtime.APIKey == "" {
		return nil
	}
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "realtime"})
	opts := []realtime.ClientOption{
		realtime.WithGuard(a.breaker),
		realtime.WithTimeout(a.cfg.Realtime.Timeout),
	}
	if a.cfg.Realtime.BaseURL != "" {
		opts = append(opts, realtime.WithBaseURL(a.cfg.Realtime.BaseURL))
	}
	c, err := realtime.NewClient(a.cfg.Realtime.APIKey, opts...)
	if err != nil {
		return err
	}
	a.providers.Realtime = c
	return nil
}

// initTools fills the registry realtime scenarios select from: the builtin
// tools when enabled, then every tool the MCP servers expose.
func (a *App) initTools(ctx context.Context) error {
	a.tools = tool.NewRegistry()
	if a.cfg.Realtime.BuiltinTools {
		if err := tools.Register(a.tools); err != nil {
			return err
		}
	}
	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}

	imp := mcp.NewImporter()
	a.closers = append(a.closers, imp.Close)
	if err := imp.Connect(ctx, a.cfg.MCP.Servers); err != nil {
		slog.Warn("some MCP servers are unavailable", "err", err)
	}
	if err := imp.Register(a.tools); err != nil {
		return fmt.Errorf("register mcp tools: %w", err)
	}
	slog.Info("tools registered", "count", a.tools.Len(), "mcp_servers", len(a.cfg.MCP.Servers))
	return nil
}

// checkersFor builds readiness checks for what scenarios need.
func (a *App) checkersFor(scenarios []config.ScenarioConfig) []health.Checker {
	var checks []health.Checker
	if uses(scenarios, transform.KindFile) {
		checks = append(checks, health.Binary("ffmpeg", a.cfg.FFmpeg.Path))
	}
	if uses(scenarios, transform.KindTranscribe) {
		checks = append(checks, health.Configured("stt", a.providers.STT != nil, "no speech-to-text provider configured"))
	}
	if uses(scenarios, transform.KindRealtime) {
		checks = append(checks, health.Configured("realtime", a.providers.Realtime != nil, "no realtime endpoint configured"))
		if a.breaker != nil {
			checks = append(checks, health.Circuit("realtime_circuit", a.breaker))
		}
	}
	return checks
}

func uses(scenarios []config.ScenarioConfig, kind transform.Kind) bool {
	return slices.ContainsFunc(scenarios, func(s config.ScenarioConfig) bool { return s.Kind == kind })
}

// CheckReload refuses a reloaded config whose scenarios need a provider this
// process was not started with. Pass it to [config.WithReloadCheck].
func (a *App) CheckReload(cfg *config.Config) error {
	var errs []error
	for _, s := range cfg.Scenarios {
		switch {
		case s.Kind == transform.KindTranscribe && a.providers.STT == nil:
			errs = append(errs, fmt.Errorf("scenario %q: no speech-to-text provider was started; restart to add one", s.Name))
		case s.Kind == transform.KindRealtime && a.providers.Realtime == nil:
			errs = append(errs, fmt.Errorf("scenario %q: no realtime endpoint was started; restart to add one", s.Name))
		}
	}
	return errors.Join(errs...)
}

// sttSampleRate is the rate of the primary recogniser, when it sets one.
func sttSampleRate(cfg *config.Config) int {
	if len(cfg.Providers.STT) == 0 {
		return 0
	}
	return cfg.Providers.STT[0].OptionInt("sample_rate")
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the signalling, health and metrics routes.
func (a *App) Handler() http.Handler {
	return signaling.New(a.manager,
		signaling.WithHealth(a.health),
		signaling.WithMetricsHandler(a.metricsHandler),
		signaling.WithMetrics(a.metrics),
	).Handler()
}

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.manager }

// Tools returns the registry realtime scenarios select from.
func (a *App) Tools() *tool.Registry { return a.tools }

// ApplyConfig applies the hot-reloadable parts of a changed config: the log
// level and the scenario table, whose readiness checks are rebuilt with it.
// Everything else needs a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ScenariosChanged {
		a.manager.SetScenarios(new.Scenarios)
		a.health.SetCheckers(a.checkersFor(new.Scenarios)...)
		for _, c := range d.ScenarioChanges {
			slog.Info("scenario reloaded", "name", c.Name, "added", c.Added, "removed", c.Removed, "modified", c.Modified)
		}
	}
}

// SlogLevel converts a config log level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves signalling on ln until ctx is done, then stops accepting
// requests. Live sessions are left to [App.Shutdown].
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	slog.Info("signalling server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil, "scenarios", len(a.manager.Scenarios()))
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every live session and then runs the closers in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		n := a.manager.CloseAll()
		slog.Info("shutting down", "sessions_closed", n, "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
