// Package signaling is the HTTP surface of the relay: callers post an SDP
// offer for a scenario and get the complete answer back, list and tear down
// sessions, and follow a session's transcript over a WebSocket.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/audiorelay/internal/config"
	"github.com/MrWong99/audiorelay/internal/health"
	"github.com/MrWong99/audiorelay/internal/observe"
	"github.com/MrWong99/audiorelay/internal/session"
	"github.com/MrWong99/audiorelay/pkg/fault"
)

// eventWriteTimeout bounds a single transcript write to a WebSocket client.
const eventWriteTimeout = 5 * time.Second

// Sessions is the part of [session.Manager] the server drives.
type Sessions interface {
	Open(ctx context.Context, scenario string, offer webrtc.SessionDescription) (*session.Session, error)
	Get(id string) (*session.Session, bool)
	List() []*session.Session
	Close(id string) error
	Scenarios() []config.ScenarioConfig
}

var _ Sessions = (*session.Manager)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics records request metrics into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// Server routes signalling requests to a [Sessions] implementation.
type Server struct {
	sessions       Sessions
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	originPatterns []string
}

// New creates a server for sessions.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{sessions: sessions}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions/{scenario}", s.handleOpen)
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("GET /sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleClose)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /scenarios", s.handleScenarios)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(mux)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	sess, err := s.sessions.Open(r.Context(), r.PathValue("scenario"), req.offer())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, OpenResponse{ID: sess.ID(), LocalDescription: sess.LocalDescription()})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.List()
	out := make([]session.Info, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: session.ErrSessionNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// handleClose is idempotent: an unknown or already closed session is a
// success.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.Close(r.PathValue("id"))
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		observe.Logger(r.Context()).Warn("signaling: session close reported errors", "session_id", r.PathValue("id"), "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScenarios(w http.ResponseWriter, _ *http.Request) {
	scenarios := s.sessions.Scenarios()
	out := make([]ScenarioView, 0, len(scenarios))
	for _, sc := range scenarios {
		out = append(out, ScenarioView{Name: sc.Name, Kind: string(sc.Kind), Tools: sc.Tools})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents streams transcript events until the session ends or the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: session.ErrSessionNotFound.Error()})
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		slog.Debug("signaling: websocket accept failed", "session_id", sess.ID(), "err", err)
		return
	}
	defer c.CloseNow()

	events, cancel := sess.Subscribe(session.DefaultSubscriberBuffer)
	defer cancel()

	// Events flow one way; CloseRead handles pings and notices the client
	// hanging up.
	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, c, ev)
			wcancel()
			if err != nil {
				slog.Debug("signaling: event write failed", "session_id", sess.ID(), "err", err)
				return
			}
		}
	}
}

// statusFor maps a session error to the HTTP status the caller sees.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownScenario), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, fault.ErrNegotiation):
		return http.StatusBadRequest
	case errors.Is(err, fault.ErrExternalService):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(ctx).Error("signaling: request failed", "status", status, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("signaling: write response", "err", err)
	}
}
