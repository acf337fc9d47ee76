// Package mcp imports tools from Model Context Protocol servers into a
// [tool.Registry], so a realtime model can call them like built-in tools.
//
// Typical usage:
//
//	imp := mcp.NewImporter()
//	if err := imp.Connect(ctx, cfg.MCP.Servers); err != nil {
//	    slog.Warn("some mcp servers unavailable", "err", err)
//	}
//	defer imp.Close()
//	imp.Register(registry)
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/audiorelay/pkg/tool"
)

// DefaultCallTimeout bounds a single remote tool call.
const DefaultCallTimeout = 10 * time.Second

// ImporterOption configures an [Importer].
type ImporterOption func(*Importer)

// WithCallTimeout overrides [DefaultCallTimeout].
func WithCallTimeout(d time.Duration) ImporterOption {
	return func(i *Importer) {
		if d > 0 {
			i.callTimeout = d
		}
	}
}

// WithVersion sets the client version reported to servers.
func WithVersion(v string) ImporterOption {
	return func(i *Importer) { i.version = v }
}

type remoteTool struct {
	def    tool.Definition
	server string
}

// Importer holds live MCP client sessions and the tools they expose.
// It is safe for concurrent use.
type Importer struct {
	callTimeout time.Duration
	version     string
	client      *mcpsdk.Client

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession
	tools    map[string]remoteTool
}

// NewImporter returns an importer with no connections.
func NewImporter(opts ...ImporterOption) *Importer {
	i := &Importer{
		callTimeout: DefaultCallTimeout,
		version:     "dev",
		sessions:    make(map[string]*mcpsdk.ClientSession),
		tools:       make(map[string]remoteTool),
	}
	for _, o := range opts {
		o(i)
	}
	// One client serves every session.
	i.client = mcpsdk.NewClient(&mcpsdk.Implementation{Name: "audiorelay", Version: i.version}, nil)
	return i
}

// Connect dials every server concurrently. Servers that fail are skipped and
// reported together in the returned error; the rest stay connected.
func (i *Importer) Connect(ctx context.Context, servers []ServerConfig) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range servers {
		g.Go(func() error {
			transport, err := newTransport(cfg)
			if err == nil {
				err = i.ConnectTransport(gctx, cfg.Name, transport)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			// Never cancel the siblings.
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func newTransport(cfg ServerConfig) (mcpsdk.Transport, error) {
	if cfg.Name == "" {
		return nil, errors.New("mcp: server config must have a name")
	}
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return nil, fmt.Errorf("mcp: stdio server %q requires a command", cfg.Name)
		}
		// The process outlives the connect context; it stops when the
		// session closes.
		cmd := exec.Command(parts[0], parts[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcp: streamable-http server %q requires a url", cfg.Name)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
	default:
		return nil, fmt.Errorf("mcp: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
}

// ConnectTransport opens a session over transport and imports the server's
// tool list. A server of the same name is replaced.
func (i *Importer) ConnectTransport(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := i.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect %q: %w", name, err)
	}

	var discovered []remoteTool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp: list tools of %q: %w", name, err)
		}
		discovered = append(discovered, remoteTool{
			def: tool.Definition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			server: name,
		})
	}

	i.mu.Lock()
	if old, ok := i.sessions[name]; ok {
		_ = old.Close()
		for n, t := range i.tools {
			if t.server == name {
				delete(i.tools, n)
			}
		}
	}
	i.sessions[name] = session
	for _, t := range discovered {
		if prev, dup := i.tools[t.def.Name]; dup && prev.server != name {
			slog.Warn("mcp: tool name exported by two servers", "tool", t.def.Name, "kept", name, "dropped", prev.server)
		}
		i.tools[t.def.Name] = t
	}
	i.mu.Unlock()

	slog.Info("mcp: server connected", "server", name, "tools", len(discovered))
	return nil
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	fallback := map[string]any{"type": "object", "properties": map[string]any{}}
	if schema == nil {
		return fallback
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return fallback
	}
	return m
}

// Definitions returns the imported tool schemas sorted by name.
func (i *Importer) Definitions() []tool.Definition {
	i.mu.RLock()
	defs := make([]tool.Definition, 0, len(i.tools))
	for _, t := range i.tools {
		defs = append(defs, t.def)
	}
	i.mu.RUnlock()
	sort.Slice(defs, func(a, b int) bool { return defs[a].Name < defs[b].Name })
	return defs
}

// Register adds a handler for every imported tool to reg.
func (i *Importer) Register(reg *tool.Registry) error {
	for _, def := range i.Definitions() {
		if err := reg.Register(def, i.handler(def.Name)); err != nil {
			return fmt.Errorf("mcp: register %q: %w", def.Name, err)
		}
	}
	return nil
}

func (i *Importer) handler(name string) tool.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return i.Call(ctx, name, args)
	}
}

// Call runs name on its server. A tool-level error reported by the server is
// returned as a Go error. Text content that is valid JSON is decoded so the
// model receives structured output; anything else is returned as a string.
func (i *Importer) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	i.mu.RLock()
	t, ok := i.tools[name]
	var session *mcpsdk.ClientSession
	if ok {
		session = i.sessions[t.server]
	}
	i.mu.RUnlock()
	if !ok || session == nil {
		return nil, fmt.Errorf("mcp: tool %q is not available", name)
	}

	ctx, cancel := context.WithTimeout(ctx, i.callTimeout)
	defer cancel()

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp: call %q on %q: %w", name, t.server, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()
	if res.IsError {
		return nil, fmt.Errorf("mcp: %s reported: %s", name, text)
	}
	var structured any
	if json.Valid([]byte(text)) && json.Unmarshal([]byte(text), &structured) == nil {
		return structured, nil
	}
	return text, nil
}

// Close ends every session.
func (i *Importer) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	var errs []error
	for name, s := range i.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp: close %q: %w", name, err))
		}
		delete(i.sessions, name)
	}
	i.tools = make(map[string]remoteTool)
	return errors.Join(errs...)
}
