// Package tool holds the function tools a realtime model may call during a
// session: their JSON-schema definitions, which are advertised to the model,
// and the handlers that run when the model calls them.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/audiorelay/pkg/fault"
)

// suggestThreshold is the minimum Jaro-Winkler similarity for a "did you
// mean" hint on an unknown tool name.
const suggestThreshold = 0.8

var (
	// ErrUnknownTool is returned by [Registry.Invoke] for unregistered names.
	ErrUnknownTool = errors.New("tool: unknown tool")

	// ErrFrozen is returned by [Registry.Register] after [Registry.Freeze].
	ErrFrozen = errors.New("tool: registry is frozen")
)

// Definition is the schema advertised to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Handler runs a tool call. args is the decoded JSON object the model sent.
// The result must be JSON-serialisable.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	def     Definition
	handler Handler
}

// Registry maps tool names to definitions and handlers.
//
// A registry is filled during session setup and frozen when the realtime
// bridge starts, so the advertised schemas and the dispatch table cannot
// drift apart. Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]entry
	frozen bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds or replaces a tool. Registering an existing name replaces the
// earlier registration and logs a warning.
func (r *Registry) Register(def Definition, h Handler) error {
	if def.Name == "" {
		return errors.New("tool: name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("tool: %q has a nil handler", def.Name)
	}
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrFrozen, def.Name)
	}
	if _, dup := r.tools[def.Name]; dup {
		slog.Warn("tool: duplicate registration replaces earlier handler", "tool", def.Name)
	}
	r.tools[def.Name] = entry{def: def, handler: h}
	return nil
}

// Freeze makes the registry read-only. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Clone returns an unfrozen copy sharing the handlers.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Registry{tools: make(map[string]entry, len(r.tools))}
	for k, v := range r.tools {
		c.tools[k] = v
	}
	return c
}

// Select returns an unfrozen copy holding only the named tools, plus the
// names that are not registered. No names means every tool.
func (r *Registry) Select(names ...string) (*Registry, []string) {
	if len(names) == 0 {
		return r.Clone(), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Registry{tools: make(map[string]entry, len(names))}
	var missing []string
	for _, n := range names {
		e, ok := r.tools[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		c.tools[n] = e
	}
	return c, missing
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns all definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, e.def)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Suggest returns the registered name most similar to name, if any is close
// enough to be a plausible typo.
func (r *Registry) Suggest(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best, bestScore := "", 0.0
	for candidate := range r.tools {
		score := matchr.JaroWinkler(strings.ToLower(name), strings.ToLower(candidate), false)
		if score > bestScore || (score == bestScore && candidate < best) {
			best, bestScore = candidate, score
		}
	}
	return best, best != "" && bestScore >= suggestThreshold
}

// Invoke decodes rawArgs, runs the handler and returns the JSON-encoded
// result. Malformed arguments, handler errors, panics and unserialisable
// results all come back as [fault.ToolInvocation] errors; unregistered names
// return [ErrUnknownTool].
func (r *Registry) Invoke(ctx context.Context, name, rawArgs string) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	args := map[string]any{}
	if s := strings.TrimSpace(rawArgs); s != "" {
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			return "", fault.New(fault.ToolInvocation, name+": parse arguments", err)
		}
		if args == nil {
			args = map[string]any{}
		}
	}

	result, err := call(ctx, e.handler, args)
	if err != nil {
		return "", fault.New(fault.ToolInvocation, name, err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fault.New(fault.ToolInvocation, name+": encode result", err)
	}
	return string(out), nil
}

func call(ctx context.Context, h Handler, args map[string]any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, args)
}

// ErrorOutput renders err as the JSON object returned to the model in place
// of a result.
func ErrorOutput(err error) string {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(out)
}
