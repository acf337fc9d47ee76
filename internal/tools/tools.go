// Package tools provides the built-in tools every realtime session offers:
//   - "echo" returns its arguments unchanged.
//   - "current_time" reports the server clock, optionally in an IANA zone.
//   - "roll_dice" evaluates a dice expression such as "2d6+3".
//
// All handlers are safe for concurrent use.
package tools

import (
	"context"
	"fmt"

	"github.com/MrWong99/audiorelay/pkg/tool"
)

// Builtin pairs a definition with its handler.
type Builtin struct {
	Definition tool.Definition
	Handler    tool.Handler
}

// All returns every built-in tool.
func All() []Builtin {
	return []Builtin{echoTool(), currentTimeTool(), rollDiceTool()}
}

// Register adds every built-in tool to reg.
func Register(reg *tool.Registry) error {
	for _, b := range All() {
		if err := reg.Register(b.Definition, b.Handler); err != nil {
			return fmt.Errorf("tools: register %s: %w", b.Definition.Name, err)
		}
	}
	return nil
}

func echoTool() Builtin {
	return Builtin{
		Definition: tool.Definition{
			Name:        "echo",
			Description: "Returns the arguments it was called with. Useful for testing tool calling.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "Text to echo back."},
				},
				"additionalProperties": true,
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
}

// stringArg returns args[key] when it is a string.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", key, v)
	}
	return s, nil
}
