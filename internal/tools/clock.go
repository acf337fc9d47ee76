package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/audiorelay/pkg/tool"
)

// now is replaced in tests.
var now = time.Now

type timeResult struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Weekday  string `json:"weekday"`
	Unix     int64  `json:"unix"`
}

func currentTimeTool() Builtin {
	return Builtin{
		Definition: tool.Definition{
			Name:        "current_time",
			Description: "Returns the current date and time.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA time zone such as Europe/Berlin. Defaults to UTC.",
					},
				},
			},
		},
		Handler: currentTime,
	}
}

func currentTime(_ context.Context, args map[string]any) (any, error) {
	zone, err := stringArg(args, "timezone")
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if zone != "" {
		if loc, err = time.LoadLocation(zone); err != nil {
			return nil, fmt.Errorf("unknown timezone %q", zone)
		}
	}
	t := now().In(loc)
	return timeResult{
		Time:     t.Format(time.RFC3339),
		Timezone: loc.String(),
		Weekday:  t.Weekday().String(),
		Unix:     t.Unix(),
	}, nil
}
