package tools

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/MrWong99/audiorelay/pkg/tool"
)

const (
	maxDice  = 100
	maxSides = 1000
)

type diceResult struct {
	Expression string `json:"expression"`
	Rolls      []int  `json:"rolls"`
	Modifier   int    `json:"modifier"`
	Total      int    `json:"total"`
}

// intn is replaced in tests.
var intn = randIntN

func randIntN(n int) int { return rand.IntN(n) }

func rollDiceTool() Builtin {
	return Builtin{
		Definition: tool.Definition{
			Name:        "roll_dice",
			Description: `Rolls dice. The expression has the form NdS with an optional +M or -M modifier, e.g. "2d6+3".`,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{"type": "string", "description": "Dice expression, e.g. 1d20."},
				},
				"required": []string{"expression"},
			},
		},
		Handler: rollDice,
	}
}

func rollDice(_ context.Context, args map[string]any) (any, error) {
	expr, err := stringArg(args, "expression")
	if err != nil {
		return nil, err
	}
	if expr == "" {
		return nil, fmt.Errorf("expression must not be empty")
	}
	count, sides, mod, err := parseDice(expr)
	if err != nil {
		return nil, err
	}
	res := diceResult{Expression: expr, Rolls: make([]int, count), Modifier: mod, Total: mod}
	for i := range res.Rolls {
		res.Rolls[i] = intn(sides) + 1
		res.Total += res.Rolls[i]
	}
	return res, nil
}

// parseDice splits NdS[+-M]. N defaults to 1.
func parseDice(expr string) (count, sides, mod int, err error) {
	s := strings.ToLower(strings.ReplaceAll(expr, " ", ""))
	n, rest, ok := strings.Cut(s, "d")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid dice expression %q: missing 'd'", expr)
	}

	count = 1
	if n != "" {
		if count, err = strconv.Atoi(n); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid dice count in %q", expr)
		}
	}

	if i := strings.IndexAny(rest, "+-"); i >= 0 {
		if mod, err = strconv.Atoi(rest[i:]); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid modifier in %q", expr)
		}
		rest = rest[:i]
	}
	if sides, err = strconv.Atoi(rest); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid die size in %q", expr)
	}

	switch {
	case count < 1 || count > maxDice:
		return 0, 0, 0, fmt.Errorf("dice count must be between 1 and %d, got %d", maxDice, count)
	case sides < 2 || sides > maxSides:
		return 0, 0, 0, fmt.Errorf("die size must be between 2 and %d, got %d", maxSides, sides)
	}
	return count, sides, mod, nil
}
