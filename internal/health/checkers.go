package health

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/MrWong99/audiorelay/internal/resilience"
)

// Binary checks that path resolves to an executable, the way exec.Command
// would find it.
func Binary(name, path string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if _, err := exec.LookPath(path); err != nil {
				return fmt.Errorf("%s not found: %w", path, err)
			}
			return nil
		},
	}
}

// Circuit reports failure while the breaker rejects calls.
func Circuit(name string, cb interface{ State() resilience.State }) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if s := cb.State(); s == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		},
	}
}

// Configured fails with reason when ok is false. It covers settings that
// are present or not for the life of the process, such as an API key.
func Configured(name string, ok bool, reason string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !ok {
				return errors.New(reason)
			}
			return nil
		},
	}
}
