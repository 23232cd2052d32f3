package notify

import (
	"context"
	"sync"

	"github.com/charmbracelet/huh"
)

// Terminal asks for confirmation on the controlling terminal. Prompts are
// shown one at a time.
type Terminal struct {
	mu  sync.Mutex
	ask func(ctx context.Context, message string) (bool, error)
}

// NewTerminal returns a confirmer backed by a huh form.
func NewTerminal() *Terminal {
	return &Terminal{ask: askHuh}
}

// Confirm implements fallback.Confirmer
func (t *Terminal) Confirm(ctx context.Context, message string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := t.ask(ctx, message)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func askHuh(ctx context.Context, message string) (bool, error) {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Model fallback").
				Description(message).
				Affirmative("Switch").
				Negative("Keep").
				Value(&ok),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return false, err
	}
	return ok, nil
}
