// Package notify delivers fallback notifications and confirmation prompts
// outside the OpenCode TUI.
package notify

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
)

// Notifier shows a short message. Variant is one of the opencode toast
// variants.
type Notifier interface {
	Toast(ctx context.Context, message, variant string) error
}

// Multi sends every toast to all of its notifiers.
type Multi []Notifier

// NewMulti drops nil entries.
func NewMulti(notifiers ...Notifier) Multi {
	var m Multi
	for _, n := range notifiers {
		if n != nil {
			m = append(m, n)
		}
	}
	return m
}

// Toast delivers to every notifier even when one fails and returns the
// joined errors.
func (m Multi) Toast(ctx context.Context, message, variant string) error {
	var errs []error
	for _, n := range m {
		if err := n.Toast(ctx, message, variant); err != nil {
			log.Debugf("Notifier %T failed: %v", n, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
