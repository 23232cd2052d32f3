// Package fallback switches sessions to a fallback model when their
// provider runs out of credits and later switches them back.
package fallback

import (
	"context"

	"model-fallback/internal/modelref"
	"model-fallback/internal/opencode"
)

// Host is the part of the OpenCode server the engine and sweeper use.
type Host interface {
	ListProviders(ctx context.Context) ([]opencode.ProviderInfo, error)
	// SessionModel returns nil when the session has no recorded model.
	SessionModel(ctx context.Context, sessionID string) (*modelref.Ref, error)
	SetSessionModel(ctx context.Context, sessionID string, model modelref.Ref) error
	// LastUserMessage returns nil when the session has no user message.
	LastUserMessage(ctx context.Context, sessionID string) (*opencode.UserMessage, error)
	SendPrompt(ctx context.Context, sessionID string, model modelref.Ref, parts []opencode.MessagePart) error
}

// Notifier shows a short message to the user. Variants follow the
// opencode toast variants.
type Notifier interface {
	Toast(ctx context.Context, message, variant string) error
}

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, message string) (bool, error)
}

var (
	_ Host     = (*opencode.Client)(nil)
	_ Notifier = (*opencode.Client)(nil)
)
