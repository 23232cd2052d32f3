// Package modelref parses and formats "provider/model" references.
package modelref

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRef is returned when a string is not of the form provider/model.
var ErrInvalidRef = errors.New("invalid model reference")

// Ref identifies a model hosted by a provider.
type Ref struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// Parse splits s at the first slash. Model ids may themselves contain
// slashes (openrouter/anthropic/claude-sonnet-4).
func Parse(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	idx := strings.Index(s, "/")
	if idx < 0 {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	ref := Ref{
		ProviderID: strings.TrimSpace(s[:idx]),
		ModelID:    strings.TrimSpace(s[idx+1:]),
	}
	if ref.ProviderID == "" || ref.ModelID == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return ref, nil
}

// String returns the provider/model form accepted by Parse.
func (r Ref) String() string {
	return r.ProviderID + "/" + r.ModelID
}

// IsZero reports whether r has neither provider nor model.
func (r Ref) IsZero() bool {
	return r.ProviderID == "" && r.ModelID == ""
}

// Equal compares both fields exactly.
func (r Ref) Equal(other Ref) bool {
	return r.ProviderID == other.ProviderID && r.ModelID == other.ModelID
}

// SameProvider reports whether r and other share a provider id.
func (r Ref) SameProvider(other Ref) bool {
	return r.ProviderID == other.ProviderID
}
