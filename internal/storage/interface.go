package storage

import (
	"time"
)

// Timestamp is a Unix time in milliseconds. The zero value means unset.
type Timestamp int64

// At converts t to a Timestamp.
func At(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time converts the timestamp back to a time.Time. The zero Timestamp
// yields the zero time.
func (ts Timestamp) Time() time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ts))
}

// IsZero reports whether the timestamp is unset.
func (ts Timestamp) IsZero() bool {
	return ts == 0
}

// FallbackRecord tracks one session's fallback episode
type FallbackRecord struct {
	ExhaustedAt          Timestamp `json:"exhaustedAt,omitempty"`
	LastFallbackAt       Timestamp `json:"lastFallbackAt,omitempty"`
	OriginalModel        string    `json:"originalModel,omitempty"`
	FallbackModel        string    `json:"fallbackModel,omitempty"`
	RestoredAt           Timestamp `json:"restoredAt,omitempty"`
	LastRestoreAttemptAt Timestamp `json:"lastRestoreAttemptAt,omitempty"`
}

// Restored reports whether the session was switched back.
func (r *FallbackRecord) Restored() bool {
	return !r.RestoredAt.IsZero()
}

// State is the persisted document: fallback records by session id plus the
// time of the last restore sweep.
type State struct {
	Sessions    map[string]*FallbackRecord `json:"sessions"`
	LastCheckAt Timestamp                  `json:"lastCheckAt"`
}

// NewState returns an empty state
func NewState() *State {
	return &State{Sessions: make(map[string]*FallbackRecord)}
}

// Clone returns a deep copy so it can be persisted without holding the
// owner's lock.
func (s *State) Clone() *State {
	clone := &State{
		Sessions:    make(map[string]*FallbackRecord, len(s.Sessions)),
		LastCheckAt: s.LastCheckAt,
	}
	for id, record := range s.Sessions {
		if record == nil {
			continue
		}
		copied := *record
		clone.Sessions[id] = &copied
	}
	return clone
}

// Store defines the interface for persistent fallback state
type Store interface {
	// Load returns the stored state, or an empty state when nothing has
	// been saved yet.
	Load() (*State, error)
	// Save replaces the stored state with state.
	Save(state *State) error

	// Maintenance
	Close() error
}

// Options contains configuration options for storage
type Options struct {
	Type string // "file" or "sqlite"
	Path string // JSON file or SQLite database path
}
