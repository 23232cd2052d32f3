package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileStore implements Store using a single JSON document
type fileStore struct {
	mu sync.Mutex

	// file path for storage
	filePath string
}

// NewFileStore creates a new file-based store
func NewFileStore(filePath string) (Store, error) {
	dir := filepath.Dir(filePath)
	if dir != "." && dir != ".." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &fileStore{filePath: filePath}, nil
}

// Load reads the state file. A missing file yields an empty state.
func (f *fileStore) Load() (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, err
	}

	state := NewState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal storage data: %w", err)
	}
	if state.Sessions == nil {
		state.Sessions = make(map[string]*FallbackRecord)
	}
	for id, record := range state.Sessions {
		if record == nil {
			delete(state.Sessions, id)
		}
	}
	return state, nil
}

// Save writes the state through a temporary file and an atomic rename
func (f *fileStore) Save(state *State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if state == nil {
		state = NewState()
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal storage data: %w", err)
	}

	// Write to temporary file first
	tmpPath := f.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	// Rename to final path (atomic replace)
	if err := os.Rename(tmpPath, f.filePath); err != nil {
		// Try to clean up temporary file
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// Close implements Store interface
func (f *fileStore) Close() error {
	return nil
}
