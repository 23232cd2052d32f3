package storage

import (
	"fmt"
)

// NewStore creates a new store based on options
func NewStore(opts Options) (Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required for %s storage", typeOrDefault(opts.Type))
	}
	switch typeOrDefault(opts.Type) {
	case "file":
		return NewFileStore(opts.Path)
	case "sqlite":
		return NewSQLiteStore(opts.Path)
	}
	return nil, fmt.Errorf("unsupported storage type: %s, expected 'file' or 'sqlite'", opts.Type)
}

func typeOrDefault(storageType string) string {
	if storageType == "" {
		return "file"
	}
	return storageType
}
