package storage

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Backend names
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config selects and configures a backend
type Config struct {
	Backend string
	// Path is a directory for the file backend and a database file for
	// sqlite. Unused by the memory backend.
	Path string
	// CompactBytes is the file backend's snapshot threshold
	CompactBytes int64
}

// Open opens the configured backend
func Open(cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemStore(), nil
	case BackendFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file backend requires a path")
		}
		return OpenFileStore(cfg.Path, cfg.CompactBytes, logger)
	case BackendSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite backend requires a path")
		}
		path := cfg.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "log.db")
		}
		return OpenSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
