package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// RuntimeDirs holds all runtime directory paths for tracetap.
//
//	{base}/       - runtime root
//	{base}/db/    - trace database directory
//	{base}/.lock  - writer lock file
//
// RuntimeDirs is immutable after construction. Use NewRuntimeDirs to create.
// Fields are unexported to prevent construction of invalid instances.
type RuntimeDirs struct {
	base string // runtime root (e.g., /run/tracetap)
	db   string // database directory
	lock string // writer lock file
}

// DefaultRuntimeDirs returns RuntimeDirs with production defaults.
// Panics if the default path is somehow invalid (should never happen).
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs("/run/tracetap")
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs creates RuntimeDirs rooted at the given base path.
// All subdirectories are derived from the base.
//
// Returns an error if base is empty or not an absolute path.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}

	return RuntimeDirs{
		base: base,
		db:   filepath.Join(base, "db"),
		lock: filepath.Join(base, ".lock"),
	}, nil
}

// Base returns the runtime root path (e.g., /run/tracetap).
func (d RuntimeDirs) Base() string { return d.base }

// DB returns the database directory path.
func (d RuntimeDirs) DB() string { return d.db }

// Lock returns the writer lock file path.
func (d RuntimeDirs) Lock() string { return d.lock }

// DBPath returns the full path to the SQLite trace database file.
func (d RuntimeDirs) DBPath() string {
	return filepath.Join(d.db, "trace.db")
}

// EnsureDirectories creates the runtime directories. Call this at
// startup to fail fast on permission or configuration issues.
// MkdirAll is idempotent.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.db} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
