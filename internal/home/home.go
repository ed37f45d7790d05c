// Package home manages the gastrolog home directory layout.
//
// The home directory owns all persistent state: per-store chunk/index
// directories.
//
// Layout:
//
//	<root>/
//	  stores/
//	    <store-id>/                    (per-store chunk + index data)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a gastrolog home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/gastrolog
//   - macOS:   ~/Library/Application Support/gastrolog
//   - Windows: %APPDATA%/gastrolog
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "gastrolog")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// StoreDir returns the directory for a specific store's chunk/index data.
func (d Dir) StoreDir(storeID string) string {
	return filepath.Join(d.root, "stores", storeID)
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
