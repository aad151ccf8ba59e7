// Package paths resolves the file paths named in configuration. A path
// in a config file is relative to the directory holding that file, not
// to wherever the process happened to start.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// Resolver anchors relative paths at a base directory. It is nil-safe:
// a nil *Resolver only expands a leading ~ and otherwise returns the
// input path unchanged.
type Resolver struct {
	base string
}

// New creates a Resolver for paths found in the file at configPath. An
// empty configPath (defaults, no file) anchors at the working
// directory, which leaves relative paths as they are.
func New(configPath string) *Resolver {
	if configPath == "" {
		return nil
	}
	base := filepath.Dir(configPath)
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}
	return &Resolver{base: base}
}

// Base returns the anchor directory, or "" for a nil Resolver.
func (r *Resolver) Base() string {
	if r == nil {
		return ""
	}
	return r.base
}

// Resolve expands a leading ~ and anchors relative paths at the base
// directory. Absolute and empty paths are returned as is.
func (r *Resolver) Resolve(path string) string {
	if path == "" {
		return ""
	}
	path = ExpandHome(path)
	if r == nil || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.base, path)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
