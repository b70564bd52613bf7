package store

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultDBFile = "goob.db"

	// InMemory is the location of an in-memory store.
	InMemory = ""
)

// CheckExists verifies if a store file exists at the given path.
// Returns true if the store exists, false otherwise.
func CheckExists(dbPath string) (bool, error) {
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check store existence: %w", err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("store path is a directory, expected file: %s", dbPath)
	}
	return true, nil
}

// GetStorePath returns the default directory holding the store file.
func GetStorePath() string {
	return "."
}

// GetDBPath returns the full path to the store file in storePath.
func GetDBPath(storePath string) string {
	return filepath.Join(storePath, DefaultDBFile)
}

// ResolveLocation turns a caller-supplied location into the key used for the
// store set. The in-memory location is returned unchanged. A location naming
// an existing directory resolves to the default store file inside it.
func ResolveLocation(location string) (string, error) {
	if location == InMemory {
		return InMemory, nil
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return "", fmt.Errorf("resolving store location %q: %w", location, err)
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return GetDBPath(abs), nil
	}
	return abs, nil
}
