package onewire

import (
	"fmt"
	"path/filepath"
)

// Enumerate returns the device directories under root whose names start
// with the one-wire family prefix (28 for DS18B20), sorted by name. No
// matching entries, including a missing root, yields an empty slice and
// a nil error: the caller decides whether that deserves a warning.
func Enumerate(root, prefix string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(root, prefix+"*"))
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", root, err)
	}
	return paths, nil
}
