package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp returns the path of the first entry called name in dir or one of its ancestors.
// The error wraps os.ErrNotExist when no directory up to the root contains it.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", fmt.Errorf("%s not found above %s: %w", name, dir, os.ErrNotExist)
		}
		curDir = newDir
	}
}
