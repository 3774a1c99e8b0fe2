package plugin

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Discovered is a definition file found by ScanDirectories.
type Discovered[T any] struct {
	Dir   string // directory holding the file
	Value T
}

// ScanDirectories looks one level below each directory for a YAML file named
// fileName and decodes it into T. Missing directories and files are skipped,
// as are files that fail to decode or that keep rejects.
func ScanDirectories[T any](dirs []string, fileName string, keep func(T) bool) ([]Discovered[T], error) {
	var found []Discovered[T]
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			subDir := filepath.Join(dir, entry.Name())
			path := filepath.Join(subDir, fileName)
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			var v T
			if err := yaml.Unmarshal(data, &v); err != nil {
				continue
			}
			if keep != nil && !keep(v) {
				continue
			}
			found = append(found, Discovered[T]{Dir: subDir, Value: v})
		}
	}
	return found, nil
}
