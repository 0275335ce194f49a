package testutil

import (
	"os"
	"path/filepath"
)

// CleanDir recreates dir empty, keeping any listed files.
func CleanDir(dir string, keep []string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	if err != nil {
		return err
	}
outer:
	for _, entry := range entries {
		for _, k := range keep {
			if entry.Name() == k {
				continue outer
			}
		}
		err = os.RemoveAll(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
	}
	return nil
}
