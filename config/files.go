package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// findFiles resolves path to the configuration files it names. A file given
// directly is always used; inside directories only .yaml and .yml files are.
func findFiles(path string) ([]string, error) {
	var files []string
	if err := walk(path, true, &files); err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

func walk(path string, direct bool, files *[]string) error {
	i, err := os.Stat(path)
	if err != nil {
		if direct {
			return err
		}
		// Dangling links inside a directory are skipped.
		return nil
	}

	if !i.IsDir() {
		ext := filepath.Ext(path)
		if !direct && ext != ".yaml" && ext != ".yml" {
			return nil
		}
		ap, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		*files = append(*files, ap)
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("problem while reading directory %s: %w", path, err)
	}
	for _, e := range entries {
		if err := walk(filepath.Join(path, e.Name()), false, files); err != nil {
			return err
		}
	}
	return nil
}
