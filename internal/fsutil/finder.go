// Package fsutil contains small filesystem helpers shared by the loaders.
package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindFilesByExtension returns every file under path with the given
// extension. If path is a regular file it is returned as-is. The result is
// sorted so that loading order, and everything derived from it, is
// deterministic across runs.
func FindFilesByExtension(path, ext string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot access path %s: %w", path, err)
	}

	if !info.IsDir() {
		if strings.EqualFold(filepath.Ext(path), ext) {
			return []string{path}, nil
		}
		return nil, fmt.Errorf("file %s does not have extension %s", path, ext)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(p), ext) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory %s: %w", path, err)
	}

	sort.Strings(files)
	return files, nil
}
