// Package fswalk enumerates the initial file set fed into the scheduler
// at startup. It has no direct teacher precedent beyond idiomatic
// filepath.WalkDir usage; ignore prefixes keep VCS/state directories out
// of the initial seed.
package fswalk

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// AllPathsInDir walks baseDir and returns every regular file path, skipping
// any path whose slash-normalized form starts with one of ignorePrefixes
// (e.g. ".git/", ".weft/").
func AllPathsInDir(baseDir string, ignorePrefixes []string) ([]string, error) {
	var out []string

	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, relErr := filepath.Rel(baseDir, path)
		if relErr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			for _, prefix := range ignorePrefixes {
				prefix = strings.TrimSuffix(prefix, "/")
				if rel == prefix {
					return fs.SkipDir
				}
			}
			return nil
		}

		for _, prefix := range ignorePrefixes {
			if strings.HasPrefix(rel, strings.TrimSuffix(prefix, "/")+"/") {
				return nil
			}
		}

		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
