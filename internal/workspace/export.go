// Package workspace writes reconstructed files to a local directory.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/youruser/livegen/internal/files"
	"github.com/youruser/livegen/internal/logging"
)

var log = logging.Get()

// Export writes every file under dir, creating parent directories. All paths are validated
// before anything is written, so a single escaping name leaves dir untouched.
// Returns the absolute paths written, in file order.
func Export(dir string, generated []files.GeneratedFile) ([]string, error) {
	if dir == "" {
		return nil, ErrInvalidPath
	}

	targets := make([]string, len(generated))
	for i, f := range generated {
		dest, err := SafeJoin(dir, f.Path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Path, err)
		}
		targets[i] = dest
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	for i, f := range generated {
		dest := targets[i]
		// Hard guard against symlinks inside dir pointing elsewhere.
		within, err := IsWithinDirReal(dir, dest)
		if err != nil {
			return targets[:i], err
		}
		if !within {
			return targets[:i], fmt.Errorf("%s: %w", f.Path, ErrPathEscape)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return targets[:i], err
		}
		if err := os.WriteFile(dest, []byte(f.Content), 0644); err != nil {
			return targets[:i], err
		}
		log.Debug("Exported %s (%d bytes)", dest, len(f.Content))
	}
	return targets, nil
}

// List returns the files under dir as relative paths. A missing dir yields no files.
func List(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
