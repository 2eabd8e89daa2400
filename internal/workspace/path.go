package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Path validation errors.
var (
	ErrPathEscape   = errors.New("path escapes export directory")
	ErrAbsolutePath = errors.New("absolute paths not allowed for generated files")
	ErrInvalidPath  = errors.New("invalid path")
)

// SafeJoin joins a base directory with a relative path, ensuring the result
// stays within the base directory. Returns the absolute path if valid.
func SafeJoin(baseDir, relativePath string) (string, error) {
	if err := ValidateRelativePath(relativePath); err != nil {
		return "", err
	}

	// Join and clean (this resolves . and .. components)
	joined := filepath.Join(baseDir, relativePath)

	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absBase, absJoined)
	if err != nil {
		return "", err
	}

	// "..." or "..foo" are valid filenames, not traversals
	if escapes(rel) {
		return "", ErrPathEscape
	}
	if rel == "." {
		return "", ErrInvalidPath
	}

	return absJoined, nil
}

// IsWithinDirReal checks whether targetPath resolves inside baseDir after
// following symlinks. Used as the final guard before writing.
func IsWithinDirReal(baseDir, targetPath string) (bool, error) {
	baseResolved, err := resolvePathForContainment(baseDir)
	if err != nil {
		return false, err
	}
	targetResolved, err := resolvePathForContainment(targetPath)
	if err != nil {
		return false, err
	}

	rel, err := filepath.Rel(baseResolved, targetResolved)
	if err != nil {
		return false, err
	}
	return !escapes(rel), nil
}

// ValidateRelativePath checks that a generated file name is usable as a relative path.
func ValidateRelativePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrInvalidPath
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return ErrAbsolutePath
	}
	if strings.ContainsRune(path, '\x00') {
		return ErrInvalidPath
	}
	return nil
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolvePathForContainment resolves symlinks for containment checks.
// For non-existent paths, it resolves the nearest existing ancestor and
// re-attaches the missing path suffix.
func resolvePathForContainment(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	current := absPath
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}

		if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}

		missing = append(missing, filepath.Base(current))
		current = parent
	}
}
