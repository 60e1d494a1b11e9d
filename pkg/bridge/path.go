package bridge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ContainPath resolves rel against root and returns the absolute result. It
// fails with ErrPathEscape for absolute paths, for any resolution outside
// root, and for symlinks that lead outside root.
func ContainPath(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidParams)
	}
	if root == "" {
		return "", fmt.Errorf("%w: no data directory", ErrPathEscape)
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", ErrPathEscape
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve data directory: %w", err)
	}
	target := filepath.Join(absRoot, rel)
	if !within(absRoot, target) {
		return "", ErrPathEscape
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return target, nil
		}
		return "", fmt.Errorf("failed to resolve data directory: %w", err)
	}
	realTarget, err := evalExisting(target)
	if err != nil {
		return "", err
	}
	if !within(realRoot, realTarget) {
		return "", ErrPathEscape
	}
	return target, nil
}

func within(root, target string) bool {
	if target == root {
		return true
	}
	return strings.HasPrefix(target, root+string(filepath.Separator))
}

// evalExisting resolves symlinks in the longest existing prefix of path and
// re-attaches the missing tail
func evalExisting(path string) (string, error) {
	var tail []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		// A dangling link would be followed on write
		if _, lerr := os.Lstat(current); lerr == nil {
			return "", ErrPathEscape
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		tail = append(tail, filepath.Base(current))
		current = parent
	}
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
