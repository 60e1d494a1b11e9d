package installer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

// DefaultExcludes are never copied into the managed store
var DefaultExcludes = []string{
	".git",
	".git/**",
	"**/.DS_Store",
	"**/Thumbs.db",
}

type copyFunc func(src, dst string, mode fs.FileMode) error

// excluded reports whether rel (slash separated) matches any pattern
func excluded(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// copyTree copies every regular file under src into dst. Symlinks are
// skipped; the first copy failure aborts the walk and is returned.
func copyTree(src, dst string, excludes []string, copyFile copyFunc, logger zerolog.Logger) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	conf := fastwalk.Config{Follow: false}
	return fastwalk.Walk(&conf, src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if excluded(excludes, filepath.ToSlash(rel)) {
			if d.IsDir() {
				return fastwalk.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&fs.ModeSymlink != 0:
			logger.Warn().Str("path", rel).Msg("Skipping symlink in plugin package")
			return nil
		case !d.Type().IsRegular():
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := copyFile(path, target, info.Mode().Perm()); err != nil {
			return fmt.Errorf("failed to copy %s: %w", rel, err)
		}
		return nil
	})
}

func copyRegular(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// DirSize sums the sizes of the regular files under root. Entries that
// cannot be read are logged and contribute nothing.
func DirSize(root string, logger zerolog.Logger) int64 {
	var total atomic.Int64
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable entry in size walk")
			if d != nil && d.IsDir() {
				return fastwalk.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable file in size walk")
			return nil
		}
		total.Add(info.Size())
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Str("root", root).Msg("Size walk incomplete")
	}
	return total.Load()
}

// Digest returns the hex BLAKE3 digest of the tree under root: every
// regular file's slash path and contents, in path order.
func Digest(root string) (string, error) {
	var (
		mu    sync.Mutex
		files []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		mu.Lock()
		files = append(files, filepath.ToSlash(rel))
		mu.Unlock()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk %s: %w", root, err)
	}
	sort.Strings(files)

	h := blake3.New()
	for _, rel := range files {
		_, _ = h.Write([]byte(rel))
		_, _ = h.Write([]byte{0})
		if err := hashFile(h, filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			return "", err
		}
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
