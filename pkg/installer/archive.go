package installer

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/capsule/pkg/manifest"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// archiveKind classifies a package source by its file name
func archiveKind(source string) string {
	lower := strings.ToLower(source)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return "zip"
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "tar.gz"
	default:
		return ""
	}
}

// safeJoin resolves an archive entry name under dest, refusing entries
// that would land outside it.
func safeJoin(dest, name string) (string, error) {
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchive, name)
	}
	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchive, name)
	}
	return target, nil
}

// limitedCopy copies at most *budget bytes, failing once the budget is spent
func limitedCopy(dst io.Writer, src io.Reader, budget *int64) error {
	if *budget <= 0 {
		return errors.New("archive exceeds size limit")
	}
	n, err := io.Copy(dst, io.LimitReader(src, *budget+1))
	*budget -= n
	if err != nil {
		return err
	}
	if *budget < 0 {
		return errors.New("archive exceeds size limit")
	}
	return nil
}

func extractZip(source, dest string, maxBytes int64) error {
	r, err := zip.OpenReader(source)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	budget := maxBytes
	for _, f := range r.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			return fmt.Errorf("%w: %s is not a regular file", ErrUnsafeArchive, f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		if err := extractZipFile(f, target, &budget); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractZipFile(f *zip.File, target string, budget *int64) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := limitedCopy(out, rc, budget); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func extractTarGz(source, dest string, maxBytes int64) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	budget := maxBytes
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return err
			}
			if err := limitedCopy(out, tr, &budget); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
		default:
			return fmt.Errorf("%w: %s is not a regular file", ErrUnsafeArchive, hdr.Name)
		}
	}
}

// packageRoot finds the directory holding plugin.json inside an extracted
// archive: the staging root itself or its single top-level directory.
func packageRoot(staging string) (string, error) {
	if _, err := os.Stat(filepath.Join(staging, manifest.FileName)); err == nil {
		return staging, nil
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 1 {
		candidate := filepath.Join(staging, dirs[0])
		if _, err := os.Stat(filepath.Join(candidate, manifest.FileName)); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("archive has no %s at its root", manifest.FileName)
}
