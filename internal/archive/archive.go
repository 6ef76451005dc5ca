// Package archive compresses bulky audit artifacts into .tar.gz files next to
// the originals and extracts seed browser profiles.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Suffix is appended to every archived path.
const Suffix = ".tar.gz"

// Archiver turns each existing path into <path>.tar.gz and removes the
// original.
type Archiver struct {
	logger *zap.Logger
}

// New returns an Archiver. A nil logger is replaced with a no-op logger.
func New(logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{logger: logger.Named("archive")}
}

// Archive compresses every existing path. Missing paths and paths that
// already look like archives are skipped. The first failure stops the pass.
func (a *Archiver) Archive(paths []string) error {
	for _, p := range paths {
		if isArchive(p) {
			continue
		}
		info, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		dst := p + Suffix
		if err := writeArchive(dst, p); err != nil {
			_ = os.Remove(dst)
			return fmt.Errorf("archive %s: %w", p, err)
		}
		if info.IsDir() {
			err = os.RemoveAll(p)
		} else {
			err = os.Remove(p)
		}
		if err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
		a.logger.Info("Archived artifacts", zap.String("path", p), zap.String("archive", dst))
	}
	return nil
}

func isArchive(p string) bool {
	for _, ext := range []string{".tar", Suffix, ".tgz"} {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// writeArchive tars src (a file or a directory tree) into a gzip stream at
// dst. Entry names are relative to the parent of src.
func writeArchive(dst, src string) (err error) {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) // #nosec G304 -- derived from the audit layout.
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", dst, cerr)
		}
	}()
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	base := filepath.Dir(src)
	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return copyFile(tw, path)
	})
	if walkErr != nil {
		return fmt.Errorf("walk %s: %w", src, walkErr)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip stream: %w", err)
	}
	return nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path) // #nosec G304 -- walked from the archive root.
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}
