// Package archive extracts zip bundles into the install tree.
package archive

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// macMetadataDir holds resource forks added by macOS archivers
const macMetadataDir = "__MACOSX"

var chtimes = os.Chtimes

// PathViolationError reports an archive member that would be written
// outside the extraction directory. Nothing from the archive is extracted.
type PathViolationError struct {
	Archive string
	Name    string
}

func (e *PathViolationError) Error() string {
	return fmt.Sprintf("archive %s: entry %q escapes the extraction directory", e.Archive, e.Name)
}

// ErrUnsupportedEntry is returned for symlinks and other special members
var ErrUnsupportedEntry = errors.New("unsupported archive entry")

// Extract unpacks the zip at archivePath into destDir and returns the
// slash separated names of the written files. Every member is validated
// before anything is written. Written bytes are mirrored to progress when
// it is not nil.
func Extract(archivePath, destDir string, progress io.Writer, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer func() {
		_ = r.Close()
	}()

	dest, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", destDir, err)
	}

	type member struct {
		file   *zip.File
		target string
		name   string
	}
	members := make([]member, 0, len(r.File))
	for _, f := range r.File {
		name := strings.ReplaceAll(f.Name, "\\", "/")
		if skipped(name) {
			continue
		}
		target, err := resolve(dest, name)
		if err != nil {
			return nil, &PathViolationError{Archive: archivePath, Name: f.Name}
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("%s in %s: %w", f.Name, archivePath, ErrUnsupportedEntry)
		}
		members = append(members, member{file: f, target: target, name: name})
	}

	var written []string
	for _, m := range members {
		if strings.HasSuffix(m.name, "/") {
			if err := os.MkdirAll(m.target, 0755); err != nil {
				return written, fmt.Errorf("failed to create directory %s: %w", m.target, err)
			}
			continue
		}
		if err := writeMember(m.file, m.target, progress, logger); err != nil {
			return written, err
		}
		written = append(written, strings.TrimSuffix(path.Clean(m.name), "/"))
	}

	// Some archivers leave an empty metadata directory even when its
	// members were skipped.
	if err := os.RemoveAll(filepath.Join(dest, macMetadataDir)); err != nil {
		return written, fmt.Errorf("failed to remove %s: %w", macMetadataDir, err)
	}

	return written, nil
}

func skipped(name string) bool {
	first, _, _ := strings.Cut(strings.TrimPrefix(name, "./"), "/")
	return first == macMetadataDir
}

// resolve joins name onto dest and rejects results outside dest
func resolve(dest, name string) (string, error) {
	if name == "" || path.IsAbs(name) || filepath.IsAbs(filepath.FromSlash(name)) || filepath.VolumeName(filepath.FromSlash(name)) != "" {
		return "", fmt.Errorf("absolute member name %q", name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("member %q escapes %s", name, dest)
	}
	return target, nil
}

func writeMember(f *zip.File, target string, progress io.Writer, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", f.Name, err)
	}
	defer func() {
		_ = src.Close()
	}()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	var w io.Writer = dst
	if progress != nil {
		w = io.MultiWriter(dst, progress)
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", target, err)
	}

	if !f.Modified.IsZero() {
		if err := chtimes(target, f.Modified, f.Modified); err != nil {
			logger.Warn("failed to apply modification time", "path", target, "error", err)
		}
	}
	return nil
}
