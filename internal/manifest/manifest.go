// Package manifest defines the remote file list model and the check methods
// that decide whether a local file is stale.
package manifest

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Entry is one remote-authoritative file, identified by its relative path
type Entry interface {
	RelativePath() string
}

// Timestamped is implemented by entries that carry the modification time
// to apply once the file has been transferred.
type Timestamped interface {
	ModTime() (time.Time, bool)
}

// Archived is implemented by entries that are archives to extract in place
type Archived interface {
	Archive() bool
}

// Obsoleted is implemented by entries that announce a file to remove
type Obsoleted interface {
	Obsolete() bool
}

// CheckMethod decodes a manifest in its own encoding and decides staleness
// of local files. NeedsUpdate must not modify the filesystem.
type CheckMethod interface {
	// Name is compared with the server's supported methods before a run
	Name() string
	// Decode parses the manifest body into entries of the method's type
	Decode(data []byte) ([]Entry, error)
	// NeedsUpdate reports whether the local copy of e under root is stale
	NeedsUpdate(root string, e Entry) (bool, error)
}

// RemoteEntry is a manifest entry carrying exactly one integrity field
type RemoteEntry struct {
	Path         string `json:"path"`
	LastModified *int64 `json:"last_modified,omitempty"` // milliseconds since epoch
	Size         *int64 `json:"size,omitempty"`
	Hash         string `json:"hash,omitempty"`
}

// RelativePath implements Entry
func (e RemoteEntry) RelativePath() string { return e.Path }

// ModTime implements Timestamped
func (e RemoteEntry) ModTime() (time.Time, bool) {
	if e.LastModified == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*e.LastModified), true
}

// BundleEntry is a legacy archive installed by extraction. Its absence is
// detected through a single marker file expected inside the archive.
type BundleEntry struct {
	Archive string `yaml:"archive" json:"archive"`
	Marker  string `yaml:"marker" json:"marker"`
}

// ErrIntegrityMismatch is reported when an entry lacks the integrity field
// its check method relies on.
var ErrIntegrityMismatch = errors.New("entry integrity does not match check method")

// CheckError reports that a local file could not be checked. It is fatal
// for the run: an unreadable file is never treated as up to date.
type CheckError struct {
	Path string
	Err  error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("unable to check %s: %v", e.Path, e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }

// CleanPath validates a manifest relative path and returns it in slash
// form. Absolute paths and paths escaping the root are rejected.
func CleanPath(rel string) (string, error) {
	slashed := strings.ReplaceAll(rel, "\\", "/")
	if slashed == "" || strings.HasPrefix(slashed, "/") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid relative path %q", rel)
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("relative path %q escapes the install root", rel)
	}
	return cleaned, nil
}

// LocalPath resolves a manifest relative path against root
func LocalPath(root, rel string) (string, error) {
	cleaned, err := CleanPath(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(cleaned)), nil
}
