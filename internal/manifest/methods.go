package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/schaermu/patchsync/internal/digest"
)

// Timestamp compares the local modification time with the entry's
// last_modified value. With CompareSize set it also compares sizes
// (the "date-size" method).
type Timestamp struct {
	CompareSize bool
}

// Name implements CheckMethod
func (m *Timestamp) Name() string {
	if m.CompareSize {
		return "date-size"
	}
	return "date"
}

// Decode implements CheckMethod
func (m *Timestamp) Decode(data []byte) ([]Entry, error) {
	return decodeEntries(data, func(e RemoteEntry) error {
		if e.LastModified == nil || e.Hash != "" {
			return fmt.Errorf("entry %q: %s expects last_modified only", e.Path, m.Name())
		}
		if m.CompareSize && e.Size == nil {
			return fmt.Errorf("entry %q: date-size expects a size", e.Path)
		}
		return nil
	})
}

// NeedsUpdate implements CheckMethod
func (m *Timestamp) NeedsUpdate(root string, e Entry) (bool, error) {
	re, ok := e.(RemoteEntry)
	if !ok || re.LastModified == nil {
		return false, &CheckError{Path: e.RelativePath(), Err: ErrIntegrityMismatch}
	}

	info, missing, err := statLocal(root, re.Path)
	if err != nil || missing {
		return missing, err
	}

	if info.ModTime().UnixMilli() != *re.LastModified {
		return true, nil
	}
	if m.CompareSize && re.Size != nil && info.Size() != *re.Size {
		return true, nil
	}
	return false, nil
}

// Hash compares a digest of the local file with the entry's hash
type Hash struct {
	Digester digest.Digester
}

// NewHash creates a hash check method for the named digest algorithm
func NewHash(algorithm string) (*Hash, error) {
	d, err := digest.Lookup(algorithm)
	if err != nil {
		return nil, err
	}
	return &Hash{Digester: d}, nil
}

// Name implements CheckMethod
func (m *Hash) Name() string { return m.Digester.Name() }

// Decode implements CheckMethod
func (m *Hash) Decode(data []byte) ([]Entry, error) {
	return decodeEntries(data, func(e RemoteEntry) error {
		if e.Hash == "" || e.LastModified != nil {
			return fmt.Errorf("entry %q: %s expects hash only", e.Path, m.Name())
		}
		return nil
	})
}

// NeedsUpdate implements CheckMethod
func (m *Hash) NeedsUpdate(root string, e Entry) (bool, error) {
	re, ok := e.(RemoteEntry)
	if !ok || re.Hash == "" {
		return false, &CheckError{Path: e.RelativePath(), Err: ErrIntegrityMismatch}
	}

	_, missing, err := statLocal(root, re.Path)
	if err != nil || missing {
		return missing, err
	}

	local, err := LocalPath(root, re.Path)
	if err != nil {
		return false, &CheckError{Path: re.Path, Err: err}
	}
	sum, err := m.Digester.File(local)
	if err != nil {
		return false, &CheckError{Path: re.Path, Err: err}
	}
	return !strings.EqualFold(sum, re.Hash), nil
}

// statLocal stats the local copy of rel. The file counts as missing when
// nothing is there, when a directory occupies its place or when one of its
// parents is a file.
func statLocal(root, rel string) (os.FileInfo, bool, error) {
	local, err := LocalPath(root, rel)
	if err != nil {
		return nil, false, &CheckError{Path: rel, Err: err}
	}
	info, err := os.Stat(local)
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, &CheckError{Path: rel, Err: err}
	}
	if info.IsDir() {
		return nil, true, nil
	}
	return info, false, nil
}

// decodeEntries parses a JSON array of RemoteEntry, normalizing paths and
// rejecting duplicates.
func decodeEntries(data []byte, validate func(RemoteEntry) error) ([]Entry, error) {
	var raw []RemoteEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	seen := make(map[string]bool, len(raw))
	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		cleaned, err := CleanPath(e.Path)
		if err != nil {
			return nil, err
		}
		e.Path = cleaned
		if seen[e.Path] {
			return nil, fmt.Errorf("duplicate manifest entry %q", e.Path)
		}
		seen[e.Path] = true
		if err := validate(e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Methods maps check method names to implementations
type Methods map[string]CheckMethod

// Builtin returns the check methods that need no external state
func Builtin() Methods {
	methods := Methods{
		"date":      &Timestamp{},
		"date-size": &Timestamp{CompareSize: true},
	}
	for _, name := range digest.Names() {
		m, _ := NewHash(name)
		methods[name] = m
	}
	return methods
}

// Register adds or replaces a method under its own name
func (ms Methods) Register(m CheckMethod) {
	ms[m.Name()] = m
}

// Lookup returns the method registered under name
func (ms Methods) Lookup(name string) (CheckMethod, error) {
	m, ok := ms[name]
	if !ok {
		return nil, fmt.Errorf("unknown check method %q (available: %v)", name, ms.Names())
	}
	return m, nil
}

// Names lists registered method names in sorted order
func (ms Methods) Names() []string {
	names := make([]string, 0, len(ms))
	for name := range ms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
