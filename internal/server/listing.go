package server

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/patchsync/internal/manifest"
)

// localFile is one regular file under the served root
type localFile struct {
	rel   string
	size  int64
	mtime time.Time
}

// fingerprint changes whenever a file is added, removed or modified
type fingerprint struct {
	count  int
	size   int64
	newest time.Time
}

type cachedListing struct {
	fp   fingerprint
	body []byte
}

// scan lists regular files under root in lexical order
func scan(root string) ([]localFile, fingerprint, error) {
	var files []localFile
	var fp fingerprint
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, localFile{rel: filepath.ToSlash(rel), size: info.Size(), mtime: info.ModTime()})
		fp.count++
		fp.size += info.Size()
		if info.ModTime().After(fp.newest) {
			fp.newest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return nil, fingerprint{}, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return files, fp, nil
}

// buildListing encodes the manifest of files for method. Digests are
// computed on a pool sized to the CPU count.
func buildListing(root string, files []localFile, method manifest.CheckMethod) ([]byte, error) {
	entries := make([]manifest.RemoteEntry, len(files))

	switch m := method.(type) {
	case *manifest.Timestamp:
		for i, f := range files {
			ms := f.mtime.UnixMilli()
			entries[i] = manifest.RemoteEntry{Path: f.rel, LastModified: &ms}
			if m.CompareSize {
				size := f.size
				entries[i].Size = &size
			}
		}
	case *manifest.Hash:
		var g errgroup.Group
		g.SetLimit(runtime.NumCPU())
		for i, f := range files {
			g.Go(func() error {
				sum, err := m.Digester.File(filepath.Join(root, filepath.FromSlash(f.rel)))
				if err != nil {
					return err
				}
				entries[i] = manifest.RemoteEntry{Path: f.rel, Hash: sum}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("check method %s cannot be served", method.Name())
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return json.Marshal(entries)
}

// Listing computes the manifest of root for method as the list endpoint
// would serve it.
func Listing(root string, method manifest.CheckMethod) ([]byte, error) {
	files, _, err := scan(root)
	if err != nil {
		return nil, err
	}
	return buildListing(root, files, method)
}
