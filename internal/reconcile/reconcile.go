// Package reconcile computes the actions needed to bring a local install
// tree in line with a remote manifest.
package reconcile

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schaermu/patchsync/internal/ignore"
	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/plugin"
)

// URLFunc maps a manifest relative path to the URL it is served from
type URLFunc func(rel string) string

// Input is everything one reconciliation pass looks at
type Input struct {
	Root    string
	Entries []manifest.Entry
	Bundles []manifest.BundleEntry
	// Extra paths are downloaded unconditionally and never pruned
	Extra   []string
	Ignore  *ignore.Set
	Method  manifest.CheckMethod
	Plugins *plugin.Registry
	// Prune deletes local files absent from the manifest
	Prune bool
}

// Reconciler diffs the local tree against the manifest. A pass is
// sequential: bundle markers, then entry checks, then the local tree scan,
// so the ignore rules are complete before deletions are computed.
type Reconciler struct {
	fileURL URLFunc
	logger  *slog.Logger
}

// New creates a Reconciler
func New(fileURL URLFunc, logger *slog.Logger) *Reconciler {
	return &Reconciler{fileURL: fileURL, logger: logger}
}

// Reconcile produces the ordered action list. Any failure to check a local
// file aborts the pass; no partial plan is returned.
func (r *Reconciler) Reconcile(in Input) (*Plan, error) {
	if in.Ignore == nil {
		in.Ignore = ignore.New()
	}
	if in.Plugins == nil {
		in.Plugins = plugin.NewRegistry(r.logger)
	}

	plan := &Plan{}
	remote := make(map[string]bool, len(in.Entries)+len(in.Extra))
	writes := make(map[string]bool)

	if err := r.checkBundles(in, plan, writes); err != nil {
		return nil, err
	}

	if err := r.checkEntries(in, plan, remote, writes); err != nil {
		return nil, err
	}

	for _, rel := range in.Extra {
		rel, err := manifest.CleanPath(rel)
		if err != nil {
			return nil, fmt.Errorf("invalid additional file: %w", err)
		}
		remote[rel] = true
		if writes[rel] {
			continue
		}
		if err := r.emitDownload(in.Root, rel, nil, plan, writes); err != nil {
			return nil, err
		}
	}

	if in.Prune {
		if err := r.scanExtra(in, plan, remote, writes); err != nil {
			return nil, err
		}
	}

	r.logger.Info("reconciliation complete",
		"entries", len(in.Entries),
		"download", plan.Downloads,
		"extract", plan.Extracts,
		"delete", plan.Deletes,
		"clear", plan.Clears)

	return plan, nil
}

// checkBundles emits an extraction for every bundle whose marker file is
// missing, and protects each bundle directory from pruning.
func (r *Reconciler) checkBundles(in Input, plan *Plan, writes map[string]bool) error {
	for _, b := range in.Bundles {
		archive, err := manifest.CleanPath(b.Archive)
		if err != nil {
			return fmt.Errorf("invalid bundle archive: %w", err)
		}
		marker, err := manifest.CleanPath(b.Marker)
		if err != nil {
			return fmt.Errorf("invalid bundle marker: %w", err)
		}

		// the parent directory holds the extracted files; at the root it
		// would cover the whole install
		dir := path.Dir(archive)
		if dir == "." {
			return fmt.Errorf("invalid bundle archive %q: must be inside a subdirectory", archive)
		}
		in.Ignore.Add(dir)

		markerPath, _ := manifest.LocalPath(in.Root, marker)
		_, err = os.Stat(markerPath)
		if err == nil {
			r.logger.Debug("bundle present", "archive", archive, "marker", marker)
			continue
		}
		if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return &manifest.CheckError{Path: marker, Err: err}
		}

		if err := r.clearBlockers(in.Root, archive, plan); err != nil {
			return err
		}
		dest, _ := manifest.LocalPath(in.Root, archive)
		r.logger.Info("bundle missing, scheduling extraction", "archive", archive, "marker", marker)
		plan.add(Action{Kind: ExtractAndDiscard, Path: archive, URL: r.fileURL(archive), Dest: dest})
		writes[archive] = true
	}
	return nil
}

func (r *Reconciler) checkEntries(in Input, plan *Plan, remote, writes map[string]bool) error {
	for _, e := range in.Entries {
		rel, err := manifest.CleanPath(e.RelativePath())
		if err != nil {
			return &manifest.CheckError{Path: e.RelativePath(), Err: err}
		}

		if o, ok := e.(manifest.Obsoleted); ok && o.Obsolete() {
			r.emitObsolete(in.Root, rel, plan, remote, writes)
			continue
		}
		remote[rel] = true

		needsUpdate, err := in.Method.NeedsUpdate(in.Root, e)
		if err != nil {
			var checkErr *manifest.CheckError
			if errors.As(err, &checkErr) {
				return err
			}
			return &manifest.CheckError{Path: rel, Err: err}
		}

		needsUpdate = in.Plugins.FileChecking(rel, needsUpdate)
		if !needsUpdate || writes[rel] {
			continue
		}

		if a, ok := e.(manifest.Archived); ok && a.Archive() {
			if err := r.clearBlockers(in.Root, rel, plan); err != nil {
				return err
			}
			dest, _ := manifest.LocalPath(in.Root, rel)
			plan.add(Action{Kind: ExtractAndDiscard, Path: rel, URL: r.fileURL(rel), Dest: dest})
			writes[rel] = true
			continue
		}

		var modTime *time.Time
		if ts, ok := e.(manifest.Timestamped); ok {
			if mt, ok := ts.ModTime(); ok {
				modTime = &mt
			}
		}
		if err := r.emitDownload(in.Root, rel, modTime, plan, writes); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) emitDownload(root, rel string, modTime *time.Time, plan *Plan, writes map[string]bool) error {
	dest, err := manifest.LocalPath(root, rel)
	if err != nil {
		return &manifest.CheckError{Path: rel, Err: err}
	}
	if err := r.clearBlockers(root, rel, plan); err != nil {
		return err
	}
	plan.add(Action{Kind: Download, Path: rel, URL: r.fileURL(rel), Dest: dest, ModTime: modTime})
	writes[rel] = true
	return nil
}

// clearBlockers schedules removal of whatever occupies the place of rel: a
// directory at rel itself, or a file where one of its parent directories
// belongs.
func (r *Reconciler) clearBlockers(root, rel string, plan *Plan) error {
	segments := strings.Split(rel, "/")
	for i := range segments {
		prefix := strings.Join(segments[:i+1], "/")
		if plan.cleared[prefix] {
			return nil
		}
		local := filepath.Join(root, filepath.FromSlash(prefix))
		info, err := os.Stat(local)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return &manifest.CheckError{Path: prefix, Err: err}
		}

		last := i == len(segments)-1
		if (last && info.IsDir()) || (!last && !info.IsDir()) {
			r.logger.Info("path changed type, scheduling removal", "path", prefix, "dir", info.IsDir())
			plan.add(Action{Kind: Clear, Path: prefix, Dest: local})
			return nil
		}
	}
	return nil
}

// emitObsolete schedules removal of a file a directive marked obsolete,
// unless it is also scheduled for writing in this pass.
func (r *Reconciler) emitObsolete(root, rel string, plan *Plan, remote, writes map[string]bool) {
	if writes[rel] || remote[rel] {
		return
	}
	local, _ := manifest.LocalPath(root, rel)
	if _, err := os.Lstat(local); err != nil {
		return
	}
	plan.add(Action{Kind: Delete, Path: rel, Dest: local})
	remote[rel] = true
}

// scanExtra walks the local tree and schedules removal of every file that
// is neither in the manifest nor covered by an ignore rule.
func (r *Reconciler) scanExtra(in Input, plan *Plan, remote, writes map[string]bool) error {
	if _, err := os.Stat(in.Root); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return filepath.WalkDir(in.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			rel, _ := filepath.Rel(in.Root, p)
			return &manifest.CheckError{Path: filepath.ToSlash(rel), Err: err}
		}
		if p == in.Root {
			return nil
		}

		relPath, err := filepath.Rel(in.Root, p)
		if err != nil {
			return err
		}
		rel := filepath.ToSlash(relPath)

		if in.Ignore.Match(rel) || plan.cleared[rel] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if remote[rel] || writes[rel] {
			return nil
		}

		r.logger.Debug("extra local file", "path", rel)
		plan.add(Action{Kind: Delete, Path: rel, Dest: p})
		return nil
	})
}
