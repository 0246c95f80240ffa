// Package updater runs one update of an install directory: pre-flight
// handshake, reconciliation, execution and the plugin lifecycle around it.
package updater

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/schaermu/patchsync/internal/executor"
	"github.com/schaermu/patchsync/internal/ignore"
	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/plugin"
	"github.com/schaermu/patchsync/internal/progress"
	"github.com/schaermu/patchsync/internal/reconcile"
	"github.com/schaermu/patchsync/internal/remote"
	"github.com/schaermu/patchsync/internal/state"
	"github.com/schaermu/patchsync/internal/versionindex"
)

// Source is the update server as seen by a run
type Source interface {
	BaseURL() string
	Info(ctx context.Context) (*remote.Info, error)
	List(ctx context.Context, method manifest.CheckMethod) ([]manifest.Entry, error)
	Size(ctx context.Context, paths []string) (int64, error)
	IgnoreList(ctx context.Context) ([]string, error)
	VersionIndex(ctx context.Context) ([]byte, error)
	VersionFile(ctx context.Context, version string) ([]byte, error)
	FileURL(rel string) string
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// Options configures the updater
type Options struct {
	Root    string
	Method  manifest.CheckMethod
	Legacy  bool
	Prune   bool
	Workers int
	Ignore  []string
	Bundles []manifest.BundleEntry
	// NoWait fails with state.ErrLocked instead of waiting for another
	// update to release the install directory
	NoWait bool
}

// Result summarizes a completed run
type Result struct {
	Plan    *reconcile.Plan
	Report  *executor.Report
	Elapsed time.Duration
}

// Updater orchestrates update runs for one install directory
type Updater struct {
	opts     Options
	source   Source
	plugins  *plugin.Registry
	progress *progress.State
	store    *state.Store
	executor *executor.Executor
	ignore   *ignore.Set
	logger   *slog.Logger
	now      func() time.Time

	// removals from earlier runs that still fail
	carried []string
}

// New creates an updater
func New(opts Options, source Source, plugins *plugin.Registry, prog *progress.State, logger *slog.Logger) *Updater {
	if plugins == nil {
		plugins = plugin.NewRegistry(logger)
	}
	if prog == nil {
		prog = progress.New()
	}
	return &Updater{
		opts:     opts,
		source:   source,
		plugins:  plugins,
		progress: prog,
		store:    state.NewStore(opts.Root, logger),
		executor: executor.New(source, opts.Workers, prog, plugins, logger),
		ignore:   ignore.New(opts.Ignore...),
		logger:   logger,
		now:      time.Now,
	}
}

func (u *Updater) lock(ctx context.Context) error {
	if u.opts.NoWait {
		return u.store.TryLock()
	}
	return u.store.Lock(ctx)
}

// Progress returns the live progress counters
func (u *Updater) Progress() *progress.State { return u.progress }

// Run executes the complete update. Fatal errors return immediately and
// leave the in-progress marker set.
func (u *Updater) Run(ctx context.Context) (*Result, error) {
	start := u.now()
	u.logger.Info("starting update",
		"server_url", u.source.BaseURL(),
		"install_dir", u.opts.Root,
		"check_method", u.opts.Method.Name(),
		"workers", u.executor.Workers())

	if err := os.MkdirAll(u.opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create install directory: %w", err)
	}

	if err := u.lock(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := u.store.Unlock(); err != nil {
			u.logger.Warn("failed to release install lock", "error", err)
		}
	}()

	cache := versionindex.NewCache(u.store.Dir(), u.logger)
	if u.opts.Legacy {
		if err := cache.PromoteLeftover(); err != nil {
			return nil, err
		}
	}

	prev, err := u.store.Begin(u.opts.Method.Name(), start)
	if err != nil {
		return nil, err
	}
	u.carried = nil
	if len(prev.PendingRemovals) > 0 {
		u.logger.Info("retrying removals from previous run", "count", len(prev.PendingRemovals))
		u.carried = executor.RemoveAll(prev.PendingRemovals, u.logger)
	}

	if !u.opts.Legacy {
		if err := u.preflight(ctx); err != nil {
			return nil, err
		}
	}

	u.plugins.Freeze()
	defer u.plugins.Unfreeze()

	ign := u.ignore.Clone()
	ign.Add(state.DirName)
	startEv := &plugin.StartEvent{
		Root:      u.opts.Root,
		ServerURL: u.source.BaseURL(),
		Server:    u.source,
		Ignore:    ign,
		Logger:    u.logger,
	}
	u.plugins.Start(ctx, startEv)
	u.logger.Debug("ignore rules", "count", ign.Len(), "rules", ign.Rules())

	u.logger.Info("listing files")
	var entries []manifest.Entry
	if u.opts.Legacy {
		entries, err = u.legacyEntries(ctx, cache)
	} else {
		entries, err = u.source.List(ctx, u.opts.Method)
	}
	if err != nil {
		return nil, err
	}

	u.logger.Info("checking files", "entries", len(entries))
	plan, err := reconcile.New(u.source.FileURL, u.logger).Reconcile(reconcile.Input{
		Root:    u.opts.Root,
		Entries: entries,
		Bundles: u.opts.Bundles,
		Extra:   startEv.Extra,
		Ignore:  ign,
		Method:  u.opts.Method,
		Plugins: u.plugins,
		Prune:   u.opts.Prune && !u.opts.Legacy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile: %w", err)
	}

	u.progress.Reset()
	transfers := plan.Transfers()
	var total int64
	if len(transfers) > 0 {
		total, err = u.source.Size(ctx, transfers)
		if err != nil {
			u.logger.Warn("unable to compute download size", "error", err)
			total = 0
		}
		u.logger.Info("downloading files", "files", len(transfers), "bytes", total)
	}
	u.progress.SetTotals(total, int32(len(transfers)))

	report, err := u.executor.Execute(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("update interrupted: %w", err)
	}

	elapsed := u.now().Sub(start)
	u.plugins.UpdateEnd(plugin.EndEvent{Root: u.opts.Root, Elapsed: elapsed, Failures: len(report.Failed)})

	if u.opts.Legacy {
		u.finishLegacy(cache, report)
	}

	pending := append(append([]string(nil), u.carried...), u.executor.Deferred()...)
	current, err := u.store.Load()
	if err != nil {
		current = &state.State{CheckMethod: u.opts.Method.Name(), StartedAt: &start}
	}
	if err := u.store.Finish(current, pending, u.now()); err != nil {
		return nil, err
	}

	u.logger.Info("update complete",
		"downloaded", len(report.Downloaded),
		"extracted", len(report.Extracted),
		"deleted", len(report.Deleted),
		"failed", len(report.Failed),
		"elapsed", FormatElapsed(elapsed))

	return &Result{Plan: plan, Report: report, Elapsed: elapsed}, nil
}

func (u *Updater) preflight(ctx context.Context) error {
	info, err := u.source.Info(ctx)
	if err != nil {
		return err
	}
	u.logger.Info("server reachable", "version", info.Version, "check_methods", info.CheckMethods)
	return remote.CheckCompatibility(info, u.opts.Method.Name(), u.plugins.ServerRequired())
}

// legacyEntries fetches the version index, stages it and merges the
// directives of every pending version.
func (u *Updater) legacyEntries(ctx context.Context, cache *versionindex.Cache) ([]manifest.Entry, error) {
	index, err := u.source.VersionIndex(ctx)
	if err != nil {
		return nil, err
	}
	if err := cache.Stage(index); err != nil {
		return nil, err
	}

	installed, err := cache.Installed()
	if err != nil {
		return nil, err
	}
	pending := versionindex.Pending(versionindex.ParseIndex(index), installed)
	if len(pending) == 0 {
		u.logger.Info("up to date", "installed_versions", len(installed))
		return nil, nil
	}
	u.logger.Info("versions to install", "count", len(pending))

	var perVersion [][]versionindex.Directive
	for _, v := range pending {
		data, err := u.source.VersionFile(ctx, v)
		if err != nil {
			return nil, err
		}
		decoded, err := u.opts.Method.Decode(data)
		if err != nil {
			return nil, &remote.ManifestError{URL: u.source.BaseURL() + v + ".txt", Err: err}
		}
		directives := make([]versionindex.Directive, 0, len(decoded))
		for _, e := range decoded {
			d, ok := e.(versionindex.Directive)
			if !ok {
				return nil, &remote.ManifestError{URL: u.source.BaseURL() + v + ".txt", Err: manifest.ErrIntegrityMismatch}
			}
			directives = append(directives, d)
		}
		u.logger.Debug("version parsed", "version", v, "directives", len(directives))
		perVersion = append(perVersion, directives)
	}
	return versionindex.Entries(versionindex.Merge(perVersion...)), nil
}

// finishLegacy installs the staged index when every transfer succeeded.
// Otherwise the staged copy is dropped so the pending versions are applied
// again next time.
func (u *Updater) finishLegacy(cache *versionindex.Cache, report *executor.Report) {
	transferFailed := len(report.Failed) > len(report.Deferred)
	if transferFailed {
		u.logger.Warn("keeping previous version index, some files failed")
		if err := os.Remove(cache.StagedPath()); err != nil && !os.IsNotExist(err) {
			u.logger.Warn("failed to drop staged version index", "error", err)
		}
		return
	}
	if err := cache.Commit(); err != nil {
		u.logger.Warn("failed to commit version index", "error", err)
	}
}

// FlushDeferred retries every removal still pending and persists the ones
// that keep failing. Call it once before the process exits.
func (u *Updater) FlushDeferred() error {
	u.carried = executor.RemoveAll(u.carried, u.logger)
	pending := append(append([]string(nil), u.carried...), u.executor.FlushDeferred()...)
	if len(pending) > 0 {
		u.logger.Warn("some files could not be removed, will retry next run", "count", len(pending))
	}
	return u.store.SetPending(pending)
}

// FormatElapsed renders d as "X hours Y minutes Z seconds and N milliseconds"
func FormatElapsed(d time.Duration) string {
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%d hours %d minutes %d seconds and %d milliseconds", h, m, s, ms)
}
