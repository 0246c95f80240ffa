// Package executor applies a reconciliation plan: transfers run on a
// bounded worker pool, deletions run on the calling goroutine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/patchsync/internal/archive"
	"github.com/schaermu/patchsync/internal/plugin"
	"github.com/schaermu/patchsync/internal/progress"
	"github.com/schaermu/patchsync/internal/reconcile"
)

// DefaultWorkers is the pool width used when none is configured
const DefaultWorkers = 10

// Fetcher opens a remote resource for reading. A non-2xx response must be
// reported as an error.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// TransferError reports a failed download or extraction. The action is
// skipped; the run continues.
type TransferError struct {
	Path string
	URL  string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %s from %s failed: %v", e.Path, e.URL, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// DeletionError reports a file that could not be removed. The removal is
// deferred to process exit.
type DeletionError struct {
	Path string
	Err  error
}

func (e *DeletionError) Error() string {
	return fmt.Sprintf("failed to delete %s: %v", e.Path, e.Err)
}

func (e *DeletionError) Unwrap() error { return e.Err }

// Failure is one non-fatal action failure
type Failure struct {
	Path string
	Err  error
}

// Report summarizes an execution
type Report struct {
	Downloaded []string
	Extracted  []string
	Deleted    []string
	Deferred   []string
	Failed     []Failure
}

// Executor runs plan actions
type Executor struct {
	fetcher  Fetcher
	workers  int
	progress *progress.State
	plugins  *plugin.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	report   *Report
	deferred []string
}

// New creates an executor with a pool of workers goroutines
func New(fetcher Fetcher, workers int, prog *progress.State, plugins *plugin.Registry, logger *slog.Logger) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if prog == nil {
		prog = progress.New()
	}
	return &Executor{
		fetcher:  fetcher,
		workers:  workers,
		progress: prog,
		plugins:  plugins,
		logger:   logger,
	}
}

// Workers returns the pool width
func (e *Executor) Workers() int { return e.workers }

// Execute clears paths blocking a transfer, submits every transfer to the
// pool, then performs deletions on the calling goroutine and waits for the
// pool to drain. Individual
// failures end up in the report; only cancellation is returned as an error.
func (e *Executor) Execute(ctx context.Context, plan *reconcile.Plan) (*Report, error) {
	e.mu.Lock()
	e.report = &Report{}
	e.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(e.workers)

	for _, a := range plan.Actions {
		if a.Kind == reconcile.Clear {
			e.clear(a)
		}
	}

	var deletes []reconcile.Action
	for _, a := range plan.Actions {
		if a.Kind == reconcile.Clear {
			continue
		}
		if a.Kind == reconcile.Delete {
			deletes = append(deletes, a)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			switch a.Kind {
			case reconcile.Download:
				e.download(ctx, a)
			case reconcile.ExtractAndDiscard:
				e.extract(ctx, a)
			}
			return nil
		})
	}

	for _, a := range deletes {
		e.delete(a)
	}

	_ = g.Wait()

	e.mu.Lock()
	report := e.report
	e.mu.Unlock()

	e.logger.Info("execution finished",
		"downloaded", len(report.Downloaded),
		"extracted", len(report.Extracted),
		"deleted", len(report.Deleted),
		"deferred", len(report.Deferred),
		"failed", len(report.Failed))

	return report, ctx.Err()
}

func (e *Executor) download(ctx context.Context, a reconcile.Action) {
	e.plugins.FileAction(plugin.FileActionEvent{Kind: plugin.DownloadStarted, Path: a.Path, URL: a.URL})

	err := e.fetchTo(ctx, a)
	if err == nil && a.ModTime != nil {
		if cerr := os.Chtimes(a.Dest, *a.ModTime, *a.ModTime); cerr != nil {
			e.logger.Warn("failed to apply modification time", "path", a.Path, "error", cerr)
		}
	}
	if err != nil {
		e.fail(a, err)
		e.plugins.FileAction(plugin.FileActionEvent{Kind: plugin.DownloadFinished, Path: a.Path, URL: a.URL, Err: err})
		return
	}

	e.progress.FileDone()
	e.mu.Lock()
	e.report.Downloaded = append(e.report.Downloaded, a.Path)
	e.mu.Unlock()
	e.logger.Debug("downloaded", "path", a.Path)
	e.plugins.FileAction(plugin.FileActionEvent{Kind: plugin.DownloadFinished, Path: a.Path, URL: a.URL})
}

func (e *Executor) extract(ctx context.Context, a reconcile.Action) {
	e.plugins.FileAction(plugin.FileActionEvent{Kind: plugin.ExtractStarted, Path: a.Path, URL: a.URL})

	files, err := e.fetchAndExtract(ctx, a)
	if err != nil {
		e.fail(a, err)
		e.plugins.FileAction(plugin.FileActionEvent{Kind: plugin.ExtractFinished, Path: a.Path, URL: a.URL, Err: err})
		return
	}

	e.progress.FileDone()
	e.mu.Lock()
	e.report.Extracted = append(e.report.Extracted, a.Path)
	e.mu.Unlock()
	e.logger.Info("bundle extracted", "archive", a.Path, "files", len(files))
	e.plugins.FileAction(plugin.FileActionEvent{Kind: plugin.ExtractFinished, Path: a.Path, URL: a.URL})
}

func (e *Executor) fetchAndExtract(ctx context.Context, a reconcile.Action) ([]string, error) {
	if err := e.fetchTo(ctx, a); err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(a.Dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("failed to remove archive", "path", a.Path, "error", err)
		}
	}()

	files, err := archive.Extract(a.Dest, filepath.Dir(a.Dest), nil, e.logger)
	if err != nil {
		var violation *archive.PathViolationError
		if errors.As(err, &violation) {
			e.logger.Error("archive rejected", "archive", a.Path, "entry", violation.Name)
		}
		return files, err
	}
	return files, nil
}

// fetchTo streams a.URL into a temp file next to a.Dest and renames it
// into place once the body has been fully written.
func (e *Executor) fetchTo(ctx context.Context, a reconcile.Action) error {
	dir := filepath.Dir(a.Dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	body, err := e.fetcher.Fetch(ctx, a.URL)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	tmpFile, err := os.CreateTemp(dir, ".patchsync-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(e.progress.Writer(tmpFile), body); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write body: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, a.Dest); err != nil {
		return fmt.Errorf("failed to move into place: %w", err)
	}
	e.plugins.FileAction(plugin.FileActionEvent{Kind: plugin.Rename, Path: a.Path, From: tmpPath})
	return nil
}

func (e *Executor) fail(a reconcile.Action, err error) {
	terr := &TransferError{Path: a.Path, URL: a.URL, Err: err}
	e.logger.Error("transfer failed", "path", a.Path, "url", a.URL, "error", err)
	e.mu.Lock()
	e.report.Failed = append(e.report.Failed, Failure{Path: a.Path, Err: terr})
	e.mu.Unlock()
}

func (e *Executor) delete(a reconcile.Action) {
	err := os.Remove(a.Dest)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		derr := &DeletionError{Path: a.Path, Err: err}
		e.logger.Warn("deletion deferred", "path", a.Path, "error", err)
		e.mu.Lock()
		e.report.Deferred = append(e.report.Deferred, a.Path)
		e.report.Failed = append(e.report.Failed, Failure{Path: a.Path, Err: derr})
		e.deferred = append(e.deferred, a.Dest)
		e.mu.Unlock()
		e.plugins.FileAction(plugin.FileActionEvent{Kind: plugin.Delete, Path: a.Path, Err: derr})
		return
	}

	e.mu.Lock()
	e.report.Deleted = append(e.report.Deleted, a.Path)
	e.mu.Unlock()
	e.logger.Info("deleted", "path", a.Path)
	e.plugins.FileAction(plugin.FileActionEvent{Kind: plugin.Delete, Path: a.Path})
}

// clear removes the file or tree at a.Dest. A failure is not deferred: the
// transfer it made room for fails on its own.
func (e *Executor) clear(a reconcile.Action) {
	if err := os.RemoveAll(a.Dest); err != nil {
		derr := &DeletionError{Path: a.Path, Err: err}
		e.logger.Error("failed to clear path", "path", a.Path, "error", err)
		e.mu.Lock()
		e.report.Failed = append(e.report.Failed, Failure{Path: a.Path, Err: derr})
		e.mu.Unlock()
		e.plugins.FileAction(plugin.FileActionEvent{Kind: plugin.Delete, Path: a.Path, Err: derr})
		return
	}

	e.mu.Lock()
	e.report.Deleted = append(e.report.Deleted, a.Path)
	e.mu.Unlock()
	e.logger.Info("cleared", "path", a.Path)
	e.plugins.FileAction(plugin.FileActionEvent{Kind: plugin.Delete, Path: a.Path})
}

// Deferred returns the absolute paths of removals that failed during
// Execute and have not been flushed yet.
func (e *Executor) Deferred() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.deferred))
	copy(out, e.deferred)
	return out
}

// FlushDeferred retries every deferred removal and returns those that
// still fail. It is meant to run once the process is about to exit.
func (e *Executor) FlushDeferred() []string {
	e.mu.Lock()
	pending := e.deferred
	e.deferred = nil
	e.mu.Unlock()

	remaining := RemoveAll(pending, e.logger)

	e.mu.Lock()
	e.deferred = append(e.deferred, remaining...)
	e.mu.Unlock()
	return remaining
}

// RemoveAll removes each path and returns those that could not be removed.
// Paths that no longer exist count as removed.
func RemoveAll(paths []string, logger *slog.Logger) []string {
	var remaining []string
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("deferred removal failed", "path", p, "error", err)
			remaining = append(remaining, p)
			continue
		}
		logger.Debug("deferred removal done", "path", p)
	}
	return remaining
}
