// Package plugin provides the observer hooks an update run notifies at each
// lifecycle point. Plugins are kept in registration order; OnFileChecking is
// chained so each plugin sees the previous plugin's verdict.
package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/schaermu/patchsync/internal/ignore"
)

// Plugin observes an update run. Embed Base to get no-op defaults for the
// hooks a plugin does not care about.
type Plugin interface {
	// Name identifies the plugin in logs and in the server handshake
	Name() string
	// ServerRequired plugins abort the run when the server does not
	// acknowledge them during the pre-flight check
	ServerRequired() bool

	OnInit(ev InitEvent)
	OnStart(ctx context.Context, ev *StartEvent)
	OnFileChecking(ev FileCheckingEvent) bool
	// OnFileAction may be called concurrently from executor workers
	OnFileAction(ev FileActionEvent)
	OnUpdateEnd(ev EndEvent)
}

// Server is the subset of the manifest source plugins may query
type Server interface {
	IgnoreList(ctx context.Context) ([]string, error)
}

// InitEvent is delivered once when a plugin is registered
type InitEvent struct {
	Logger *slog.Logger
}

// StartEvent is delivered before the manifest is listed. Plugins may extend
// Ignore and append relative paths to Extra to have them downloaded outside
// of the manifest.
type StartEvent struct {
	Root      string
	ServerURL string
	Server    Server
	Ignore    *ignore.Set
	Extra     []string
	Logger    *slog.Logger
}

// FileCheckingEvent carries the current verdict for one manifest entry
type FileCheckingEvent struct {
	Path        string
	NeedsUpdate bool
}

// ActionKind tags a file action event
type ActionKind string

const (
	DownloadStarted  ActionKind = "download-started"
	DownloadFinished ActionKind = "download-finished"
	ExtractStarted   ActionKind = "extract-started"
	ExtractFinished  ActionKind = "extract-finished"
	Rename           ActionKind = "rename"
	Delete           ActionKind = "delete"
)

// FileActionEvent describes an action around its execution. Err is set on
// finished events when the action failed.
type FileActionEvent struct {
	Kind ActionKind
	Path string // destination or removed path
	URL  string // remote resource, for downloads and extractions
	From string // source path, for renames
	Err  error
}

// EndEvent is delivered after every submitted action has finished
type EndEvent struct {
	Root     string
	Elapsed  time.Duration
	Failures int
}

// Base implements every hook as a no-op
type Base struct{}

func (Base) ServerRequired() bool                     { return false }
func (Base) OnInit(InitEvent)                         {}
func (Base) OnStart(context.Context, *StartEvent)     {}
func (Base) OnFileChecking(ev FileCheckingEvent) bool { return ev.NeedsUpdate }
func (Base) OnFileAction(FileActionEvent)             {}
func (Base) OnUpdateEnd(EndEvent)                     {}

// ErrRegistryFrozen is returned when a plugin is added while a run is active
var ErrRegistryFrozen = errors.New("plugin registry is frozen during an update run")

// Registry holds plugins in registration order. The list is only mutated
// during setup, so hook dispatch reads it without locking.
type Registry struct {
	plugins []Plugin
	frozen  atomic.Bool
	logger  *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Add appends p and immediately invokes its OnInit hook
func (r *Registry) Add(p Plugin) error {
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	r.plugins = append(r.plugins, p)
	p.OnInit(InitEvent{Logger: r.logger.With("plugin", p.Name())})
	return nil
}

// Names returns plugin names in registration order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name())
	}
	return names
}

// ServerRequired returns the names of plugins the server must acknowledge
func (r *Registry) ServerRequired() []string {
	var names []string
	for _, p := range r.plugins {
		if p.ServerRequired() {
			names = append(names, p.Name())
		}
	}
	return names
}

// Freeze marks the start of a run; Add fails until Unfreeze
func (r *Registry) Freeze() { r.frozen.Store(true) }

// Unfreeze marks the end of a run
func (r *Registry) Unfreeze() { r.frozen.Store(false) }

// Start invokes OnStart on every plugin in order
func (r *Registry) Start(ctx context.Context, ev *StartEvent) {
	for _, p := range r.plugins {
		p.OnStart(ctx, ev)
	}
}

// FileChecking threads the verdict for path through every plugin in
// registration order and returns the final verdict.
func (r *Registry) FileChecking(path string, needsUpdate bool) bool {
	for _, p := range r.plugins {
		needsUpdate = p.OnFileChecking(FileCheckingEvent{Path: path, NeedsUpdate: needsUpdate})
	}
	return needsUpdate
}

// FileAction notifies every plugin of a file action
func (r *Registry) FileAction(ev FileActionEvent) {
	if r == nil {
		return
	}
	for _, p := range r.plugins {
		p.OnFileAction(ev)
	}
}

// UpdateEnd invokes OnUpdateEnd on every plugin in order
func (r *Registry) UpdateEnd(ev EndEvent) {
	for _, p := range r.plugins {
		p.OnUpdateEnd(ev)
	}
}
