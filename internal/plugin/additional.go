package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/patchsync/internal/ignore"
)

// AdditionalFiles downloads a fixed set of files once, when they are
// missing, and otherwise leaves them alone: they are never re-checked
// against the manifest and never pruned.
type AdditionalFiles struct {
	Base
	files  []string
	logger *slog.Logger
}

// NewAdditionalFiles creates the plugin for the given relative paths
func NewAdditionalFiles(files []string) *AdditionalFiles {
	normalized := make([]string, 0, len(files))
	for _, f := range files {
		if n := ignore.Normalize(f); n != "" {
			normalized = append(normalized, n)
		}
	}
	return &AdditionalFiles{files: normalized, logger: slog.Default()}
}

func (p *AdditionalFiles) Name() string { return "additional-files" }

func (p *AdditionalFiles) OnInit(ev InitEvent) {
	if ev.Logger != nil {
		p.logger = ev.Logger
	}
}

func (p *AdditionalFiles) OnStart(_ context.Context, ev *StartEvent) {
	for _, rel := range p.files {
		ev.Ignore.Add(rel)

		_, err := os.Stat(filepath.Join(ev.Root, filepath.FromSlash(rel)))
		if err == nil {
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("cannot stat additional file, scheduling download", "path", rel, "error", err)
		}
		ev.Extra = append(ev.Extra, rel)
	}
	p.logger.Debug("additional files scheduled", "count", len(ev.Extra))
}

func (p *AdditionalFiles) OnFileChecking(ev FileCheckingEvent) bool {
	for _, f := range p.files {
		if ev.Path == f {
			return false
		}
	}
	return ev.NeedsUpdate
}
