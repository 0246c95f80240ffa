package reconcile

import "time"

// Kind tags an Action
type Kind string

const (
	// Download fetches a file and overwrites the local copy
	Download Kind = "download"
	// ExtractAndDiscard fetches an archive, extracts it next to itself and
	// removes the archive
	ExtractAndDiscard Kind = "extract"
	// Delete removes a local file
	Delete Kind = "delete"
	// Clear removes a file or directory tree occupying the place of a
	// transfer. Clears run before any transfer starts.
	Clear Kind = "clear"
)

// Action is a single file operation, created by the Reconciler and consumed
// exactly once by the executor.
type Action struct {
	Kind    Kind
	Path    string     // manifest relative path, slash separated
	URL     string     // remote resource (Download, ExtractAndDiscard)
	Dest    string     // absolute local path
	ModTime *time.Time // modification time to apply after a Download
}

// Plan is the ordered output of a reconciliation pass: bundle extractions,
// then downloads in manifest order, then deletions. Clears precede the
// transfer they make room for.
type Plan struct {
	Actions   []Action
	Downloads int
	Extracts  int
	Deletes   int
	Clears    int

	cleared map[string]bool
}

// Transfers returns the relative paths of every Download and
// ExtractAndDiscard action, in plan order.
func (p *Plan) Transfers() []string {
	paths := make([]string, 0, p.Downloads+p.Extracts)
	for _, a := range p.Actions {
		if a.Kind == Download || a.Kind == ExtractAndDiscard {
			paths = append(paths, a.Path)
		}
	}
	return paths
}

// Empty reports whether the plan has nothing to do
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0
}

func (p *Plan) add(a Action) {
	p.Actions = append(p.Actions, a)
	switch a.Kind {
	case Download:
		p.Downloads++
	case ExtractAndDiscard:
		p.Extracts++
	case Delete:
		p.Deletes++
	case Clear:
		p.Clears++
		if p.cleared == nil {
			p.cleared = make(map[string]bool)
		}
		p.cleared[a.Path] = true
	}
}
