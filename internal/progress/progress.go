// Package progress holds the counters an update run exposes to presentation
// layers. Each field is updated atomically on its own; a Snapshot is not a
// consistent cut across fields, which is fine since they only grow during a
// run.
package progress

import (
	"io"
	"sync/atomic"
)

// State is the progress of one update run
type State struct {
	bytesDownloaded atomic.Int64
	bytesTotal      atomic.Int64
	filesDownloaded atomic.Int32
	filesTotal      atomic.Int32
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	BytesDownloaded int64
	BytesTotal      int64
	FilesDownloaded int32
	FilesTotal      int32
}

// New creates a zeroed State
func New() *State {
	return &State{}
}

// Reset zeroes every counter at the start of a run
func (s *State) Reset() {
	s.bytesDownloaded.Store(0)
	s.bytesTotal.Store(0)
	s.filesDownloaded.Store(0)
	s.filesTotal.Store(0)
}

// SetTotals records the run totals. It is called once, before execution.
func (s *State) SetTotals(bytes int64, files int32) {
	s.bytesTotal.Store(bytes)
	s.filesTotal.Store(files)
}

// AddBytes records n freshly written bytes
func (s *State) AddBytes(n int64) {
	if n > 0 {
		s.bytesDownloaded.Add(n)
	}
}

// FileDone records one completed download or extraction
func (s *State) FileDone() {
	s.filesDownloaded.Add(1)
}

// Snapshot reads every counter
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		BytesDownloaded: s.bytesDownloaded.Load(),
		BytesTotal:      s.bytesTotal.Load(),
		FilesDownloaded: s.filesDownloaded.Load(),
		FilesTotal:      s.filesTotal.Load(),
	}
}

// Percent returns the byte progress in the range [0, 100]
func (s Snapshot) Percent() float64 {
	if s.BytesTotal <= 0 {
		return 0
	}
	p := float64(s.BytesDownloaded) * 100 / float64(s.BytesTotal)
	if p > 100 {
		return 100
	}
	return p
}

// Writer wraps w so every successful write is added to bytesDownloaded
func (s *State) Writer(w io.Writer) io.Writer {
	return &countingWriter{w: w, state: s}
}

type countingWriter struct {
	w     io.Writer
	state *State
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.state.AddBytes(int64(n))
	return n, err
}
