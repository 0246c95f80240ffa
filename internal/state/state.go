// Package state manages the reserved directory an install root keeps for
// the updater itself: the run lock, the run state file and the legacy
// version cache.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DirName is the reserved directory inside the install root. It is never
// listed, checked or pruned.
const DirName = ".patchsync"

const (
	stateFile = "state.json"
	lockFile  = "lock"
)

// ErrLocked is returned when another process holds the install lock
var ErrLocked = errors.New("install directory is locked by another update")

// State is persisted between runs
type State struct {
	// InProgress is set while a run is active. Finding it set at startup
	// means the previous run was interrupted.
	InProgress  bool       `json:"in_progress"`
	CheckMethod string     `json:"check_method,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	// PendingRemovals are absolute paths whose deletion failed and must be
	// retried by the next run.
	PendingRemovals []string `json:"pending_removals,omitempty"`
}

// Store reads and writes the reserved directory of one install root
type Store struct {
	dir    string
	lock   *flock.Flock
	logger *slog.Logger
}

// NewStore creates a store for the install root
func NewStore(root string, logger *slog.Logger) *Store {
	dir := filepath.Join(root, DirName)
	return &Store{
		dir:    dir,
		lock:   flock.New(filepath.Join(dir, lockFile)),
		logger: logger,
	}
}

// Dir returns the reserved directory path
func (s *Store) Dir() string { return s.dir }

// Path returns the state file path
func (s *Store) Path() string { return filepath.Join(s.dir, stateFile) }

// Lock takes the install lock, waiting until ctx is done
func (s *Store) Lock(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	locked, err := s.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrLocked, err)
		}
		return fmt.Errorf("failed to lock install directory: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

// TryLock takes the install lock without waiting
func (s *Store) TryLock() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock install directory: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

// Unlock releases the install lock
func (s *Store) Unlock() error {
	return s.lock.Unlock()
}

// Load reads the state file. A missing file yields an empty state.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, err
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Save writes the state file atomically
func (s *Store) Save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.Path())
}

// Begin marks a run as started. It returns the previous state so the
// caller can retry its pending removals.
func (s *Store) Begin(method string, now time.Time) (*State, error) {
	prev, err := s.Load()
	if err != nil {
		s.logger.Warn("failed to load previous state (will treat as fresh install)", "error", err)
		prev = &State{}
	}
	if prev.InProgress {
		s.logger.Warn("previous update did not complete", "started_at", prev.StartedAt)
	}

	next := &State{
		InProgress:      true,
		CheckMethod:     method,
		StartedAt:       &now,
		PendingRemovals: prev.PendingRemovals,
	}
	if err := s.Save(next); err != nil {
		return nil, fmt.Errorf("failed to save state: %w", err)
	}
	return prev, nil
}

// Finish clears the in-progress marker and records removals still pending
func (s *Store) Finish(st *State, pending []string, now time.Time) error {
	st.InProgress = false
	st.FinishedAt = &now
	st.PendingRemovals = pending
	if err := s.Save(st); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// SetPending replaces the persisted pending removals, leaving the rest of
// the state untouched.
func (s *Store) SetPending(pending []string) error {
	st, err := s.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	st.PendingRemovals = pending
	if err := s.Save(st); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}
