package versionindex

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	cacheFile  = "versionindex.txt"
	stagedFile = "versionindex.tmp.txt"
)

// Cache is the locally installed version index, kept in the reserved
// state directory. A freshly fetched index is staged next to it and only
// committed once a run completes.
type Cache struct {
	dir    string
	logger *slog.Logger
}

// NewCache creates a cache rooted in the state directory dir
func NewCache(dir string, logger *slog.Logger) *Cache {
	return &Cache{dir: dir, logger: logger}
}

// Path returns the installed index path
func (c *Cache) Path() string { return filepath.Join(c.dir, cacheFile) }

// StagedPath returns the staged index path
func (c *Cache) StagedPath() string { return filepath.Join(c.dir, stagedFile) }

// PromoteLeftover turns a staged index left by an interrupted commit into
// the installed index when none exists.
func (c *Cache) PromoteLeftover() error {
	if _, err := os.Stat(c.Path()); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat version cache: %w", err)
	}
	if _, err := os.Stat(c.StagedPath()); err != nil {
		return nil
	}
	c.logger.Info("promoting leftover staged version index")
	if err := os.Rename(c.StagedPath(), c.Path()); err != nil {
		return fmt.Errorf("failed to promote staged version index: %w", err)
	}
	return nil
}

// Installed returns the installed versions. A missing cache means nothing
// is installed.
func (c *Cache) Installed() ([]string, error) {
	data, err := os.ReadFile(c.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read version cache: %w", err)
	}
	return ParseIndex(data), nil
}

// Stage writes a freshly fetched index body
func (c *Cache) Stage(data []byte) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(c.StagedPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to stage version index: %w", err)
	}
	return nil
}

// Commit replaces the installed index with the staged one
func (c *Cache) Commit() error {
	if err := os.Rename(c.StagedPath(), c.Path()); err != nil {
		return fmt.Errorf("failed to commit version index: %w", err)
	}
	return nil
}
