package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/state"
	"github.com/schaermu/patchsync/internal/versionindex"
)

const (
	DefaultCheckMethod = "md5"
	DefaultWorkers     = 10
	DefaultTimeout     = 30 * time.Second
	DefaultListenAddr  = ":8080"
	DefaultClientID    = "patchsync"
)

// Config represents the complete patchsync configuration. The update
// command reads the server, paths, sync, legacy, plugins and metrics
// sections; the serve command reads serve and metrics.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Paths   PathsConfig   `yaml:"paths"`
	Sync    SyncConfig    `yaml:"sync"`
	Legacy  LegacyConfig  `yaml:"legacy"`
	Plugins PluginsConfig `yaml:"plugins"`
	Serve   ServeConfig   `yaml:"serve"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the update server the client talks to
type ServerConfig struct {
	URL      string        `yaml:"url"`
	ClientID string        `yaml:"client_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	InstallDir string `yaml:"install_dir"`
}

// SyncConfig configures reconciliation and execution
type SyncConfig struct {
	CheckMethod string                 `yaml:"check_method"`
	Prune       *bool                  `yaml:"prune"`
	Workers     int                    `yaml:"workers"`
	Ignore      []string               `yaml:"ignore"`
	Bundles     []manifest.BundleEntry `yaml:"bundles"`
}

// LegacyConfig switches the client to the version index mode
type LegacyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PluginsConfig enables the integrated plugins
type PluginsConfig struct {
	AdditionalFiles []string `yaml:"additional_files"`
	ServerIgnore    bool     `yaml:"server_ignore"`
}

// ServeConfig configures the publishing server
type ServeConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ListenAddr   string   `yaml:"listen_addr"`
	Root         string   `yaml:"root"`
	LegacyDir    string   `yaml:"legacy_dir"`
	Disabled     bool     `yaml:"disabled"`
	CheckMethods []string `yaml:"check_methods"`
	IgnoreList   []string `yaml:"ignore_list"`
}

// MetricsConfig configures Prometheus output
type MetricsConfig struct {
	// Textfile is written after every update run (node_exporter textfile
	// collector format)
	Textfile string `yaml:"textfile"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Server.URL = os.ExpandEnv(c.Server.URL)
	c.Server.ClientID = os.ExpandEnv(c.Server.ClientID)
	c.Paths.InstallDir = os.ExpandEnv(c.Paths.InstallDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.Root = os.ExpandEnv(c.Serve.Root)
	c.Serve.LegacyDir = os.ExpandEnv(c.Serve.LegacyDir)
	c.Metrics.Textfile = os.ExpandEnv(c.Metrics.Textfile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Server.ClientID == "" {
		c.Server.ClientID = DefaultClientID
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = DefaultTimeout
	}
	if c.Sync.CheckMethod == "" {
		c.Sync.CheckMethod = DefaultCheckMethod
	}
	if c.Legacy.Enabled {
		c.Sync.CheckMethod = versionindex.MethodName
	}
	if c.Sync.Prune == nil {
		// the version index lists removals explicitly
		prune := !c.Legacy.Enabled
		c.Sync.Prune = &prune
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = DefaultWorkers
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if len(c.Serve.CheckMethods) == 0 {
		c.Serve.CheckMethods = manifest.Builtin().Names()
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !c.HasClient() && !c.Serve.Enabled {
		return fmt.Errorf("nothing to do: configure server.url for updates or enable serve")
	}

	if c.HasClient() {
		if err := c.validateClient(); err != nil {
			return err
		}
	}

	if c.Serve.Enabled {
		if err := c.validateServe(); err != nil {
			return err
		}
	}

	if c.Metrics.Textfile != "" && !filepath.IsAbs(c.Metrics.Textfile) {
		return fmt.Errorf("metrics.textfile must be an absolute path: %s", c.Metrics.Textfile)
	}

	return nil
}

func (c *Config) validateClient() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.url must be an http or https URL: %s", c.Server.URL)
	}
	if c.Server.Timeout < 0 {
		return fmt.Errorf("server.timeout must not be negative")
	}

	if c.Paths.InstallDir == "" {
		return fmt.Errorf("paths.install_dir is required")
	}
	if !filepath.IsAbs(c.Paths.InstallDir) {
		return fmt.Errorf("paths.install_dir must be an absolute path: %s", c.Paths.InstallDir)
	}

	known := append(manifest.Builtin().Names(), versionindex.MethodName)
	if !slices.Contains(known, c.Sync.CheckMethod) {
		return fmt.Errorf("invalid sync.check_method: %s (must be one of %v)", c.Sync.CheckMethod, known)
	}
	if c.Sync.CheckMethod == versionindex.MethodName && !c.Legacy.Enabled {
		return fmt.Errorf("sync.check_method %s requires legacy.enabled", versionindex.MethodName)
	}
	if c.Sync.Workers < 0 {
		return fmt.Errorf("sync.workers must be positive: %d", c.Sync.Workers)
	}

	for i, b := range c.Sync.Bundles {
		archive, err := manifest.CleanPath(b.Archive)
		if err != nil {
			return fmt.Errorf("sync.bundles[%d].archive: %w", i, err)
		}
		if !strings.Contains(archive, "/") {
			return fmt.Errorf("sync.bundles[%d].archive must be inside a subdirectory: %s", i, archive)
		}
		if _, err := manifest.CleanPath(b.Marker); err != nil {
			return fmt.Errorf("sync.bundles[%d].marker: %w", i, err)
		}
	}
	for _, p := range c.Plugins.AdditionalFiles {
		if _, err := manifest.CleanPath(p); err != nil {
			return fmt.Errorf("plugins.additional_files: %w", err)
		}
	}

	return nil
}

func (c *Config) validateServe() error {
	if c.Serve.Root == "" {
		return fmt.Errorf("serve.root is required when serve is enabled")
	}
	if !filepath.IsAbs(c.Serve.Root) {
		return fmt.Errorf("serve.root must be an absolute path: %s", c.Serve.Root)
	}
	if c.Serve.LegacyDir != "" && !filepath.IsAbs(c.Serve.LegacyDir) {
		return fmt.Errorf("serve.legacy_dir must be an absolute path: %s", c.Serve.LegacyDir)
	}

	builtin := manifest.Builtin()
	for _, m := range c.Serve.CheckMethods {
		if _, err := builtin.Lookup(m); err != nil {
			return fmt.Errorf("serve.check_methods: %w", err)
		}
	}
	return nil
}

// HasClient reports whether the update side is configured
func (c *Config) HasClient() bool {
	return c.Server.URL != "" || c.Paths.InstallDir != ""
}

// PruneEnabled reports whether extra local files are deleted
func (c *Config) PruneEnabled() bool {
	return c.Sync.Prune != nil && *c.Sync.Prune
}

// StateDir returns the reserved directory inside the install dir
func (c *Config) StateDir() string {
	return filepath.Join(c.Paths.InstallDir, state.DirName)
}
