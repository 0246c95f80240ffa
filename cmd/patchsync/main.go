package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/schaermu/patchsync/internal/config"
	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/metrics"
	"github.com/schaermu/patchsync/internal/plugin"
	"github.com/schaermu/patchsync/internal/progress"
	"github.com/schaermu/patchsync/internal/remote"
	"github.com/schaermu/patchsync/internal/server"
	"github.com/schaermu/patchsync/internal/state"
	"github.com/schaermu/patchsync/internal/updater"
	"github.com/schaermu/patchsync/internal/versionindex"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	progressInterval time.Duration
	noWait           bool
	manifestMethod   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patchsync",
	Short: "Keep an installed application in sync with its publishing server",
	Long: `patchsync brings a local installation up to date with the files published
by a patchsync server: stale and missing files are downloaded, bundles are
extracted and files the server no longer lists are removed.

The same binary runs the publishing server that serves a directory to clients.`,
	SilenceUsage: true,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Bring the install directory up to date",
	Long: `Update checks every file listed by the server with the configured check
method, downloads what is stale or missing, extracts bundles whose marker file
is absent and prunes local files the server does not list.

In legacy mode the server's version index drives the update instead of a
manifest, and only the removals it lists are applied.`,
	RunE: runUpdate,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Publish a directory to patchsync clients",
	Long: `Serve starts the publishing HTTP server for serve.root. Manifests are computed
on demand for each enabled check method and cached until the tree changes.`,
	RunE: runServe,
}

var manifestCmd = &cobra.Command{
	Use:   "manifest <dir>",
	Short: "Print the manifest of a directory",
	Long: `Manifest prints the listing a server would publish for dir with the given
check method. It does not need a configuration file.`,
	Args: cobra.ExactArgs(1),
	RunE: runManifest,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("patchsync %s\n", version)
		fmt.Printf("  commit:   %s\n", commit)
		fmt.Printf("  built:    %s\n", date)
		fmt.Printf("  protocol: %s\n", remote.ProtocolVersion)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/patchsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	updateCmd.Flags().DurationVar(&progressInterval, "progress-interval", 2*time.Second, "how often download progress is logged (0 disables)")
	updateCmd.Flags().BoolVar(&noWait, "no-wait", false, "fail instead of waiting when another update holds the install directory")
	manifestCmd.Flags().StringVar(&manifestMethod, "method", config.DefaultCheckMethod, "check method of the listing")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(versionCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.HasClient() {
		return fmt.Errorf("update requires server.url and paths.install_dir")
	}

	u, clientMetrics, err := buildUpdater(cfg, logger)
	if err != nil {
		return err
	}

	stop := reportProgress(ctx, u.Progress(), progressInterval, logger)
	start := time.Now()
	_, runErr := u.Run(ctx)
	stop()

	if err := u.FlushDeferred(); err != nil {
		logger.Warn("failed to persist pending removals", "error", err)
	}

	clientMetrics.ObserveRun(runErr, time.Since(start), time.Now())
	if cfg.Metrics.Textfile != "" {
		if err := clientMetrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warn("failed to write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
		}
	}

	if runErr != nil {
		logger.Error("update failed", "error", runErr)
		reportCrash(cfg.StateDir(), runErr, logger)
		return runErr
	}
	return nil
}

// reportCrash keeps a crash-N.txt for failures other than an interrupt or
// a concurrent update.
func reportCrash(dir string, runErr error, logger *slog.Logger) {
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, state.ErrLocked) {
		return
	}
	path, err := state.WriteCrashReport(dir, runErr, time.Now(), version)
	if err != nil {
		logger.Warn("failed to write crash report", "error", err)
		return
	}
	logger.Info("crash report written", "path", path)
}

// buildUpdater wires the remote client, check method and plugins for cfg
func buildUpdater(cfg *config.Config, logger *slog.Logger) (*updater.Updater, *metrics.Client, error) {
	client, err := remote.NewClient(remote.Options{
		BaseURL:   cfg.Server.URL,
		ClientID:  cfg.Server.ClientID,
		UserAgent: "patchsync/" + version,
		Timeout:   cfg.Server.Timeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	methods := manifest.Builtin()
	if cfg.Legacy.Enabled {
		methods.Register(versionindex.NewMethod())
	}
	method, err := methods.Lookup(cfg.Sync.CheckMethod)
	if err != nil {
		return nil, nil, err
	}

	prog := progress.New()
	clientMetrics := metrics.NewClient(prog)

	registry := plugin.NewRegistry(logger)
	plugins := []plugin.Plugin{clientMetrics.Plugin()}
	if len(cfg.Plugins.AdditionalFiles) > 0 {
		plugins = append(plugins, plugin.NewAdditionalFiles(cfg.Plugins.AdditionalFiles))
	}
	if cfg.Plugins.ServerIgnore {
		plugins = append(plugins, plugin.NewServerIgnore())
	}
	for _, p := range plugins {
		if err := registry.Add(p); err != nil {
			return nil, nil, fmt.Errorf("failed to register plugin %s: %w", p.Name(), err)
		}
	}
	logger.Debug("plugins registered", "plugins", registry.Names())

	u := updater.New(updater.Options{
		Root:    cfg.Paths.InstallDir,
		Method:  method,
		Legacy:  cfg.Legacy.Enabled,
		Prune:   cfg.PruneEnabled(),
		Workers: cfg.Sync.Workers,
		Ignore:  cfg.Sync.Ignore,
		Bundles: cfg.Sync.Bundles,
		NoWait:  noWait,
	}, client, registry, prog, logger)

	return u, clientMetrics, nil
}

// reportProgress logs the download progress every interval until the
// returned stop function is called.
func reportProgress(ctx context.Context, prog *progress.State, interval time.Duration, logger *slog.Logger) func() {
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				snap := prog.Snapshot()
				if snap.FilesTotal == 0 {
					continue
				}
				logger.Info("progress", "summary", formatProgress(snap))
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func formatProgress(s progress.Snapshot) string {
	return fmt.Sprintf("%s / %s (%.1f%%), %d / %d files",
		humanize.IBytes(uint64(max(s.BytesDownloaded, 0))),
		humanize.IBytes(uint64(max(s.BytesTotal, 0))),
		s.Percent(),
		s.FilesDownloaded,
		s.FilesTotal)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is not enabled in the configuration")
	}

	srv, err := server.New(cfg, metrics.NewServer(), logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Start(ctx)
}

func runManifest(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	method, err := manifest.Builtin().Lookup(manifestMethod)
	if err != nil {
		return err
	}

	body, err := server.Listing(root, method)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
	return err
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "patchsync", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"server_url", cfg.Server.URL,
		"install_dir", cfg.Paths.InstallDir,
		"check_method", cfg.Sync.CheckMethod,
		"legacy", cfg.Legacy.Enabled,
		"serve", cfg.Serve.Enabled)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
