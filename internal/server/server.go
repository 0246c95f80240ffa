// Package server publishes a directory to patchsync clients.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/schaermu/patchsync/internal/config"
	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/metrics"
	"github.com/schaermu/patchsync/internal/plugin"
	"github.com/schaermu/patchsync/internal/remote"
	"github.com/schaermu/patchsync/internal/versionindex"
)

// maxSizeQuery bounds the body of a size query
const maxSizeQuery = 8 << 20

// Server implements the publishing HTTP server
type Server struct {
	cfg     config.ServeConfig
	methods manifest.Methods
	metrics *metrics.Server
	logger  *slog.Logger

	mu       sync.Mutex
	listings map[string]cachedListing
	builds   singleflight.Group
}

// New creates a publishing server for cfg.Serve
func New(cfg *config.Config, m *metrics.Server, logger *slog.Logger) (*Server, error) {
	info, err := os.Stat(cfg.Serve.Root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("serve.root %s is not a directory", cfg.Serve.Root)
	}

	builtin := manifest.Builtin()
	methods := manifest.Methods{}
	for _, name := range cfg.Serve.CheckMethods {
		method, err := builtin.Lookup(name)
		if err != nil {
			return nil, err
		}
		methods.Register(method)
	}

	if m == nil {
		m = metrics.NewServer()
	}

	return &Server{
		cfg:      cfg.Serve,
		methods:  methods,
		metrics:  m,
		logger:   logger,
		listings: make(map[string]cachedListing),
	}, nil
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /"+remote.InfoPath, s.instrument("info", s.handleInfo))
	mux.Handle("GET /"+remote.ListPath+"{method}", s.instrument("list", s.enabled(s.handleList)))
	mux.Handle("POST /"+remote.SizePath, s.instrument("size", s.enabled(s.handleSize)))
	mux.Handle("GET /"+remote.IgnoreListPath, s.instrument("ignore-list", s.enabled(s.handleIgnoreList)))
	mux.Handle("GET /"+remote.FilesPath+"{path...}", s.instrument("files", s.enabled(s.handleFile)))
	mux.Handle("GET /{name}", s.instrument("legacy", s.enabled(s.handleLegacy)))
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// Start serves until ctx is cancelled. A systemd activated socket takes
// precedence over serve.listen_addr.
func (s *Server) Start(ctx context.Context) error {
	ln, activated, err := listen(s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// no WriteTimeout: file transfers are unbounded in size
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("publishing server starting",
			"addr", ln.Addr().String(),
			"socket_activated", activated,
			"root", s.cfg.Root)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down publishing server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// statusRecorder captures the status code and body size of a response
type statusRecorder struct {
	http.ResponseWriter
	code  int
	bytes int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		s.metrics.ObserveRequest(endpoint, rec.code)
		if endpoint == "files" && rec.code < http.StatusMultipleChoices {
			s.metrics.AddServedBytes(rec.bytes)
		}
		s.logger.Debug("request served",
			"endpoint", endpoint,
			"path", r.URL.Path,
			"code", rec.code,
			"client", r.Header.Get(remote.ClientHeader))
	})
}

func (s *Server) enabled(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Disabled {
			http.Error(w, "Server disabled", http.StatusServiceUnavailable)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	methods := s.methods.Names()
	if s.cfg.LegacyDir != "" {
		methods = append(methods, versionindex.MethodName)
	}
	writeJSON(w, remote.Info{
		Enabled:      !s.cfg.Disabled,
		Version:      remote.ProtocolVersion,
		CheckMethods: methods,
		Plugins:      []string{plugin.NewServerIgnore().Name()},
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	method, err := s.methods.Lookup(r.PathValue("method"))
	if err != nil {
		http.Error(w, "Unknown check method", http.StatusNotFound)
		return
	}

	body, err := s.listing(method)
	if err != nil {
		s.logger.Error("failed to build listing", "method", method.Name(), "error", err)
		http.Error(w, "Failed to build listing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// listing returns the encoded manifest for method, rebuilding it only when
// the served tree changed. Concurrent rebuilds of one method are collapsed.
func (s *Server) listing(method manifest.CheckMethod) ([]byte, error) {
	files, fp, err := scan(s.cfg.Root)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	cached, ok := s.listings[method.Name()]
	s.mu.Unlock()
	if ok && cached.fp == fp {
		return cached.body, nil
	}

	v, err, _ := s.builds.Do(method.Name(), func() (any, error) {
		start := time.Now()
		body, err := buildListing(s.cfg.Root, files, method)
		if err != nil {
			return nil, err
		}
		s.metrics.ObserveManifestBuild(method.Name(), time.Since(start))
		s.logger.Info("listing built", "method", method.Name(), "files", len(files), "duration", time.Since(start))

		s.mu.Lock()
		s.listings[method.Name()] = cachedListing{fp: fp, body: body}
		s.mu.Unlock()
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Server) handleSize(w http.ResponseWriter, r *http.Request) {
	var paths []string
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSizeQuery)).Decode(&paths); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	var total int64
	for _, p := range paths {
		local, err := manifest.LocalPath(s.cfg.Root, p)
		if err != nil {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}
		info, err := os.Stat(local)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		total += info.Size()
	}
	writeJSON(w, remote.SizeResponse{Size: total})
}

func (s *Server) handleIgnoreList(w http.ResponseWriter, _ *http.Request) {
	rules := s.cfg.IgnoreList
	if rules == nil {
		rules = []string{}
	}
	writeJSON(w, rules)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	local, err := manifest.LocalPath(s.cfg.Root, r.PathValue("path"))
	if err != nil {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}
	serveRegular(w, r, local)
}

// handleLegacy serves versionindex.txt and the per-version files
func (s *Server) handleLegacy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.cfg.LegacyDir == "" || !strings.HasSuffix(name, ".txt") {
		http.NotFound(w, r)
		return
	}
	serveRegular(w, r, filepath.Join(s.cfg.LegacyDir, filepath.Base(name)))
}

// serveRegular serves a regular file; directories and special files are
// reported as missing.
func serveRegular(w http.ResponseWriter, r *http.Request, local string) {
	f, err := os.Open(local)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
