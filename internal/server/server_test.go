package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/patchsync/internal/config"
	"github.com/schaermu/patchsync/internal/digest"
	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/metrics"
	"github.com/schaermu/patchsync/internal/plugin"
	"github.com/schaermu/patchsync/internal/progress"
	"github.com/schaermu/patchsync/internal/remote"
	"github.com/schaermu/patchsync/internal/updater"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func newTestServer(t *testing.T, mutate func(*config.ServeConfig)) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{Serve: config.ServeConfig{
		Enabled:      true,
		ListenAddr:   ":0",
		Root:         root,
		CheckMethods: manifest.Builtin().Names(),
		IgnoreList:   []string{"saves", "config.ini"},
	}}
	if mutate != nil {
		mutate(&cfg.Serve)
	}
	srv, err := New(cfg, metrics.NewServer(), testLogger())
	require.NoError(t, err)
	return srv, root
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNew_RootMustExist(t *testing.T) {
	cfg := &config.Config{Serve: config.ServeConfig{Root: filepath.Join(t.TempDir(), "missing")}}
	_, err := New(cfg, nil, testLogger())
	assert.Error(t, err)
}

func TestNew_UnknownMethod(t *testing.T) {
	cfg := &config.Config{Serve: config.ServeConfig{Root: t.TempDir(), CheckMethods: []string{"crc32"}}}
	_, err := New(cfg, nil, testLogger())
	assert.Error(t, err)
}

func TestHandleInfo(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.ServeConfig) {
		c.CheckMethods = []string{"md5", "date"}
	})

	rec := get(t, srv.Handler(), "/server/info")
	require.Equal(t, http.StatusOK, rec.Code)

	var info remote.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.True(t, info.Enabled)
	assert.Equal(t, remote.ProtocolVersion, info.Version)
	assert.Equal(t, []string{"date", "md5"}, info.CheckMethods)
	assert.Equal(t, []string{"server-ignore"}, info.Plugins)
}

func TestHandleInfo_LegacyAdvertised(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.ServeConfig) {
		c.CheckMethods = []string{"date"}
		c.LegacyDir = t.TempDir()
	})

	var info remote.Info
	require.NoError(t, json.Unmarshal(get(t, srv.Handler(), "/server/info").Body.Bytes(), &info))
	assert.Equal(t, []string{"date", "version-index"}, info.CheckMethods)
}

func TestDisabled(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.ServeConfig) { c.Disabled = true })
	h := srv.Handler()

	var info remote.Info
	require.NoError(t, json.Unmarshal(get(t, h, "/server/info").Body.Bytes(), &info))
	assert.False(t, info.Enabled)

	for _, target := range []string{"/server/list/md5", "/server/ignore-list", "/files/a.txt"} {
		assert.Equal(t, http.StatusServiceUnavailable, get(t, h, target).Code, target)
	}
}

func TestHandleList_Hash(t *testing.T) {
	srv, root := newTestServer(t, nil)
	writeFile(t, root, "b/data.bin", "payload")
	writeFile(t, root, "a.txt", "hello")

	rec := get(t, srv.Handler(), "/server/list/md5")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []manifest.RemoteEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Path)
	assert.Equal(t, "b/data.bin", entries[1].Path)

	want, err := digest.MD5().Reader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, want, entries[0].Hash)
	assert.Nil(t, entries[0].LastModified)
}

func TestHandleList_DateSize(t *testing.T) {
	srv, root := newTestServer(t, nil)
	writeFile(t, root, "a.txt", "hello")
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.txt"), mtime, mtime))

	var entries []manifest.RemoteEntry
	require.NoError(t, json.Unmarshal(get(t, srv.Handler(), "/server/list/date-size").Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].LastModified)
	require.NotNil(t, entries[0].Size)
	assert.Equal(t, mtime.UnixMilli(), *entries[0].LastModified)
	assert.Equal(t, int64(5), *entries[0].Size)
}

func TestHandleList_UnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.ServeConfig) { c.CheckMethods = []string{"date"} })
	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/server/list/md5").Code)
}

func TestHandleList_CachedUntilTreeChanges(t *testing.T) {
	srv, root := newTestServer(t, nil)
	writeFile(t, root, "a.txt", "hello")
	h := srv.Handler()

	first := get(t, h, "/server/list/xxhash").Body.String()
	second := get(t, h, "/server/list/xxhash").Body.String()
	assert.Equal(t, first, second)
	assert.Contains(t, scrape(t, h), `patchsync_server_manifest_builds_total{method="xxhash"} 1`)

	writeFile(t, root, "b.txt", "more")
	third := get(t, h, "/server/list/xxhash").Body.String()
	assert.NotEqual(t, first, third)
	assert.Contains(t, third, "b.txt")
	assert.Contains(t, scrape(t, h), `patchsync_server_manifest_builds_total{method="xxhash"} 2`)
}

func TestHandleSize(t *testing.T) {
	srv, root := newTestServer(t, nil)
	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "dir/b.txt", "abc")

	rec := httptest.NewRecorder()
	body := `["a.txt", "dir/b.txt", "missing.txt", "dir"]`
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/server/size", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp remote.SizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(8), resp.Size)
}

func TestHandleSize_Invalid(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	for _, body := range []string{`not json`, `["../etc/passwd"]`} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/server/size", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestHandleIgnoreList(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	var rules []string
	require.NoError(t, json.Unmarshal(get(t, srv.Handler(), "/server/ignore-list").Body.Bytes(), &rules))
	assert.Equal(t, []string{"saves", "config.ini"}, rules)

	empty, _ := newTestServer(t, func(c *config.ServeConfig) { c.IgnoreList = nil })
	assert.JSONEq(t, `[]`, get(t, empty.Handler(), "/server/ignore-list").Body.String())
}

func TestHandleFile(t *testing.T) {
	srv, root := newTestServer(t, nil)
	writeFile(t, root, "dir/my file.txt", "content")
	h := srv.Handler()

	rec := get(t, h, "/files/dir/my%20file.txt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "content", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/files/dir").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/files/nope.txt").Code)
	assert.Contains(t, scrape(t, h), "patchsync_server_served_bytes_total 7")
}

func TestHandleLegacy(t *testing.T) {
	legacy := t.TempDir()
	writeFile(t, legacy, "versionindex.txt", "1.0/1.1")
	writeFile(t, legacy, "1.1.txt", "download[a.txt]")
	writeFile(t, legacy, "notes.md", "x")
	srv, _ := newTestServer(t, func(c *config.ServeConfig) { c.LegacyDir = legacy })
	h := srv.Handler()

	assert.Equal(t, "1.0/1.1", get(t, h, "/versionindex.txt").Body.String())
	assert.Equal(t, "download[a.txt]", get(t, h, "/1.1.txt").Body.String())
	assert.Equal(t, http.StatusNotFound, get(t, h, "/notes.md").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/2.0.txt").Code)

	bare, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, get(t, bare.Handler(), "/versionindex.txt").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()
	get(t, h, "/server/info")

	assert.Contains(t, scrape(t, h), `patchsync_server_requests_total{code="200",endpoint="info"} 1`)
}

func TestStart_Shutdown(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.ServeConfig) { c.ListenAddr = "127.0.0.1:0" })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

// TestEndToEnd runs a client update against a live server and checks that
// the install converges while paths on the server ignore list survive
// pruning.
func TestEndToEnd(t *testing.T) {
	srv, root := newTestServer(t, nil)
	writeFile(t, root, "game.exe", "binary-v2")
	writeFile(t, root, "data/maps/one.map", "map")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	install := t.TempDir()
	writeFile(t, install, "game.exe", "binary-v1")
	writeFile(t, install, "obsolete.dll", "old")
	writeFile(t, install, "saves/slot1.sav", "player progress")

	client, err := remote.NewClient(remote.Options{BaseURL: ts.URL, ClientID: "test", Timeout: 5 * time.Second}, testLogger())
	require.NoError(t, err)

	method, err := manifest.Builtin().Lookup("blake3")
	require.NoError(t, err)

	reg := plugin.NewRegistry(testLogger())
	require.NoError(t, reg.Add(plugin.NewServerIgnore()))

	u := updater.New(updater.Options{
		Root:    install,
		Method:  method,
		Prune:   true,
		Workers: 4,
	}, client, reg, progress.New(), testLogger())

	res, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Report.Failed)

	data, err := os.ReadFile(filepath.Join(install, "game.exe"))
	require.NoError(t, err)
	assert.Equal(t, "binary-v2", string(data))

	data, err = os.ReadFile(filepath.Join(install, "data", "maps", "one.map"))
	require.NoError(t, err)
	assert.Equal(t, "map", string(data))

	data, err = os.ReadFile(filepath.Join(install, "saves", "slot1.sav"))
	require.NoError(t, err)
	assert.Equal(t, "player progress", string(data))

	_, err = os.Stat(filepath.Join(install, "obsolete.dll"))
	assert.True(t, os.IsNotExist(err))

	res, err = u.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Plan.Empty())
}

func TestListing_MatchesEndpoint(t *testing.T) {
	srv, root := newTestServer(t, nil)
	writeFile(t, root, "a.txt", "hello")

	method, err := manifest.Builtin().Lookup("md5")
	require.NoError(t, err)
	body, err := Listing(root, method)
	require.NoError(t, err)

	assert.Equal(t, string(body), get(t, srv.Handler(), "/server/list/md5").Body.String())

	entries, err := method.Decode(body)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestListing_UnsupportedMethod(t *testing.T) {
	_, err := Listing(t.TempDir(), unservable{})
	assert.Error(t, err)
}

type unservable struct{}

func (unservable) Name() string                                     { return "custom" }
func (unservable) Decode([]byte) ([]manifest.Entry, error)          { return nil, nil }
func (unservable) NeedsUpdate(string, manifest.Entry) (bool, error) { return true, nil }
