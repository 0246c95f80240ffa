package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/plugin"
	"github.com/schaermu/patchsync/internal/remote"
	"github.com/schaermu/patchsync/internal/state"
	"github.com/schaermu/patchsync/internal/versionindex"
)

const fakeBase = "mem://server/"

// fakeSource serves an in-memory manifest
type fakeSource struct {
	info     *remote.Info
	infoErr  error
	entries  []manifest.Entry
	listErr  error
	files    map[string][]byte
	ignore   []string
	index    []byte
	versions map[string][]byte

	mu      sync.Mutex
	fetched []string
}

func (f *fakeSource) BaseURL() string { return fakeBase }

func (f *fakeSource) Info(context.Context) (*remote.Info, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return f.info, nil
}

func (f *fakeSource) List(context.Context, manifest.CheckMethod) ([]manifest.Entry, error) {
	return f.entries, f.listErr
}

func (f *fakeSource) Size(_ context.Context, paths []string) (int64, error) {
	var total int64
	for _, p := range paths {
		total += int64(len(f.files[p]))
	}
	return total, nil
}

func (f *fakeSource) IgnoreList(context.Context) ([]string, error) { return f.ignore, nil }

func (f *fakeSource) VersionIndex(context.Context) ([]byte, error) { return f.index, nil }

func (f *fakeSource) VersionFile(_ context.Context, v string) ([]byte, error) {
	data, ok := f.versions[v]
	if !ok {
		return nil, &remote.ManifestError{URL: v, Err: errors.New("not found")}
	}
	return data, nil
}

func (f *fakeSource) FileURL(rel string) string { return fakeBase + rel }

func (f *fakeSource) Fetch(_ context.Context, url string) (io.ReadCloser, error) {
	rel := strings.TrimPrefix(url, fakeBase)
	f.mu.Lock()
	f.fetched = append(f.fetched, rel)
	f.mu.Unlock()
	data, ok := f.files[rel]
	if !ok {
		return nil, fmt.Errorf("GET %s: 404", url)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func compatibleInfo(methods ...string) *remote.Info {
	return &remote.Info{Enabled: true, Version: remote.ProtocolVersion, CheckMethods: methods, Plugins: []string{"server-ignore"}}
}

func dated(rel string, mtime time.Time) manifest.Entry {
	ms := mtime.UnixMilli()
	return manifest.RemoteEntry{Path: rel, LastModified: &ms}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func TestRun_FullSync(t *testing.T) {
	root := t.TempDir()
	stamp := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	writeFile(t, root, "stale.txt", "remove me")
	writeFile(t, root, "saves/world.dat", "keep me")

	src := &fakeSource{
		info:    compatibleInfo("date"),
		entries: []manifest.Entry{dated("a.txt", stamp), dated("lib/b.jar", stamp)},
		files:   map[string][]byte{"a.txt": []byte("aaa"), "lib/b.jar": []byte("bbbb")},
	}

	u := New(Options{Root: root, Method: &manifest.Timestamp{}, Prune: true, Workers: 2, Ignore: []string{"saves"}},
		src, nil, nil, testLogger())
	res, err := u.Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.txt", "lib/b.jar"}, res.Report.Downloaded)
	assert.Equal(t, []string{"stale.txt"}, res.Report.Deleted)
	assert.NoFileExists(t, filepath.Join(root, "stale.txt"))
	assert.FileExists(t, filepath.Join(root, "saves", "world.dat"))

	info, err := os.Stat(filepath.Join(root, "lib", "b.jar"))
	require.NoError(t, err)
	assert.Equal(t, stamp.UnixMilli(), info.ModTime().UnixMilli())

	snap := u.Progress().Snapshot()
	assert.Equal(t, int64(7), snap.BytesTotal)
	assert.Equal(t, int64(7), snap.BytesDownloaded)
	assert.Equal(t, int32(2), snap.FilesTotal)
	assert.Equal(t, int32(2), snap.FilesDownloaded)

	st, err := state.NewStore(root, testLogger()).Load()
	require.NoError(t, err)
	assert.False(t, st.InProgress)

	// a second run against the same manifest has nothing to do
	again, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, again.Plan.Empty())
}

func TestRun_IncompatibleServer(t *testing.T) {
	root := t.TempDir()
	src := &fakeSource{
		info:    compatibleInfo("md5"),
		entries: []manifest.Entry{dated("a.txt", time.Now())},
		files:   map[string][]byte{"a.txt": []byte("a")},
	}

	u := New(Options{Root: root, Method: &manifest.Timestamp{}}, src, nil, nil, testLogger())
	_, err := u.Run(context.Background())

	var incompatible *remote.IncompatibleServerError
	require.ErrorAs(t, err, &incompatible)
	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
	assert.Empty(t, src.fetched)

	st, err := state.NewStore(root, testLogger()).Load()
	require.NoError(t, err)
	assert.True(t, st.InProgress, "marker stays set after a fatal error")
}

func TestRun_MissingServerPlugin(t *testing.T) {
	src := &fakeSource{info: &remote.Info{Enabled: true, Version: remote.ProtocolVersion, CheckMethods: []string{"date"}}}
	reg := plugin.NewRegistry(testLogger())
	require.NoError(t, reg.Add(plugin.NewServerIgnore()))

	u := New(Options{Root: t.TempDir(), Method: &manifest.Timestamp{}}, src, reg, nil, testLogger())
	_, err := u.Run(context.Background())

	var incompatible *remote.IncompatibleServerError
	require.ErrorAs(t, err, &incompatible)
}

func TestRun_ManifestError(t *testing.T) {
	src := &fakeSource{
		info:    compatibleInfo("date"),
		listErr: &remote.ManifestError{URL: "list", Err: errors.New("bad json")},
	}

	u := New(Options{Root: t.TempDir(), Method: &manifest.Timestamp{}}, src, nil, nil, testLogger())
	_, err := u.Run(context.Background())

	var merr *remote.ManifestError
	require.ErrorAs(t, err, &merr)
}

// unreadable fails every local hash computation
type unreadable struct{}

func (unreadable) Name() string                     { return "md5" }
func (unreadable) File(string) (string, error)      { return "", errors.New("read error") }
func (unreadable) Reader(io.Reader) (string, error) { return "", errors.New("read error") }

func TestRun_CheckFailureIsFatal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "local")
	src := &fakeSource{
		info: compatibleInfo("md5"),
		entries: []manifest.Entry{
			manifest.RemoteEntry{Path: "b.txt", Hash: "92eb5ffee6ae2fec3ad71c777531578f"},
			manifest.RemoteEntry{Path: "a.txt", Hash: "0cc175b9c0f1b6a831c399e269772661"},
		},
		files: map[string][]byte{"b.txt": []byte("b")},
	}

	u := New(Options{Root: root, Method: &manifest.Hash{Digester: unreadable{}}}, src, nil, nil, testLogger())
	_, err := u.Run(context.Background())

	var checkErr *manifest.CheckError
	require.ErrorAs(t, err, &checkErr)
	assert.Equal(t, "a.txt", checkErr.Path)
	assert.Empty(t, src.fetched)
}

func TestRun_PathChangedType(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "lib/old.jar", "old")
	writeFile(t, root, "data", "was a file")
	src := &fakeSource{
		info:    compatibleInfo("date"),
		entries: []manifest.Entry{dated("lib", time.Now()), dated("data/x.bin", time.Now())},
		files: map[string][]byte{
			"lib":        []byte("now a file"),
			"data/x.bin": []byte("nested"),
		},
	}

	u := New(Options{Root: root, Method: &manifest.Timestamp{}, Prune: true}, src, nil, nil, testLogger())
	res, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Report.Failed)

	got, err := os.ReadFile(filepath.Join(root, "lib"))
	require.NoError(t, err)
	assert.Equal(t, "now a file", string(got))
	got, err = os.ReadFile(filepath.Join(root, "data", "x.bin"))
	require.NoError(t, err)
	assert.Equal(t, "nested", string(got))
}

func TestRun_NoWaitFailsWhenLocked(t *testing.T) {
	root := t.TempDir()
	holder := state.NewStore(root, testLogger())
	require.NoError(t, holder.TryLock())
	defer func() {
		_ = holder.Unlock()
	}()

	src := &fakeSource{
		info:    compatibleInfo("date"),
		entries: []manifest.Entry{dated("a.txt", time.Now())},
		files:   map[string][]byte{"a.txt": []byte("a")},
	}
	u := New(Options{Root: root, Method: &manifest.Timestamp{}, NoWait: true}, src, nil, nil, testLogger())
	_, err := u.Run(context.Background())
	require.ErrorIs(t, err, state.ErrLocked)
	assert.Empty(t, src.fetched)
}

func TestRun_IgnoreRulesDoNotAccumulate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "saves/slot1.dat", "mine")
	src := &fakeSource{
		info:    compatibleInfo("date"),
		entries: []manifest.Entry{},
		ignore:  []string{"saves"},
	}
	reg := plugin.NewRegistry(testLogger())
	require.NoError(t, reg.Add(plugin.NewServerIgnore()))

	u := New(Options{Root: root, Method: &manifest.Timestamp{}, Prune: true}, src, reg, nil, testLogger())
	_, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "saves", "slot1.dat"))

	// rules added by plugins belong to a single run
	src.ignore = nil
	_, err = u.Run(context.Background())
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(root, "saves", "slot1.dat"))
	assert.Equal(t, 0, u.ignore.Len())
}

func TestRun_TransferFailureIsNotFatal(t *testing.T) {
	root := t.TempDir()
	src := &fakeSource{
		info:    compatibleInfo("date"),
		entries: []manifest.Entry{dated("gone.txt", time.Now()), dated("ok.txt", time.Now())},
		files:   map[string][]byte{"ok.txt": []byte("ok")},
	}

	u := New(Options{Root: root, Method: &manifest.Timestamp{}}, src, nil, nil, testLogger())
	res, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ok.txt"}, res.Report.Downloaded)
	require.Len(t, res.Report.Failed, 1)
	assert.Equal(t, "gone.txt", res.Report.Failed[0].Path)
}

// lifecycle records hook order and tries to register a plugin mid-run
type lifecycle struct {
	plugin.Base
	reg      *plugin.Registry
	events   []string
	addErr   error
	failures int
}

func (l *lifecycle) Name() string { return "lifecycle" }

func (l *lifecycle) OnStart(_ context.Context, ev *plugin.StartEvent) {
	l.events = append(l.events, "start")
	l.addErr = l.reg.Add(&lifecycle{})
	ev.Ignore.Add("protected")
}

func (l *lifecycle) OnUpdateEnd(ev plugin.EndEvent) {
	l.events = append(l.events, "end")
	l.failures = ev.Failures
}

func TestRun_PluginLifecycle(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "protected/file.txt", "x")
	src := &fakeSource{info: compatibleInfo("date")}

	reg := plugin.NewRegistry(testLogger())
	l := &lifecycle{reg: reg}
	require.NoError(t, reg.Add(l))

	u := New(Options{Root: root, Method: &manifest.Timestamp{}, Prune: true}, src, reg, nil, testLogger())
	_, err := u.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"start", "end"}, l.events)
	assert.ErrorIs(t, l.addErr, plugin.ErrRegistryFrozen)
	assert.FileExists(t, filepath.Join(root, "protected", "file.txt"))
	assert.FileExists(t, filepath.Join(root, state.DirName, "state.json"))

	// registration is possible again once the run is over
	require.NoError(t, reg.Add(&lifecycle{reg: reg}))
}

func TestRun_AdditionalFiles(t *testing.T) {
	root := t.TempDir()
	src := &fakeSource{
		info:    compatibleInfo("date"),
		entries: []manifest.Entry{dated("launcher.cfg", time.Now())},
		files:   map[string][]byte{"launcher.cfg": []byte("defaults")},
	}
	reg := plugin.NewRegistry(testLogger())
	require.NoError(t, reg.Add(plugin.NewAdditionalFiles([]string{"launcher.cfg"})))

	u := New(Options{Root: root, Method: &manifest.Timestamp{}, Prune: true}, src, reg, nil, testLogger())
	_, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "launcher.cfg"))

	// local edits survive later runs
	writeFile(t, root, "launcher.cfg", "user settings")
	res, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Plan.Empty())
	got, err := os.ReadFile(filepath.Join(root, "launcher.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "user settings", string(got))
}

func TestRun_DeferredRemovals(t *testing.T) {
	root := t.TempDir()
	// os.Remove fails on a non-empty directory
	writeFile(t, root, "busy/child.txt", "x")
	store := state.NewStore(root, testLogger())
	busy := filepath.Join(root, "busy")
	gone := filepath.Join(root, "gone.txt")
	writeFile(t, root, "gone.txt", "x")
	require.NoError(t, store.Save(&state.State{PendingRemovals: []string{busy, gone}}))

	src := &fakeSource{info: compatibleInfo("date")}
	u := New(Options{Root: root, Method: &manifest.Timestamp{}, Ignore: []string{"busy"}}, src, nil, nil, testLogger())
	_, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.NoFileExists(t, gone)

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{busy}, st.PendingRemovals)

	require.NoError(t, os.Remove(filepath.Join(busy, "child.txt")))
	require.NoError(t, u.FlushDeferred())
	st, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, st.PendingRemovals)
}

func zipBytes(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestRun_Legacy(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "lib/old.jar", "old")
	writeFile(t, root, "untracked.txt", "stays")

	src := &fakeSource{
		index: []byte("v1/v2"),
		versions: map[string][]byte{
			"v1": []byte("lib/core.jar\n[unzip] natives/bundle.zip\n"),
			"v2": []byte("[remove] lib/old.jar\n"),
		},
		files: map[string][]byte{
			"lib/core.jar":       []byte("core"),
			"natives/bundle.zip": zipBytes(t, "lwjgl.dll", "dll"),
		},
	}

	method := &versionindex.Method{Platform: versionindex.Platform{OS: "linux", Arch: "64"}}
	u := New(Options{Root: root, Method: method, Legacy: true, Prune: true}, src, nil, nil, testLogger())
	res, err := u.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"lib/core.jar"}, res.Report.Downloaded)
	assert.Equal(t, []string{"natives/bundle.zip"}, res.Report.Extracted)
	assert.Equal(t, []string{"lib/old.jar"}, res.Report.Deleted)
	assert.FileExists(t, filepath.Join(root, "natives", "lwjgl.dll"))
	assert.NoFileExists(t, filepath.Join(root, "natives", "bundle.zip"))
	assert.FileExists(t, filepath.Join(root, "untracked.txt"), "legacy mode never prunes")

	cache := versionindex.NewCache(filepath.Join(root, state.DirName), testLogger())
	installed, err := cache.Installed()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, installed)

	again, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, again.Plan.Empty())
}

func TestRun_LegacyFailureKeepsVersionsPending(t *testing.T) {
	root := t.TempDir()
	src := &fakeSource{
		index:    []byte("v1"),
		versions: map[string][]byte{"v1": []byte("missing.jar\n")},
		files:    map[string][]byte{},
	}

	method := &versionindex.Method{Platform: versionindex.Platform{OS: "linux", Arch: "64"}}
	u := New(Options{Root: root, Method: method, Legacy: true}, src, nil, nil, testLogger())
	_, err := u.Run(context.Background())
	require.NoError(t, err)

	cache := versionindex.NewCache(filepath.Join(root, state.DirName), testLogger())
	installed, err := cache.Installed()
	require.NoError(t, err)
	assert.Empty(t, installed)
	assert.NoFileExists(t, cache.StagedPath())
}

func TestFormatElapsed(t *testing.T) {
	d := 2*time.Hour + 3*time.Minute + 4*time.Second + 56*time.Millisecond
	assert.Equal(t, "2 hours 3 minutes 4 seconds and 56 milliseconds", FormatElapsed(d))
	assert.Equal(t, "0 hours 0 minutes 0 seconds and 0 milliseconds", FormatElapsed(0))
}
