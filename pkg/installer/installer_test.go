package installer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/winebridge/pkg/config"
	"github.com/windowsadmins/winebridge/pkg/download"
	"github.com/windowsadmins/winebridge/pkg/frontend"
	"github.com/windowsadmins/winebridge/pkg/launcher"
	"github.com/windowsadmins/winebridge/pkg/retry"
	"github.com/windowsadmins/winebridge/pkg/utils"
	"github.com/windowsadmins/winebridge/pkg/wine"
)

const feedXML = `<releases>
  <release><version>10.2.3</version></release>
  <release><version>10.1.0</version></release>
  <release><version>9.20</version></release>
</releases>`

// artifactServer serves the release feed, installer, icon and winetricks, counting requests.
func artifactServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var icon bytes.Buffer
	require.NoError(t, png.Encode(&icon, image.NewRGBA(image.Rect(0, 0, 16, 16))))

	files := map[string][]byte{
		"/feed/a.xml":            []byte(feedXML),
		"/dl/A/10.2.3/A-x64.msi": bytes.Repeat([]byte("msi"), 50000),
		"/icons/a.png":           icon.Bytes(),
		"/winetricks":            []byte("#!/bin/sh\nexit 0\n"),
	}
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, filepath.Base(r.URL.Path), time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

// fakeWine stands in for wine, wineserver and winetricks; wineboot and msiexec leave the
// files a real run would.
type fakeWine struct {
	binary string
	ictx   *Context

	mu    sync.Mutex
	calls []string
}

func (f *fakeWine) Run(ctx context.Context, command string, args []string, opts wine.RunOptions) (wine.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, strings.Join(append([]string{filepath.Base(command)}, args...), " "))
	f.mu.Unlock()

	if command != f.binary {
		if filepath.Base(command) == "wineserver" || filepath.Base(command) == helperName {
			return wine.RunResult{}, nil
		}
		return wine.RunResult{}, errors.New("exec: not found")
	}
	st := f.ictx.Snapshot()
	switch args[0] {
	case "--version":
		return wine.RunResult{Stdout: []byte("wine-9.12 (Staging)\n")}, nil
	case "wineboot":
		if err := os.MkdirAll(st.WinePrefix, 0755); err != nil {
			return wine.RunResult{}, err
		}
		return wine.RunResult{}, os.WriteFile(filepath.Join(st.WinePrefix, "system.reg"), []byte("WINE REGISTRY"), 0644)
	case "msiexec":
		if err := os.MkdirAll(filepath.Dir(st.AppExe), 0755); err != nil {
			return wine.RunResult{}, err
		}
		return wine.RunResult{}, os.WriteFile(st.AppExe, []byte("MZ"), 0755)
	}
	return wine.RunResult{}, nil
}

func (f *fakeWine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type noDependencies struct{}

func (noDependencies) Missing(context.Context) ([]string, error) { return nil, nil }
func (noDependencies) Install(context.Context, []string) error { return nil }

type testEnv struct {
	cfgPath  string
	wineBin  string
	launcher *launcher.Writer
}

func newTestEnv(t *testing.T, srvURL string) (testEnv, *config.Configuration) {
	t.Helper()
	root := t.TempDir()

	wineBin := filepath.Join(root, "wine", "bin", "wine64")
	require.NoError(t, os.MkdirAll(filepath.Dir(wineBin), 0755))
	require.NoError(t, os.WriteFile(wineBin, []byte("#!/bin/sh\n"), 0755))

	cfg := config.GetDefaultConfig()
	cfg.Path = filepath.Join(root, "config", "config.yaml")
	cfg.Applications = []string{"A"}
	cfg.CachePath = filepath.Join(root, "cache")
	cfg.ReleaseFeedURL = srvURL + "/feed/%s.xml"
	cfg.InstallerURL = srvURL + "/dl/%[1]s/%[2]s/%[1]s-x64.msi"
	cfg.IconURL = srvURL + "/icons/%s.png"
	cfg.HelperToolURL = srvURL + "/winetricks"
	cfg.RuntimeReleaseURL = ""
	cfg.LegacyImageURL = ""

	env := testEnv{
		cfgPath:  cfg.Path,
		wineBin:  wineBin,
		launcher: &launcher.Writer{
			ApplicationsDir: filepath.Join(root, "applications"),
			IconsDir:        filepath.Join(root, "icons"),
			IconSize:        32,
		},
	}
	return env, cfg
}

func stubDiscovery(t *testing.T) {
	t.Helper()
	origFind, origLook := findCandidates, lookPath
	findCandidates = func(string) []string { return nil }
	lookPath = func(string) (string, error) { return "", errors.New("not found") }
	t.Cleanup(func() {
		findCandidates, lookPath = origFind, origLook
	})
}

func newInstaller(env testEnv, cfg *config.Configuration, adapter frontend.Adapter) (*Installer, *fakeWine) {
	ictx := NewContext(cfg)
	runner := &fakeWine{binary: env.wineBin, ictx: ictx}
	inst := New(ictx, adapter, Options{
		Fetcher:       download.New(),
		Runner:        runner,
		Dependencies:  noDependencies{},
		Launcher:      env.launcher,
		Retry:         retry.RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, Multiplier: 1},
		LaunchCommand: "winebridge --run",
		SearchDirs:    []string{cfg.CachePath},
	})
	return inst, runner
}

func TestInstallEndToEndAndRerunIsIdempotent(t *testing.T) {
	stubDiscovery(t)
	srv, requests := artifactServer(t)
	env, cfg := newTestEnv(t, srv.URL)
	installDir := filepath.Join(t.TempDir(), "x")

	adapter, statuses := recordingAdapter()
	adapter.Answers = map[string]string{
		"application": "A",
		"version":     "10",
		"release":     "10.2.3",
		"installdir":  installDir,
		"wine":        env.wineBin,
		"helper":      OptionDownloadHelper,
	}

	inst, _ := newInstaller(env, cfg, adapter)
	p := inst.Pipeline()
	assert.Equal(t, 19, p.Count())
	require.NoError(t, p.Run(context.Background()))
	require.NoError(t, adapter.ExitReason())

	last := (*statuses)[len(*statuses)-1]
	assert.Equal(t, recordedStatus{"Installed", 100}, last)
	assert.Equal(t, []string{"application", "version", "release", "installdir", "wine", "helper"}, adapter.Asked())
	assert.Positive(t, requests.Load())

	st := inst.Context().Snapshot()
	assert.Equal(t, 19, st.StepIndex)
	assert.Equal(t, 19, st.StepCount)
	assert.True(t, utils.FileExists(st.AppExe))
	assert.True(t, utils.IsExecutable(filepath.Join(installDir, "data", "bin", "winetricks")))
	assert.True(t, env.launcher.Exists("a"))

	saved, err := config.ReadConfig(env.cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "A", saved.Application)
	assert.Equal(t, "10.2.3", saved.AppRelease)
	assert.Equal(t, env.wineBin, saved.WineBinary)
	assert.Equal(t, st.AppExe, saved.AppExe)

	// Second run from the persisted document: nothing is asked or fetched.
	before := requests.Load()
	rerunAdapter, rerunStatuses := recordingAdapter()
	rerun, runner := newInstaller(env, saved, rerunAdapter)
	require.NoError(t, rerun.Pipeline().Run(context.Background()))

	assert.Equal(t, before, requests.Load(), "rerun must not touch the network")
	assert.Empty(t, rerunAdapter.Asked())
	assert.Equal(t, recordedStatus{"Installed", 100}, (*rerunStatuses)[len(*rerunStatuses)-1])
	for _, call := range runner.calls {
		assert.Equal(t, "wine64 --version", call, "rerun only re-validates the Wine binary")
	}
}

func TestInstallAbortsWithoutAnswer(t *testing.T) {
	stubDiscovery(t)
	srv, _ := artifactServer(t)
	env, cfg := newTestEnv(t, srv.URL)

	adapter, _ := recordingAdapter()
	adapter.Answers = map[string]string{"application": "A"}

	inst, _ := newInstaller(env, cfg, adapter)
	err := inst.Pipeline().Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, frontend.ErrAbort)
	assert.ErrorIs(t, adapter.ExitReason(), frontend.ErrAbort)
}

func TestChooseWineRejectsIncompatibleCustomPath(t *testing.T) {
	stubDiscovery(t)
	srv, _ := artifactServer(t)
	env, cfg := newTestEnv(t, srv.URL)
	cfg.Application, cfg.AppVersion, cfg.AppRelease, cfg.InstallDir = "A", "10", "10.2.3", t.TempDir()

	adapter, statuses := recordingAdapter()
	adapter.Answers = map[string]string{"wine": "/nonexistent/wine64"}

	inst, _ := newInstaller(env, cfg, adapter)
	err := inst.chooseWine(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, wine.ErrCompatibility)
	assert.Len(t, adapter.Asked(), maxWineChoices)
	assert.NotEmpty(t, *statuses)
}

func TestWineChosenRevalidatesPersistedBinary(t *testing.T) {
	stubDiscovery(t)
	srv, _ := artifactServer(t)
	env, cfg := newTestEnv(t, srv.URL)
	cfg.Application, cfg.AppVersion, cfg.AppRelease, cfg.InstallDir = "A", "10", "30.0", t.TempDir()
	cfg.WineBinary = env.wineBin

	inst, _ := newInstaller(env, cfg, frontend.NewHeadless(nil))
	assert.True(t, inst.wineChosen(context.Background()))

	cfg.AppVersion = "9"
	cfg.WineBinary = "/nonexistent/wine64"
	inst, _ = newInstaller(env, cfg, frontend.NewHeadless(nil))
	assert.False(t, inst.wineChosen(context.Background()))
}

func TestSettingsCoverApplicationAndIndexer(t *testing.T) {
	reg := settings("A")
	assert.True(t, strings.HasPrefix(reg, "REGEDIT4\n"))
	assert.Contains(t, reg, `AppDefaults\A.exe]`)
	assert.Contains(t, reg, `AppDefaults\AIndexer.exe]`)
	assert.Contains(t, reg, `"renderer"="gdi"`)
	assert.Contains(t, reg, `"winemenubuilder.exe"=""`)
}

type recordingFetcher struct {
	searches [][]string
}

func (f *recordingFetcher) Ensure(context.Context, retry.RetryConfig, string, string, string) error {
	return nil
}

func (f *recordingFetcher) Get(context.Context, string, int64) ([]byte, error) {
	return nil, nil
}

func (f *recordingFetcher) SetSearchDirs(dirs ...string) {
	f.searches = append(f.searches, dirs)
}

func TestFetchSearchesInstallDirFirst(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "config.yaml")
	ictx := NewContext(cfg)
	fetcher := &recordingFetcher{}
	inst := New(ictx, frontend.NewHeadless(nil), Options{Fetcher: fetcher, SearchDirs: []string{"/work", "/cache"}})

	require.NoError(t, inst.fetch(context.Background(), "http://example.invalid/a.msi", t.TempDir(), "a.msi"))

	installDir := "/home/u/A10"
	ictx.Update(func(s *State) { s.InstallDir = installDir })
	require.NoError(t, inst.fetch(context.Background(), "http://example.invalid/a.msi", t.TempDir(), "a.msi"))

	assert.Equal(t, [][]string{
		{"/work", "/cache"},
		{installDir, filepath.Join(installDir, "data"), "/work", "/cache"},
	}, fetcher.searches)
}
