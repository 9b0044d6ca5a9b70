// pkg/installer/context.go - the install context threaded through every pipeline step.

package installer

import (
	"fmt"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	"github.com/windowsadmins/winebridge/pkg/config"
)

// State is a copy of every resolved and derived install choice.
type State struct {
	// Choices, persisted.
	Application  string
	AppVersion   string
	AppRelease   string
	InstallDir   string
	WineBinary   string
	RuntimeImage string // file name of a bundled Wine image inside DataDir
	HelperBinary string

	// Derived from the choices.
	WinePrefix      string
	AppExe          string
	InstallerURL    string
	InstallerFile   string
	IconURL         string
	IconFile        string
	RuntimeImageURL string

	StepIndex int
	StepCount int
}

// DataDir holds downloaded artifacts and the Wine prefix.
func (s State) DataDir() string { return filepath.Join(s.InstallDir, "data") }

// BinDir holds Wine links and the downloaded helper tool.
func (s State) BinDir() string { return filepath.Join(s.DataDir(), "bin") }

// Context is the install context. Steps write through Update and read through Snapshot so
// the pipeline goroutine and the front end never observe a half-written record.
type Context struct {
	mu    sync.Mutex
	state State
	cfg   *config.Configuration
}

// NewContext seeds a context from the persisted configuration.
func NewContext(cfg *config.Configuration) *Context {
	c := &Context{
		cfg: cfg,
		state: State{
			Application:  cfg.Application,
			AppVersion:   cfg.AppVersion,
			AppRelease:   cfg.AppRelease,
			InstallDir:   cfg.InstallDir,
			WineBinary:   cfg.WineBinary,
			RuntimeImage: cfg.RuntimeImage,
			HelperBinary: cfg.HelperBinary,
			WinePrefix:   cfg.WinePrefix,
			AppExe:       cfg.AppExe,
		},
	}
	if c.state.Application != "" && c.state.AppRelease != "" && c.state.InstallDir != "" {
		c.Update(c.derive)
	}
	return c
}

// Config returns the tool settings the context was created from.
func (c *Context) Config() *config.Configuration {
	return c.cfg
}

// Snapshot returns a copy of the current state.
func (c *Context) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Update applies fn to the state under the context lock.
func (c *Context) Update(fn func(*State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.state)
}

// derive computes every value that follows from the choices. It only fills fields that
// are empty so persisted values survive.
func (c *Context) derive(s *State) {
	app := s.Application
	lower := strings.ToLower(app)

	if s.WinePrefix == "" {
		s.WinePrefix = filepath.Join(s.DataDir(), "wine64_bottle")
	}
	if s.AppExe == "" {
		s.AppExe = filepath.Join(s.WinePrefix, "drive_c", "users", currentUser(), "AppData", "Local", app, app+".exe")
	}
	if s.InstallerURL == "" && c.cfg.InstallerURL != "" {
		s.InstallerURL = fmt.Sprintf(c.cfg.InstallerURL, app, s.AppRelease)
		s.InstallerFile = filepath.Base(s.InstallerURL)
	}
	if s.IconURL == "" && c.cfg.IconURL != "" {
		s.IconURL = fmt.Sprintf(c.cfg.IconURL, lower)
		s.IconFile = filepath.Join(c.cfg.CachePath, lower+"-icon"+filepath.Ext(s.IconURL))
	}
}

// Derived reports whether every derived value is present.
func (s State) Derived(withIcon bool) bool {
	if s.WinePrefix == "" || s.AppExe == "" || s.InstallerURL == "" || s.InstallerFile == "" {
		return false
	}
	return !withIcon || (s.IconURL != "" && s.IconFile != "")
}

// Persist writes the resolved choices back to the configuration document.
func (c *Context) Persist() error {
	s := c.Snapshot()
	c.apply(c.cfg, s)
	if err := config.SaveConfig(c.cfg); err != nil {
		return fmt.Errorf("persisting install choices: %w", err)
	}
	return nil
}

// Persisted reports whether the document on disk already holds the current choices.
func (c *Context) Persisted() bool {
	onDisk, err := config.ReadConfig(c.cfg.Path)
	if err != nil {
		return false
	}
	want := *onDisk
	c.apply(&want, c.Snapshot())
	return want.Application == onDisk.Application &&
		want.AppVersion == onDisk.AppVersion &&
		want.AppRelease == onDisk.AppRelease &&
		want.InstallDir == onDisk.InstallDir &&
		want.WineBinary == onDisk.WineBinary &&
		want.RuntimeImage == onDisk.RuntimeImage &&
		want.HelperBinary == onDisk.HelperBinary &&
		want.WinePrefix == onDisk.WinePrefix &&
		want.AppExe == onDisk.AppExe
}

func (c *Context) apply(cfg *config.Configuration, s State) {
	cfg.Application = s.Application
	cfg.AppVersion = s.AppVersion
	cfg.AppRelease = s.AppRelease
	cfg.InstallDir = s.InstallDir
	cfg.WineBinary = s.WineBinary
	cfg.RuntimeImage = s.RuntimeImage
	cfg.HelperBinary = s.HelperBinary
	cfg.WinePrefix = s.WinePrefix
	cfg.AppExe = s.AppExe
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "user"
}
