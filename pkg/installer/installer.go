// Package installer drives a Wine prefix from nothing chosen to a fully installed
// application through an ordered table of idempotent steps.
package installer

import (
	"context"

	"github.com/windowsadmins/winebridge/pkg/config"
	"github.com/windowsadmins/winebridge/pkg/frontend"
	"github.com/windowsadmins/winebridge/pkg/launcher"
	"github.com/windowsadmins/winebridge/pkg/retry"
	"github.com/windowsadmins/winebridge/pkg/wine"
)

// Fetcher materialises artifacts; download.Manager implements it.
type Fetcher interface {
	Ensure(ctx context.Context, cfg retry.RetryConfig, url, destDir, fileName string) error
	Get(ctx context.Context, url string, limit int64) ([]byte, error)
	SetSearchDirs(dirs ...string)
}

// Dependencies installs host packages; sysdeps.Installer implements it.
type Dependencies interface {
	Missing(ctx context.Context) ([]string, error)
	Install(ctx context.Context, packages []string) error
}

// Launcher writes desktop launchers; launcher.Writer implements it.
type Launcher interface {
	Exists(id string) bool
	Create(e launcher.Entry, iconSource string) error
}

// Options carries the collaborators of an Installer.
type Options struct {
	Fetcher       Fetcher
	Runner        wine.Runner
	Dependencies  Dependencies
	Launcher      Launcher
	Retry         retry.RetryConfig
	LaunchCommand string
	// SearchDirs are looked at for local copies after the install directory.
	SearchDirs    []string
}

// Installer owns the install context and builds the step table over it.
type Installer struct {
	ictx    *Context
	adapter frontend.Adapter
	opts    Options
}

// New creates an Installer. A zero Retry uses retry.DefaultConfig.
func New(ictx *Context, adapter frontend.Adapter, opts Options) *Installer {
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = retry.DefaultConfig
	}
	if opts.Runner == nil {
		opts.Runner = wine.CmdRunner{}
	}
	return &Installer{ictx: ictx, adapter: adapter, opts: opts}
}

// Context returns the install context.
func (i *Installer) Context() *Context {
	return i.ictx
}

func (i *Installer) cfg() *config.Configuration {
	return i.ictx.Config()
}

// Pipeline returns a pipeline over Steps that records the current step in the context.
func (i *Installer) Pipeline() *Pipeline {
	p := NewPipeline(i.Steps(), i.adapter)
	p.onStep = func(index, count int) {
		i.ictx.Update(func(s *State) {
			s.StepIndex = index
			s.StepCount = count
		})
	}
	return p
}

