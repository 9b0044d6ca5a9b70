// Package wine classifies Wine builds and decides whether one may run a given application
// version.
package wine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrCompatibility is returned when no usable Wine build satisfies the rules.
var ErrCompatibility = errors.New("compatibility failure")

// Channel is the maturity tag of a Wine build.
type Channel string

const (
	ChannelStable  Channel = "stable"
	ChannelDevel   Channel = "devel"
	ChannelStaging Channel = "staging"
	ChannelUnknown Channel = "unknown"
)

// Origin says where a Wine build came from.
type Origin string

const (
	OriginBundledImage       Origin = "bundled-image"
	OriginSystem             Origin = "system"
	OriginCompatLayerFork    Origin = "compat-layer-fork"
	OriginThirdPartyLauncher Origin = "third-party-launcher"
	OriginCustom             Origin = "custom"
)

// Candidate is a classified Wine binary.
type Candidate struct {
	Path    string
	Major   int
	Minor   int
	Channel Channel
	Origin  Origin
}

// Version renders major.minor.
func (c Candidate) Version() string {
	return fmt.Sprintf("%d.%d", c.Major, c.Minor)
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s (%s, %s) %s", c.Version(), c.Channel, c.Origin, c.Path)
}

type RunOptions struct {
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

type RunResult struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes external programs: wine itself, wineserver, winetricks and installers.
type Runner interface {
	Run(ctx context.Context, command string, args []string, opts RunOptions) (RunResult, error)
}

type CmdRunner struct{}

func (CmdRunner) Run(ctx context.Context, command string, args []string, opts RunOptions) (RunResult, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	var stdoutBuf, stderrBuf bytes.Buffer

	stdoutWriter := io.Writer(&stdoutBuf)
	if opts.Stdout != nil {
		stdoutWriter = io.MultiWriter(&stdoutBuf, opts.Stdout)
	}
	stderrWriter := io.Writer(&stderrBuf)
	if opts.Stderr != nil {
		stderrWriter = io.MultiWriter(&stderrBuf, opts.Stderr)
	}

	cmd.Stdout = stdoutWriter
	cmd.Stderr = stderrWriter

	err := cmd.Run()
	return RunResult{Stdout: stdoutBuf.Bytes(), Stderr: stderrBuf.Bytes()}, err
}

var _ Runner = CmdRunner{}

// Environment is the variable set every Wine invocation for a prefix runs with.
func Environment(prefix string, debug bool) []string {
	env := []string{"WINEPREFIX=" + prefix}
	if debug {
		env = append(env, "WINEDEBUG=fixme-all,err+all")
	} else {
		env = append(env, "WINEDEBUG=-all")
	}
	return env
}

// ServerPath returns the wineserver next to the given wine binary. Bundled images get a
// wineserver symlink beside their wine64 link when they are materialised.
func ServerPath(wineBinary string) string {
	return filepath.Join(filepath.Dir(wineBinary), "wineserver")
}
