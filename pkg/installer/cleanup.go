package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/windowsadmins/winebridge/pkg/logging"
	"github.com/windowsadmins/winebridge/pkg/wine"
)

// ProcessCleanup runs external commands in their own process group with a timeout, so a
// hung installer and every child it spawned can be torn down together.
type ProcessCleanup struct {
	timeout time.Duration
}

// NewProcessCleanup creates a runner that gives each command at most timeoutMinutes.
func NewProcessCleanup(timeoutMinutes int) *ProcessCleanup {
	return &ProcessCleanup{timeout: time.Duration(timeoutMinutes) * time.Minute}
}

var _ wine.Runner = (*ProcessCleanup)(nil)

// Run implements wine.Runner.
func (pc *ProcessCleanup) Run(ctx context.Context, command string, args []string, opts wine.RunOptions) (wine.RunResult, error) {
	logging.Debug("Running command with cleanup", "command", command, "args", args, "timeout", pc.timeout)

	if pc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pc.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return pc.terminateProcessGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = 5 * time.Second
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if opts.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdoutBuf, opts.Stdout)
	}
	if opts.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderrBuf, opts.Stderr)
	}

	err := cmd.Run()
	result := wine.RunResult{Stdout: stdoutBuf.Bytes(), Stderr: stderrBuf.Bytes()}
	if err == nil {
		return result, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		logging.Error("Command timed out", "command", command, "timeout", pc.timeout)
		return result, fmt.Errorf("%s timed out after %s", command, pc.timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, fmt.Errorf("%s failed with exit code %d: %s", command, exitErr.ExitCode(), bytes.TrimSpace(stderrBuf.Bytes()))
	}
	return result, err
}

// terminateProcessGroup kills the group led by pid.
func (pc *ProcessCleanup) terminateProcessGroup(pid int) error {
	logging.Debug("Terminating process group", "pgid", pid)
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		logging.Debug("Failed to terminate process group", "pgid", pid, "error", err)
		return err
	}
	return nil
}
