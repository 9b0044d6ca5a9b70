// Package sysdeps detects the host package manager and installs the packages Wine
// needs beside it.
package sysdeps

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/windowsadmins/winebridge/pkg/logging"
	"github.com/windowsadmins/winebridge/pkg/wine"
)

// PackageManager describes how to query and install packages with one tool.
type PackageManager struct {
	Name     string
	Query    []string // command that exits 0 when the package named after it is installed
	Install  []string // command that installs the packages named after it
	Packages []string
}

// Known package managers in detection order.
var Known = []PackageManager{
	{
		Name:     "apt",
		Query:    []string{"dpkg", "-s"},
		Install:  []string{"apt-get", "install", "-y"},
		Packages: []string{"binutils", "cabextract", "fuse3", "wget", "winbind"},
	},
	{
		Name:     "dnf",
		Query:    []string{"rpm", "-q"},
		Install:  []string{"dnf", "install", "-y"},
		Packages: []string{"binutils", "cabextract", "fuse3", "wget", "samba-winbind"},
	},
	{
		Name:     "zypper",
		Query:    []string{"rpm", "-q"},
		Install:  []string{"zypper", "--non-interactive", "install"},
		Packages: []string{"binutils", "cabextract", "fuse3", "wget", "samba-winbind"},
	},
	{
		Name:     "pacman",
		Query:    []string{"pacman", "-Q"},
		Install:  []string{"pacman", "-S", "--noconfirm"},
		Packages: []string{"binutils", "cabextract", "fuse3", "wget", "samba"},
	},
}

var lookPath = exec.LookPath

// Detect returns the first known package manager present on the host.
func Detect() (PackageManager, error) {
	for _, pm := range Known {
		if _, err := lookPath(pm.Install[0]); err == nil {
			return pm, nil
		}
	}
	return PackageManager{}, fmt.Errorf("no supported package manager found")
}

// Installer checks and installs the system packages.
type Installer struct {
	runner  wine.Runner
	manager PackageManager
	elevate []string
}

// New creates an Installer for manager. Installation is run through pkexec or sudo when
// one is available.
func New(runner wine.Runner, manager PackageManager) *Installer {
	i := &Installer{runner: runner, manager: manager}
	for _, tool := range []string{"pkexec", "sudo"} {
		if p, err := lookPath(tool); err == nil {
			i.elevate = []string{p}
			break
		}
	}
	return i
}

// Manager returns the package manager in use.
func (i *Installer) Manager() PackageManager {
	return i.manager
}

// Missing returns the required packages the query command reports as absent.
func (i *Installer) Missing(ctx context.Context) ([]string, error) {
	var missing []string
	for _, pkg := range i.manager.Packages {
		args := append(append([]string{}, i.manager.Query[1:]...), pkg)
		if _, err := i.runner.Run(ctx, i.manager.Query[0], args, wine.RunOptions{}); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			missing = append(missing, pkg)
		}
	}
	return missing, nil
}

// Install installs packages with elevated privileges.
func (i *Installer) Install(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	argv := append(append(append([]string{}, i.elevate...), i.manager.Install...), packages...)
	logging.Info("Installing system packages", "manager", i.manager.Name, "packages", strings.Join(packages, " "))

	res, err := i.runner.Run(ctx, argv[0], argv[1:], wine.RunOptions{})
	if err != nil {
		return fmt.Errorf("installing %s with %s: %w: %s", strings.Join(packages, ", "), i.manager.Name, err, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}
