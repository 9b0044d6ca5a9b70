// pkg/process/lister.go - process table snapshots and role matching.

package process

import (
	"context"
	"path"
	"strings"

	gproc "github.com/shirou/gopsutil/v3/process"

	"github.com/windowsadmins/winebridge/pkg/logging"
)

// Proc is one entry of a process table snapshot.
type Proc struct {
	PID     int32
	Name    string
	Cmdline string
}

// Lister returns the current process table.
type Lister interface {
	List(ctx context.Context) ([]Proc, error)
}

// SystemLister reads the host process table.
type SystemLister struct{}

func (SystemLister) List(ctx context.Context) ([]Proc, error) {
	procs, err := gproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		out = append(out, Proc{PID: p.Pid, Name: name, Cmdline: cmdline})
	}
	return out, nil
}

// Patterns maps each role to the executable path suffix identifying it in a command line.
type Patterns map[Role]string

// DefaultPatterns identifies app's launcher, its core worker under System/ and its indexer.
func DefaultPatterns(app string) Patterns {
	return Patterns{
		RoleFront:   app + "/" + app + ".exe",
		RoleCore:    app + "/System/" + app + ".exe",
		RoleIndexer: app + "Indexer.exe",
	}
}

// normalize folds case and Windows separators so Wine's C:\ paths and host paths compare
// the same way.
func normalize(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, `\`, "/"))
}

// Matches reports whether cmdline belongs to pattern. The pattern must end an argument,
// either as a whole path or after a path separator, so "Logos/Logos.exe" does not match
// "MyLogos/Logos.exe" and never matches inside System/.
func Matches(cmdline, pattern string) bool {
	cmd := normalize(cmdline)
	pat := normalize(pattern)
	if pat == "" {
		return false
	}
	for from := 0; ; {
		idx := strings.Index(cmd[from:], pat)
		if idx < 0 {
			return false
		}
		start := from + idx
		end := start + len(pat)
		boundaryBefore := start == 0 || strings.ContainsRune("/ \"':", rune(cmd[start-1]))
		boundaryAfter := end == len(cmd) || strings.ContainsRune(" \"'\x00", rune(cmd[end]))
		if boundaryBefore && boundaryAfter {
			return true
		}
		from = start + 1
	}
}

// classify returns the roles a snapshot entry plays.
func (p Patterns) classify(proc Proc) []Role {
	var roles []Role
	for _, role := range allRoles {
		pattern, ok := p[role]
		if !ok {
			continue
		}
		if Matches(proc.Cmdline, pattern) {
			roles = append(roles, role)
		}
	}
	if len(roles) > 0 {
		logging.Debug("Matched process", "pid", proc.PID, "name", path.Base(normalize(proc.Name)), "roles", roles)
	}
	return roles
}
