// pkg/wine/candidates.go - discover Wine binaries and filter them through the rules.

package wine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/windowsadmins/winebridge/pkg/logging"
	"github.com/windowsadmins/winebridge/pkg/utils"
)

// searchGlobs are expanded relative to the user's home ("~/") or as absolute patterns.
var searchGlobs = []string{
	"/usr/bin/wine64",
	"/usr/bin/wine",
	"/usr/local/bin/wine64",
	"/opt/wine-*/bin/wine64",
	"~/.local/share/lutris/runners/wine/*/bin/wine64",
	"~/.steam/steam/steamapps/common/Proton*/files/bin/wine64",
	"~/.local/share/Steam/steamapps/common/Proton*/files/bin/wine64",
}

var lookPath = exec.LookPath

// FindCandidates returns every Wine binary found on PATH, in well-known locations and as
// images in installDir, deduplicated by resolved path.
func FindCandidates(installDir string) []string {
	var found []string
	for _, name := range []string{"wine64", "wine"} {
		if p, err := lookPath(name); err == nil {
			found = append(found, p)
		}
	}
	for _, pattern := range searchGlobs {
		matches, _ := filepath.Glob(utils.ExpandHome(pattern))
		sort.Sort(sort.Reverse(sort.StringSlice(matches)))
		found = append(found, matches...)
	}
	if installDir != "" {
		images, _ := filepath.Glob(filepath.Join(installDir, "data", "*.AppImage"))
		found = append(found, images...)
	}

	seen := make(map[string]bool)
	var out []string
	for _, p := range found {
		key := p
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			key = resolved
		}
		if seen[key] || !utils.IsExecutable(p) {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// Rejection records why a binary was not offered.
type Rejection struct {
	Path   string
	Reason string
}

// Filter classifies each path and keeps those the rules allow for the application.
func Filter(ctx context.Context, runner Runner, paths []string, appRelease, appVersion string) ([]Candidate, []Rejection) {
	var allowed []Candidate
	var rejected []Rejection
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			rejected = append(rejected, Rejection{Path: p, Reason: err.Error()})
			continue
		}
		c, err := Classify(ctx, runner, p)
		if err != nil {
			rejected = append(rejected, Rejection{Path: p, Reason: err.Error()})
			continue
		}
		if ok, reason := CheckRules(c, appRelease, appVersion); !ok {
			logging.Debug("Wine binary rejected", "path", p, "reason", reason)
			rejected = append(rejected, Rejection{Path: p, Reason: reason})
			continue
		}
		allowed = append(allowed, c)
	}
	return allowed, rejected
}
