// pkg/wine/classify.go - determine the version, channel and origin of a Wine binary.

package wine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/windowsadmins/winebridge/pkg/logging"
)

var versionPattern = regexp.MustCompile(`wine-(\d+\.\d+(?:\.\d+)?)[^\s(]*(?:\s*\(([^)]+)\))?`)

// ParseVersion reads output such as "wine-8.16 (Staging)". The channel is unknown when the
// output does not name one.
func ParseVersion(output string) (major, minor int, channel Channel, err error) {
	m := versionPattern.FindStringSubmatch(output)
	if m == nil {
		return 0, 0, ChannelUnknown, fmt.Errorf("no wine version in %q", strings.TrimSpace(output))
	}
	v, err := goversion.NewVersion(m[1])
	if err != nil {
		return 0, 0, ChannelUnknown, fmt.Errorf("parsing wine version %q: %w", m[1], err)
	}
	seg := v.Segments()
	return seg[0], seg[1], channelFromToken(m[2]), nil
}

func channelFromToken(token string) Channel {
	t := strings.ToLower(token)
	switch {
	case strings.Contains(t, "staging"):
		return ChannelStaging
	case strings.Contains(t, "devel"), strings.Contains(t, "development"):
		return ChannelDevel
	case strings.Contains(t, "stable"):
		return ChannelStable
	default:
		return ChannelUnknown
	}
}

// channelFromNumbering applies upstream numbering: x.0 releases are stable, the rest devel.
func channelFromNumbering(minor int) Channel {
	if minor == 0 {
		return ChannelStable
	}
	return ChannelDevel
}

// OriginOf infers where a binary came from by its path.
func OriginOf(path string) Origin {
	p := filepath.ToSlash(path)
	switch {
	case strings.HasSuffix(strings.ToLower(p), ".appimage"):
		return OriginBundledImage
	case strings.Contains(p, "/lutris/runners/"):
		return OriginThirdPartyLauncher
	case strings.Contains(p, "/steamapps/"), strings.Contains(strings.ToLower(p), "proton"):
		return OriginCompatLayerFork
	case strings.HasPrefix(p, "/usr/bin/"), strings.HasPrefix(p, "/usr/local/bin/"),
		strings.HasPrefix(p, "/bin/"), strings.HasPrefix(p, "/opt/wine-"):
		return OriginSystem
	default:
		return OriginCustom
	}
}

// Classify runs the binary's --version and falls back to bundled metadata when the output
// carries no channel. A build whose channel cannot be determined is returned with an error.
func Classify(ctx context.Context, runner Runner, path string) (Candidate, error) {
	c := Candidate{Path: path, Origin: OriginOf(path), Channel: ChannelUnknown}

	vctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := runner.Run(vctx, path, []string{"--version"}, RunOptions{})
	if err != nil {
		return c, fmt.Errorf("%w: running %s --version: %v", ErrCompatibility, path, err)
	}

	c.Major, c.Minor, c.Channel, err = ParseVersion(string(res.Stdout))
	if err != nil {
		return c, fmt.Errorf("%w: %s: %v", ErrCompatibility, path, err)
	}
	if c.Channel == ChannelUnknown {
		c.Channel = probeChannel(ctx, c)
	}
	if c.Channel == ChannelUnknown {
		return c, fmt.Errorf("%w: cannot determine release channel of %s", ErrCompatibility, path)
	}

	logging.Debug("Classified wine binary", "path", path, "version", c.Version(), "channel", c.Channel, "origin", c.Origin)
	return c, nil
}

func probeChannel(ctx context.Context, c Candidate) Channel {
	if c.Origin == OriginBundledImage {
		channel, err := imageChannel(ctx, c.Path)
		if err != nil {
			logging.Debug("Could not read image descriptor", "path", c.Path, "error", err)
		}
		return channel
	}
	return libraryChannel(c.Path, c.Minor)
}

// mountImage mounts a self-contained image and returns its mount point. Replaced in tests.
var mountImage = func(ctx context.Context, path string) (string, func(), error) {
	cmd := exec.CommandContext(ctx, path, "--appimage-mount")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", nil, err
	}
	if err := cmd.Start(); err != nil {
		return "", nil, err
	}
	unmount := func() {
		cmd.Process.Signal(syscall.SIGTERM)
		cmd.Wait()
	}
	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil {
		unmount()
		return "", nil, fmt.Errorf("reading mount point of %s: %w", path, err)
	}
	return strings.TrimSpace(line), unmount, nil
}

// imageChannel reads X-AppImage-Version from the image's root desktop entry.
func imageChannel(ctx context.Context, path string) (Channel, error) {
	mountPoint, unmount, err := mountImage(ctx, path)
	if err != nil {
		return ChannelUnknown, err
	}
	defer unmount()

	entries, err := filepath.Glob(filepath.Join(mountPoint, "*.desktop"))
	if err != nil || len(entries) == 0 {
		return ChannelUnknown, fmt.Errorf("no desktop entry in %s", mountPoint)
	}
	data, err := os.ReadFile(entries[0])
	if err != nil {
		return ChannelUnknown, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if value, ok := strings.CutPrefix(scanner.Text(), "X-AppImage-Version="); ok {
			return channelFromToken(value), nil
		}
	}
	return ChannelUnknown, fmt.Errorf("no X-AppImage-Version in %s", entries[0])
}

var libraryLocations = []string{
	"../lib/wine/x86_64-unix/ntdll.so",
	"../lib64/wine/x86_64-unix/ntdll.so",
	"../lib/x86_64-linux-gnu/wine/x86_64-unix/ntdll.so",
	"../lib/wine/ntdll.so",
	"../lib64/libwine.so.1",
	"../lib/libwine.so.1",
}

var stagingMarker = []byte("(Staging)")

// libraryChannel scans the compatibility library shipped beside the binary. A staging
// marker wins; otherwise numbering decides. No library means unknown.
func libraryChannel(binary string, minor int) Channel {
	dir := filepath.Dir(binary)
	if resolved, err := filepath.EvalSymlinks(binary); err == nil {
		dir = filepath.Dir(resolved)
	}
	for _, rel := range libraryLocations {
		lib := filepath.Join(dir, rel)
		data, err := os.ReadFile(lib)
		if err != nil {
			continue
		}
		if bytes.Contains(data, stagingMarker) {
			return ChannelStaging
		}
		return channelFromNumbering(minor)
	}
	return ChannelUnknown
}
