package wine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	outputs map[string]string
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, command string, args []string, opts RunOptions) (RunResult, error) {
	f.calls = append(f.calls, command)
	out, ok := f.outputs[command]
	if !ok {
		return RunResult{}, errors.New("exec: not found")
	}
	return RunResult{Stdout: []byte(out)}, nil
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		output       string
		major, minor int
		channel      Channel
	}{
		{"wine-8.16 (Staging)\n", 8, 16, ChannelStaging},
		{"wine-9.12 (Development)", 9, 12, ChannelDevel},
		{"wine-10.0", 10, 0, ChannelUnknown},
		{"wine-7.0-rc3 (Staging)", 7, 0, ChannelStaging},
		{"wine-8.0.2", 8, 0, ChannelUnknown},
	}
	for _, tt := range tests {
		major, minor, channel, err := ParseVersion(tt.output)
		require.NoError(t, err, tt.output)
		assert.Equal(t, tt.major, major, tt.output)
		assert.Equal(t, tt.minor, minor, tt.output)
		assert.Equal(t, tt.channel, channel, tt.output)
	}

	_, _, _, err := ParseVersion("command not found")
	assert.Error(t, err)
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, OriginBundledImage, OriginOf("/opt/app/data/wine64-bottle.AppImage"))
	assert.Equal(t, OriginThirdPartyLauncher, OriginOf("/home/u/.local/share/lutris/runners/wine/lutris-7.2/bin/wine64"))
	assert.Equal(t, OriginCompatLayerFork, OriginOf("/home/u/.steam/steam/steamapps/common/Proton 8.0/files/bin/wine64"))
	assert.Equal(t, OriginSystem, OriginOf("/usr/bin/wine64"))
	assert.Equal(t, OriginCustom, OriginOf("/home/u/wine/bin/wine64"))
}

func TestClassifyFromVersionOutput(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"/usr/bin/wine64": "wine-9.12 (Staging)\n"}}
	c, err := Classify(context.Background(), r, "/usr/bin/wine64")
	require.NoError(t, err)
	assert.Equal(t, Candidate{Path: "/usr/bin/wine64", Major: 9, Minor: 12, Channel: ChannelStaging, Origin: OriginSystem}, c)
}

func TestClassifyScansLibraryForChannel(t *testing.T) {
	root := t.TempDir()
	bin := filepath.Join(root, "bin", "wine64")
	lib := filepath.Join(root, "lib", "wine", "x86_64-unix", "ntdll.so")
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0755))
	require.NoError(t, os.MkdirAll(filepath.Dir(lib), 0755))
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.WriteFile(lib, []byte("\x7fELF...wine-8.16 (Staging)\x00..."), 0644))

	r := &fakeRunner{outputs: map[string]string{bin: "wine-8.16"}}
	c, err := Classify(context.Background(), r, bin)
	require.NoError(t, err)
	assert.Equal(t, ChannelStaging, c.Channel)

	require.NoError(t, os.WriteFile(lib, []byte("\x7fELF...wine-8.16\x00..."), 0644))
	c, err = Classify(context.Background(), r, bin)
	require.NoError(t, err)
	assert.Equal(t, ChannelDevel, c.Channel)
}

func TestClassifyUnknownChannelFails(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "wine64")
	r := &fakeRunner{outputs: map[string]string{bin: "wine-9.12"}}
	c, err := Classify(context.Background(), r, bin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCompatibility))
	assert.Equal(t, ChannelUnknown, c.Channel)
}

func TestClassifyReadsImageDescriptor(t *testing.T) {
	mount := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(mount, "wine.desktop"),
		[]byte("[Desktop Entry]\nName=Wine\nX-AppImage-Version=9.5-devel\n"), 0644))

	unmounted := false
	orig := mountImage
	mountImage = func(ctx context.Context, path string) (string, func(), error) {
		return mount, func() { unmounted = true }, nil
	}
	defer func() { mountImage = orig }()

	image := "/opt/app/data/wine64-bottle.AppImage"
	r := &fakeRunner{outputs: map[string]string{image: "wine-9.5"}}
	c, err := Classify(context.Background(), r, image)
	require.NoError(t, err)
	assert.Equal(t, ChannelDevel, c.Channel)
	assert.Equal(t, OriginBundledImage, c.Origin)
	assert.True(t, unmounted)
}

func TestFilterSeparatesAllowedAndRejected(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good")
	bad := filepath.Join(dir, "bad")
	for _, p := range []string{good, bad} {
		require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0755))
	}
	r := &fakeRunner{outputs: map[string]string{
		good: "wine-9.12 (Staging)",
		bad:  "wine-8.0 (Staging)",
	}}

	allowed, rejected := Filter(context.Background(), r, []string{good, bad, filepath.Join(dir, "missing")}, "10.2.3", "10")
	require.Len(t, allowed, 1)
	assert.Equal(t, good, allowed[0].Path)
	require.Len(t, rejected, 2)
	assert.Contains(t, rejected[0].Reason, "will not work")
}
