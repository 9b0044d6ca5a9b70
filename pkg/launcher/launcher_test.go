package launcher

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "icon.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestRender(t *testing.T) {
	e := Entry{ID: "logos", Name: "Logos", Exec: "/usr/bin/winebridge --run", Icon: "/i.png", Categories: []string{"Education"}}
	got := string(e.Render())
	assert.Contains(t, got, "[Desktop Entry]\n")
	assert.Contains(t, got, "Exec=/usr/bin/winebridge --run\n")
	assert.Contains(t, got, "Icon=/i.png\n")
	assert.Contains(t, got, "Categories=Education;\n")
	assert.Contains(t, got, "Terminal=false\n")
}

func TestScaleIconKeepsAspect(t *testing.T) {
	src := writePNG(t, 400, 200)
	dst := filepath.Join(t.TempDir(), "out", "icon.png")
	require.NoError(t, ScaleIcon(src, dst, 128))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 128, 128), img.Bounds())

	_, _, _, top := img.At(64, 5).RGBA()
	_, _, _, middle := img.At(64, 64).RGBA()
	assert.Zero(t, top, "letterbox stays transparent")
	assert.NotZero(t, middle)
}

func TestCreateAndExists(t *testing.T) {
	dir := t.TempDir()
	w := &Writer{ApplicationsDir: filepath.Join(dir, "apps"), IconsDir: filepath.Join(dir, "icons"), IconSize: 64}
	assert.False(t, w.Exists("logos"))

	require.NoError(t, w.Create(Entry{ID: "logos", Name: "Logos", Exec: "run"}, writePNG(t, 32, 32)))
	assert.True(t, w.Exists("logos"))

	require.NoError(t, os.Remove(w.IconPath("logos")))
	assert.False(t, w.Exists("logos"), "missing icon means the launcher is incomplete")
}
