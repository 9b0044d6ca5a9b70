// Package launcher writes the desktop entry and icon that start the installed application.
package launcher

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/windowsadmins/winebridge/pkg/logging"
	"github.com/windowsadmins/winebridge/pkg/utils"
)

// DefaultIconSize is the edge length of the installed icon.
const DefaultIconSize = 128

// Entry is a freedesktop desktop entry.
type Entry struct {
	ID         string // file name without .desktop
	Name       string
	Comment    string
	Exec       string
	Icon       string
	Categories []string
	Terminal   bool
}

// Render produces the desktop entry document.
func (e Entry) Render() []byte {
	var b bytes.Buffer
	b.WriteString("[Desktop Entry]\n")
	b.WriteString("Type=Application\n")
	fmt.Fprintf(&b, "Name=%s\n", e.Name)
	if e.Comment != "" {
		fmt.Fprintf(&b, "Comment=%s\n", e.Comment)
	}
	fmt.Fprintf(&b, "Exec=%s\n", e.Exec)
	if e.Icon != "" {
		fmt.Fprintf(&b, "Icon=%s\n", e.Icon)
	}
	fmt.Fprintf(&b, "Terminal=%t\n", e.Terminal)
	if len(e.Categories) > 0 {
		fmt.Fprintf(&b, "Categories=%s;\n", strings.Join(e.Categories, ";"))
	}
	return b.Bytes()
}

// Writer places launcher files under the user's data directory.
type Writer struct {
	ApplicationsDir string
	IconsDir        string
	IconSize        int
}

// NewWriter uses $XDG_DATA_HOME (or ~/.local/share).
func NewWriter() *Writer {
	data := os.Getenv("XDG_DATA_HOME")
	if data == "" {
		data = utils.ExpandHome("~/.local/share")
	}
	return &Writer{
		ApplicationsDir: filepath.Join(data, "applications"),
		IconsDir:        filepath.Join(data, "icons", "hicolor", fmt.Sprintf("%dx%d", DefaultIconSize, DefaultIconSize), "apps"),
		IconSize:        DefaultIconSize,
	}
}

func (w *Writer) DesktopPath(id string) string {
	return filepath.Join(w.ApplicationsDir, id+".desktop")
}

func (w *Writer) IconPath(id string) string {
	return filepath.Join(w.IconsDir, id+".png")
}

// Exists reports whether the desktop entry for id is present, together with its icon when
// the entry names one.
func (w *Writer) Exists(id string) bool {
	data, err := os.ReadFile(w.DesktopPath(id))
	if err != nil {
		return false
	}
	if bytes.Contains(data, []byte("\nIcon=")) && !utils.FileExists(w.IconPath(id)) {
		return false
	}
	return true
}

// Create writes the icon scaled from iconSource, when given, and then the desktop entry.
func (w *Writer) Create(e Entry, iconSource string) error {
	if iconSource != "" {
		size := w.IconSize
		if size <= 0 {
			size = DefaultIconSize
		}
		if err := ScaleIcon(iconSource, w.IconPath(e.ID), size); err != nil {
			return err
		}
		e.Icon = w.IconPath(e.ID)
	}

	if err := os.MkdirAll(w.ApplicationsDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", w.ApplicationsDir, err)
	}
	if err := writeAtomic(w.DesktopPath(e.ID), e.Render(), 0755); err != nil {
		return fmt.Errorf("writing desktop entry: %w", err)
	}
	logging.Info("Created launcher", "entry", w.DesktopPath(e.ID))
	return nil
}

// ScaleIcon decodes a PNG or JPEG and writes it as a size×size PNG, preserving aspect ratio
// on a transparent square.
func ScaleIcon(src, dst string, size int) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening icon: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decoding icon %s: %w", src, err)
	}

	b := img.Bounds()
	w, h := size, size
	if b.Dx() > b.Dy() {
		h = max(1, size*b.Dy()/b.Dx())
	} else if b.Dy() > b.Dx() {
		w = max(1, size*b.Dx()/b.Dy())
	}
	offset := image.Pt((size-w)/2, (size-h)/2)

	out := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(out, image.Rectangle{Min: offset, Max: offset.Add(image.Pt(w, h))}, img, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return fmt.Errorf("encoding icon: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return writeAtomic(dst, buf.Bytes(), 0644)
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
