package stack

import (
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/tiff"

	"github.com/bdougie/spotflow/internal/models"
)

// Stack is a time-lapse image source that can be sliced into planes
type Stack interface {
	Width() int
	Height() int
	// Slices is the Z depth; 1 for a 2D stack.
	Slices() int
	Channels() int
	Timepoints() int
	HasTime() bool
	Calibration() models.Calibration
	// Plane returns the 2D image at time t and channel c.
	Plane(t, c int) (*image.Gray16, error)
}

// Memory is a Stack held in memory, indexed as Planes[t][c]
type Memory struct {
	Planes [][]*image.Gray16
	Depth  int
	Cal    models.Calibration
	Timed  bool
}

// NewMemory creates a 2D time-lapse stack from planes indexed [t][c]
func NewMemory(planes [][]*image.Gray16, cal models.Calibration) *Memory {
	return &Memory{Planes: planes, Depth: 1, Cal: cal, Timed: true}
}

func (m *Memory) Width() int {
	if p := m.first(); p != nil {
		return p.Bounds().Dx()
	}
	return 0
}

func (m *Memory) Height() int {
	if p := m.first(); p != nil {
		return p.Bounds().Dy()
	}
	return 0
}

func (m *Memory) Slices() int {
	if m.Depth < 1 {
		return 1
	}
	return m.Depth
}

func (m *Memory) Channels() int {
	if len(m.Planes) == 0 {
		return 0
	}
	return len(m.Planes[0])
}

func (m *Memory) Timepoints() int                 { return len(m.Planes) }
func (m *Memory) HasTime() bool                   { return m.Timed }
func (m *Memory) Calibration() models.Calibration { return m.Cal }

func (m *Memory) Plane(t, c int) (*image.Gray16, error) {
	if t < 0 || t >= len(m.Planes) {
		return nil, fmt.Errorf("time index %d out of range [0, %d)", t, len(m.Planes))
	}
	if c < 0 || c >= len(m.Planes[t]) {
		return nil, fmt.Errorf("channel %d out of range [0, %d)", c, len(m.Planes[t]))
	}
	return m.Planes[t][c], nil
}

func (m *Memory) first() *image.Gray16 {
	if len(m.Planes) == 0 || len(m.Planes[0]) == 0 {
		return nil
	}
	return m.Planes[0][0]
}

// LoadDir reads every TIFF file in dir, sorted by name, as one time point
// of a single-channel stack.
func LoadDir(dir string, cal models.Calibration) (*Memory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read stack directory '%s': %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !entry.IsDir() && (ext == ".tif" || ext == ".tiff") {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no TIFF images found in directory '%s'", dir)
	}
	sort.Strings(names)

	planes := make([][]*image.Gray16, 0, len(names))
	var bounds image.Rectangle
	for i, name := range names {
		plane, err := readPlane(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if i == 0 {
			bounds = plane.Bounds()
		} else if plane.Bounds().Size() != bounds.Size() {
			return nil, fmt.Errorf("image '%s' is %v, expected %v", name, plane.Bounds().Size(), bounds.Size())
		}
		planes = append(planes, []*image.Gray16{plane})
	}
	return NewMemory(planes, cal), nil
}

func readPlane(path string) (*image.Gray16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode '%s': %w", path, err)
	}
	return ToGray16(img), nil
}

// ToGray16 converts any image to a 16-bit grayscale plane with origin (0, 0)
func ToGray16(img image.Image) *image.Gray16 {
	b := img.Bounds()
	if g, ok := img.(*image.Gray16); ok && b.Min == (image.Point{}) {
		return g
	}
	dst := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
