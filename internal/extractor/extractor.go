package extractor

import (
	"fmt"
	"image"
	"image/draw"
	"iter"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"github.com/bdougie/spotflow/internal/models"
	"github.com/bdougie/spotflow/internal/stack"
)

// FrameExt is the extension of staged frame images
const FrameExt = ".tif"

// FrameName returns the stable name of the frame at the given time index.
// The tool names its result artifacts after it, so it doubles as the join key.
func FrameName(index int) string {
	return fmt.Sprintf("frame-t%04d", index)
}

// CheckRegion verifies that region fits inside the stack
func CheckRegion(s stack.Stack, region models.Region) error {
	w, h, t := s.Width(), s.Height(), s.Timepoints()
	for d, size := range [2]int{w, h} {
		if region.Min[d] < 0 || region.Max[d] >= size || region.Min[d] > region.Max[d] {
			return fmt.Errorf("%w: %s does not fit a %dx%d image", models.ErrInvalidRegion, region, w, h)
		}
	}
	if region.TMin < 0 || region.TMax >= t || region.TMin > region.TMax {
		return fmt.Errorf("%w: %s does not fit %d time points", models.ErrInvalidRegion, region, t)
	}
	return nil
}

// CheckChannel verifies the 0-based channel index
func CheckChannel(s stack.Stack, channel int) error {
	if channel < 0 || channel >= s.Channels() {
		return fmt.Errorf("%w: channel %d, image has %d channel(s)", models.ErrInvalidChannel, channel+1, s.Channels())
	}
	return nil
}

// Split returns the frames of region, one per time point, in time order.
// Planes are read and cropped lazily; the sequence can be ranged over
// more than once.
func Split(s stack.Stack, region models.Region, channel int) (iter.Seq2[models.Frame, error], error) {
	if err := CheckRegion(s, region); err != nil {
		return nil, err
	}
	if err := CheckChannel(s, channel); err != nil {
		return nil, err
	}

	rect := region.Rect()
	return func(yield func(models.Frame, error) bool) {
		for t := region.TMin; t <= region.TMax; t++ {
			plane, err := s.Plane(t, channel)
			if err != nil {
				yield(models.Frame{Index: t}, fmt.Errorf("failed to read time point %d: %w", t, err))
				return
			}
			frame := models.Frame{
				Index: t,
				Name:  FrameName(t),
				Image: crop(plane, rect),
			}
			if !yield(frame, nil) {
				return
			}
		}
	}, nil
}

// Collect drains a frame sequence, stopping at the first error
func Collect(seq iter.Seq2[models.Frame, error]) ([]models.Frame, error) {
	var frames []models.Frame
	for frame, err := range seq {
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func crop(plane *image.Gray16, rect image.Rectangle) *image.Gray16 {
	src := rect.Add(plane.Bounds().Min)
	dst := image.NewGray16(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), plane, src.Min, draw.Src)
	return dst
}

// WriteFrame saves a frame as a TIFF file in dir and returns its path
func WriteFrame(dir string, frame models.Frame) (string, error) {
	// Create the directory if it doesn't exist
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create frame directory '%s': %w", dir, err)
	}

	path := filepath.Join(dir, frame.Name+FrameExt)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create frame file '%s': %w", path, err)
	}

	if err := tiff.Encode(f, frame.Image, nil); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to encode frame '%s': %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write frame '%s': %w", path, err)
	}
	return path, nil
}
