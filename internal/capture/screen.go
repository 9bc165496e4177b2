package capture

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"

	"glimpse/internal/pixfmt"
	"glimpse/internal/types"
)

// Display describes one active monitor.
type Display struct {
	Index  int
	Bounds image.Rectangle
}

func (d Display) String() string {
	return fmt.Sprintf("display %d: %dx%d at (%d,%d)",
		d.Index, d.Bounds.Dx(), d.Bounds.Dy(), d.Bounds.Min.X, d.Bounds.Min.Y)
}

// Displays enumerates the active monitors.
func Displays() []Display {
	n := screenshot.NumActiveDisplays()
	out := make([]Display, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Display{Index: i, Bounds: screenshot.GetDisplayBounds(i)})
	}
	return out
}

// ScreenCapturer grabs a physical display through the OS screenshot API.
type ScreenCapturer struct {
	index int
}

// OpenDisplay returns a capturer for the monitor at index.
func OpenDisplay(index int) (*ScreenCapturer, error) {
	n := screenshot.NumActiveDisplays()
	if index < 0 || index >= n {
		return nil, fmt.Errorf("display %d not available (%d active)", index, n)
	}
	b := screenshot.GetDisplayBounds(index)
	if b.Empty() {
		return nil, fmt.Errorf("display %d has empty bounds", index)
	}
	return &ScreenCapturer{index: index}, nil
}

func (c *ScreenCapturer) Name() string { return fmt.Sprintf("display-%d", c.index) }

// Width and Height are measured on every call so a resized monitor is
// picked up by the next region resolve.
func (c *ScreenCapturer) Width() int  { return screenshot.GetDisplayBounds(c.index).Dx() }
func (c *ScreenCapturer) Height() int { return screenshot.GetDisplayBounds(c.index).Dy() }

func (c *ScreenCapturer) Grab() (*types.Frame, error) {
	img, err := screenshot.CaptureRect(screenshot.GetDisplayBounds(c.index))
	if err != nil {
		return nil, err
	}
	return FrameFromImage(img), nil
}

func (c *ScreenCapturer) Close() {}

// FrameFromImage wraps the pixels of img without copying.
func FrameFromImage(img *image.RGBA) *types.Frame {
	b := img.Bounds()
	return &types.Frame{
		Data:   img.Pix,
		Width:  b.Dx(),
		Height: b.Dy(),
		Stride: img.Stride,
		Format: pixfmt.RGBA,
	}
}
