package types

import (
	"fmt"
	"time"

	"glimpse/internal/pixfmt"
)

// Frame is a captured screen frame. After normalization Format is RGBA,
// Stride is Width*4 and len(Data) is exactly Width*Height*4.
type Frame struct {
	Data     []byte
	Width    int
	Height   int
	Stride   int
	Format   pixfmt.Layout
	Captured time.Time
}

// NewFrame returns a canonical RGBA frame wrapping data.
func NewFrame(width, height int, data []byte) *Frame {
	return &Frame{
		Data:   data,
		Width:  width,
		Height: height,
		Stride: width * 4,
		Format: pixfmt.RGBA,
	}
}

// Canonical reports whether f is packed RGBA.
func (f *Frame) Canonical() bool {
	return f.Format == pixfmt.RGBA && (f.Stride == 0 || f.Stride == f.Width*4)
}

// Validate checks the canonical size invariant.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame: invalid dimensions %dx%d", f.Width, f.Height)
	}
	if !f.Canonical() {
		return fmt.Errorf("frame: not canonical RGBA (format %v, stride %d)", f.Format, f.Stride)
	}
	if want := f.Width * f.Height * 4; len(f.Data) != want {
		return fmt.Errorf("frame: %d bytes for %dx%d, want %d", len(f.Data), f.Width, f.Height, want)
	}
	return nil
}

// Normalize converts f in place to packed RGBA.
func (f *Frame) Normalize() error {
	if f.Canonical() && len(f.Data) == f.Width*f.Height*4 {
		f.Stride = f.Width * 4
		return nil
	}
	data, err := pixfmt.ToRGBA(f.Format, f.Data, f.Width, f.Height, f.Stride)
	if err != nil {
		return err
	}
	f.Data = data
	f.Stride = f.Width * 4
	f.Format = pixfmt.RGBA
	return nil
}

// MonitorTarget is a capturable display.
type MonitorTarget interface {
	Name() string
	Width() int
	Height() int
	Grab() (*Frame, error)
	Close()
}

// FrameSink receives captured frames. Push must not block.
type FrameSink interface {
	Push(f *Frame) (dropped bool)
}
