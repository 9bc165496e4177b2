// Package region resolves resolution-independent screen selections into
// absolute pixel rectangles.
package region

import "fmt"

// Scale is the extent of the normalized coordinate space on each axis.
const Scale = 1000

// Selection is a rectangle in normalized coordinates. The corners may be
// given in any order; values outside [0, Scale] are clamped on resolve.
type Selection struct {
	X0, Y0 int
	X1, Y1 int
}

// FromOriginSize builds a selection from a normalized origin and size.
func FromOriginSize(x, y, w, h int) Selection {
	return Selection{X0: x, Y0: y, X1: x + w, Y1: y + h}
}

func (s Selection) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", s.X0, s.Y0, s.X1, s.Y1)
}

// Rect is an absolute pixel rectangle, right and bottom exclusive.
type Rect struct {
	Left, Top     int
	Right, Bottom int
}

func (r Rect) Width() int  { return r.Right - r.Left }
func (r Rect) Height() int { return r.Bottom - r.Top }

// Empty reports whether r covers no pixels.
func (r Rect) Empty() bool { return r.Right <= r.Left || r.Bottom <= r.Top }

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width(), r.Height(), r.Left, r.Top)
}

// Resolve scales s against a monitor of width x height pixels. The result
// always satisfies 0 <= Left < Right <= width and 0 <= Top < Bottom <= height
// as long as both dimensions are positive; degenerate selections collapse to
// a one-pixel span instead of failing.
func (s Selection) Resolve(width, height int) (Rect, error) {
	if width <= 0 || height <= 0 {
		return Rect{}, fmt.Errorf("region: invalid monitor size %dx%d", width, height)
	}
	left, right := span(s.X0, s.X1, width)
	top, bottom := span(s.Y0, s.Y1, height)
	return Rect{Left: left, Top: top, Right: right, Bottom: bottom}, nil
}

// Clamp intersects r with a width x height area, keeping at least one pixel.
func (r Rect) Clamp(width, height int) Rect {
	r.Left = clamp(r.Left, 0, width-1)
	r.Top = clamp(r.Top, 0, height-1)
	r.Right = clamp(r.Right, r.Left+1, width)
	r.Bottom = clamp(r.Bottom, r.Top+1, height)
	return r
}

func span(a, b, extent int) (lo, hi int) {
	if a > b {
		a, b = b, a
	}
	a = clamp(a, 0, Scale)
	b = clamp(b, 0, Scale)

	lo = a * extent / Scale
	hi = (b*extent + Scale - 1) / Scale
	if lo >= extent {
		lo = extent - 1
	}
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
