package capture

import (
	"glimpse/internal/region"
	"glimpse/internal/types"
)

// Crop copies the part of a canonical frame covered by r. The rectangle is
// clamped to the frame first, so a selection made against an older monitor
// size still yields a valid frame.
func Crop(f *types.Frame, r region.Rect) *types.Frame {
	r = r.Clamp(f.Width, f.Height)
	if r.Left == 0 && r.Top == 0 && r.Right == f.Width && r.Bottom == f.Height {
		return f
	}

	w, h := r.Width(), r.Height()
	stride := f.Width * 4
	out := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		src := (r.Top+y)*stride + r.Left*4
		copy(out[y*w*4:(y+1)*w*4], f.Data[src:src+w*4])
	}
	cropped := types.NewFrame(w, h, out)
	cropped.Captured = f.Captured
	return cropped
}
