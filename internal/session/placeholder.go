package session

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"glimpse/internal/types"
)

const placeholderCaption = "sharing paused"

var (
	placeholderFill = color.RGBA{R: 0x20, G: 0x20, B: 0x24, A: 0xff}
	placeholderText = color.RGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff}
)

// Placeholder renders the frame sent in place of real pixels while a share
// is blanked: a solid fill with a centered caption.
func Placeholder(width, height int) *types.Frame {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(placeholderFill), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(placeholderText), Face: face}
	textW := d.MeasureString(placeholderCaption).Ceil()
	if textW <= width && face.Height <= height {
		x := (width - textW) / 2
		y := (height-face.Height)/2 + face.Ascent
		d.Dot = fixed.P(x, y)
		d.DrawString(placeholderCaption)
	}
	return types.NewFrame(width, height, img.Pix)
}

// placeholders caches the last rendered placeholder; frame sizes rarely change.
type placeholders struct {
	last *types.Frame
}

func (p *placeholders) get(width, height int) *types.Frame {
	if p.last == nil || p.last.Width != width || p.last.Height != height {
		p.last = Placeholder(width, height)
	}
	return p.last
}
