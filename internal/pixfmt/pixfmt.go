// Package pixfmt converts captured pixel layouts to and from packed RGBA.
package pixfmt

import (
	"fmt"
	"strings"
)

// Layout describes the byte order of a 4-byte pixel.
type Layout uint8

const (
	RGBA Layout = iota
	BGRA
	RGBX
	BGRX
	XBGR
	XRGB
)

func (l Layout) String() string {
	switch l {
	case RGBA:
		return "RGBA"
	case BGRA:
		return "BGRA"
	case RGBX:
		return "RGBx"
	case BGRX:
		return "BGRx"
	case XBGR:
		return "xBGR"
	case XRGB:
		return "xRGB"
	default:
		return fmt.Sprintf("Layout(%d)", uint8(l))
	}
}

// ParseLayout accepts the names returned by String, case-insensitively.
func ParseLayout(s string) (Layout, error) {
	for l := RGBA; l <= XRGB; l++ {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel layout %q", s)
}

// HasAlpha reports whether the layout carries a real alpha channel.
// Padding layouts carry an unused byte instead.
func (l Layout) HasAlpha() bool { return l == RGBA || l == BGRA }

// offsets returns the byte positions of R, G, B and the fourth (alpha or
// padding) channel within one pixel.
func (l Layout) offsets() (r, g, b, a int, ok bool) {
	switch l {
	case RGBA, RGBX:
		return 0, 1, 2, 3, true
	case BGRA, BGRX:
		return 2, 1, 0, 3, true
	case XBGR:
		return 3, 2, 1, 0, true
	case XRGB:
		return 1, 2, 3, 0, true
	}
	return 0, 0, 0, 0, false
}

// ToRGBA packs a width x height image of the given layout into canonical
// RGBA. stride is the source row length in bytes; zero means width*4.
// Padding layouts produce opaque pixels.
func ToRGBA(l Layout, src []byte, width, height, stride int) ([]byte, error) {
	ro, gi, bo, ao, ok := l.offsets()
	if !ok {
		return nil, fmt.Errorf("pixfmt: unsupported layout %v", l)
	}
	if err := checkGeometry(len(src), width, height, stride); err != nil {
		return nil, err
	}
	if stride == 0 {
		stride = width * 4
	}

	dst := make([]byte, width*height*4)
	alpha := l.HasAlpha()
	for y := 0; y < height; y++ {
		row := src[y*stride : y*stride+width*4]
		out := dst[y*width*4 : (y+1)*width*4]
		if l == RGBA {
			copy(out, row)
			continue
		}
		for x := 0; x < width*4; x += 4 {
			out[x] = row[x+ro]
			out[x+1] = row[x+gi]
			out[x+2] = row[x+bo]
			if alpha {
				out[x+3] = row[x+ao]
			} else {
				out[x+3] = 0xff
			}
		}
	}
	return dst, nil
}

// FromRGBA converts packed RGBA into the given layout. The alpha byte is
// written into the padding slot of padding layouts.
func FromRGBA(l Layout, rgba []byte, width, height int) ([]byte, error) {
	ro, gi, bo, ao, ok := l.offsets()
	if !ok {
		return nil, fmt.Errorf("pixfmt: unsupported layout %v", l)
	}
	if err := checkGeometry(len(rgba), width, height, 0); err != nil {
		return nil, err
	}

	n := width * height * 4
	dst := make([]byte, n)
	for i := 0; i < n; i += 4 {
		dst[i+ro] = rgba[i]
		dst[i+gi] = rgba[i+1]
		dst[i+bo] = rgba[i+2]
		dst[i+ao] = rgba[i+3]
	}
	return dst, nil
}

func checkGeometry(size, width, height, stride int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("pixfmt: invalid dimensions %dx%d", width, height)
	}
	if stride == 0 {
		stride = width * 4
	}
	if stride < width*4 {
		return fmt.Errorf("pixfmt: stride %d shorter than row of %d pixels", stride, width)
	}
	if need := stride*(height-1) + width*4; size < need {
		return fmt.Errorf("pixfmt: buffer of %d bytes too small for %dx%d (stride %d)", size, width, height, stride)
	}
	return nil
}
