package pixfmt

import (
	"bytes"
	"testing"
)

func opaqueFrame(w, h int) []byte {
	buf := make([]byte, w*h*4)
	for i := 0; i < len(buf); i += 4 {
		buf[i] = byte(i)
		buf[i+1] = byte(i * 7)
		buf[i+2] = byte(i * 13)
		buf[i+3] = 0xff
	}
	return buf
}

func TestRoundTripAllLayouts(t *testing.T) {
	const w, h = 5, 3
	src := opaqueFrame(w, h)
	for _, l := range []Layout{RGBA, BGRA, RGBX, BGRX, XBGR, XRGB} {
		t.Run(l.String(), func(t *testing.T) {
			converted, err := FromRGBA(l, src, w, h)
			if err != nil {
				t.Fatalf("FromRGBA: %v", err)
			}
			if len(converted) != w*h*4 {
				t.Fatalf("FromRGBA length = %d, want %d", len(converted), w*h*4)
			}
			back, err := ToRGBA(l, converted, w, h, 0)
			if err != nil {
				t.Fatalf("ToRGBA: %v", err)
			}
			if !bytes.Equal(back, src) {
				t.Errorf("round trip mismatch:\n got %v\nwant %v", back, src)
			}
		})
	}
}

func TestRoundTripPreservesAlpha(t *testing.T) {
	src := []byte{1, 2, 3, 4, 5, 6, 7, 0, 9, 10, 11, 128}
	for _, l := range []Layout{RGBA, BGRA} {
		converted, err := FromRGBA(l, src, 3, 1)
		if err != nil {
			t.Fatal(err)
		}
		back, err := ToRGBA(l, converted, 3, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(back, src) {
			t.Errorf("%v: got %v, want %v", l, back, src)
		}
	}
}

func TestToRGBAByteOrder(t *testing.T) {
	tests := []struct {
		layout Layout
		pixel  []byte
	}{
		{BGRA, []byte{30, 20, 10, 40}},
		{RGBX, []byte{10, 20, 30, 0}},
		{BGRX, []byte{30, 20, 10, 0}},
		{XBGR, []byte{0, 30, 20, 10}},
		{XRGB, []byte{0, 10, 20, 30}},
	}
	for _, tt := range tests {
		got, err := ToRGBA(tt.layout, tt.pixel, 1, 1, 0)
		if err != nil {
			t.Fatalf("%v: %v", tt.layout, err)
		}
		want := []byte{10, 20, 30, 0xff}
		if tt.layout == BGRA {
			want[3] = 40
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%v: got %v, want %v", tt.layout, got, want)
		}
	}
}

func TestToRGBAHonoursStride(t *testing.T) {
	// 2x2 BGRA with 4 bytes of row padding.
	src := []byte{
		3, 2, 1, 255, 6, 5, 4, 255, 0xee, 0xee, 0xee, 0xee,
		9, 8, 7, 255, 12, 11, 10, 255, 0xee, 0xee, 0xee, 0xee,
	}
	got, err := ToRGBA(BGRA, src, 2, 2, 12)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 255, 4, 5, 6, 255, 7, 8, 9, 255, 10, 11, 12, 255}
	if !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGeometryErrors(t *testing.T) {
	if _, err := ToRGBA(RGBA, make([]byte, 15), 2, 2, 0); err == nil {
		t.Error("expected error for short buffer")
	}
	if _, err := ToRGBA(RGBA, make([]byte, 16), 2, 2, 4); err == nil {
		t.Error("expected error for stride shorter than a row")
	}
	if _, err := FromRGBA(BGRA, nil, 0, 1); err == nil {
		t.Error("expected error for zero width")
	}
	if _, err := ToRGBA(Layout(99), make([]byte, 4), 1, 1, 0); err == nil {
		t.Error("expected error for unknown layout")
	}
}

func TestParseLayout(t *testing.T) {
	for _, l := range []Layout{RGBA, BGRA, RGBX, BGRX, XBGR, XRGB} {
		got, err := ParseLayout(l.String())
		if err != nil || got != l {
			t.Errorf("ParseLayout(%q) = %v, %v", l.String(), got, err)
		}
	}
	if got, err := ParseLayout("bgrx"); err != nil || got != BGRX {
		t.Errorf("ParseLayout(bgrx) = %v, %v", got, err)
	}
	if _, err := ParseLayout("yuv"); err == nil {
		t.Error("expected error for yuv")
	}
}
