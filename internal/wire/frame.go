package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"glimpse/internal/pixfmt"
	"glimpse/internal/types"
)

var frameMagic = []byte("GLMF")

// frameHeaderSize: magic(4) version(1) format(1) width(4) height(4).
const frameHeaderSize = 14

// MaxDimension bounds each side of a decoded frame.
const MaxDimension = 16384

// EncodeFrame serializes a canonical RGBA frame.
func EncodeFrame(f *types.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, frameHeaderSize+len(f.Data))
	copy(buf, frameMagic)
	buf[4] = ProtocolVersion
	buf[5] = byte(pixfmt.RGBA)
	binary.BigEndian.PutUint32(buf[6:], uint32(f.Width))
	binary.BigEndian.PutUint32(buf[10:], uint32(f.Height))
	copy(buf[frameHeaderSize:], f.Data)
	return buf, nil
}

// DecodeFrame parses a serialized frame. The pixel slice aliases b.
func DecodeFrame(b []byte) (*types.Frame, error) {
	if len(b) < frameHeaderSize {
		return nil, decodeErr("short header: %d bytes", len(b))
	}
	if !bytes.Equal(b[:4], frameMagic) {
		return nil, decodeErr("bad magic %q", b[:4])
	}
	if b[4] != ProtocolVersion {
		return nil, decodeErr("unsupported version %d", b[4])
	}
	if pixfmt.Layout(b[5]) != pixfmt.RGBA {
		return nil, decodeErr("unsupported pixel format %v", pixfmt.Layout(b[5]))
	}
	w := binary.BigEndian.Uint32(b[6:])
	h := binary.BigEndian.Uint32(b[10:])
	if w == 0 || h == 0 || w > MaxDimension || h > MaxDimension {
		return nil, decodeErr("invalid dimensions %dx%d", w, h)
	}
	pixels := b[frameHeaderSize:]
	if uint64(len(pixels)) != uint64(w)*uint64(h)*4 {
		return nil, decodeErr("%d pixel bytes for %dx%d", len(pixels), w, h)
	}
	return types.NewFrame(int(w), int(h), pixels), nil
}

func decodeErr(format string, args ...any) error {
	return &types.DecodeError{What: "frame", Err: fmt.Errorf(format, args...)}
}
