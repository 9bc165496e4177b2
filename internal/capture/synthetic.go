package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"glimpse/internal/pixfmt"
	"glimpse/internal/types"
)

// Synthetic is a deterministic MonitorTarget. Every grab returns the same
// pixel repeated across the surface, expressed in the configured layout.
// When Animate is set the red channel advances by one each grab.
type Synthetic struct {
	Animate bool

	mu     sync.Mutex
	width  int
	height int
	layout pixfmt.Layout
	pixel  [4]byte // RGBA
	failN  int     // remaining grabs that fail
	grabs  atomic.Uint64
	closed atomic.Bool
}

// NewSynthetic returns a width x height target filled with the RGBA pixel.
func NewSynthetic(width, height int, layout pixfmt.Layout, pixel [4]byte) *Synthetic {
	return &Synthetic{width: width, height: height, layout: layout, pixel: pixel}
}

func (s *Synthetic) Name() string { return fmt.Sprintf("synthetic-%dx%d", s.Width(), s.Height()) }

func (s *Synthetic) Width() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width
}

func (s *Synthetic) Height() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

// Resize changes the reported surface size, as a monitor mode switch would.
func (s *Synthetic) Resize(width, height int) {
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
}

// FailNext makes the next n grabs return an error.
func (s *Synthetic) FailNext(n int) {
	s.mu.Lock()
	s.failN = n
	s.mu.Unlock()
}

// Grabs returns the number of Grab calls, successful or not.
func (s *Synthetic) Grabs() uint64 { return s.grabs.Load() }

func (s *Synthetic) Grab() (*types.Frame, error) {
	s.grabs.Add(1)
	if s.closed.Load() {
		return nil, errors.New("synthetic target closed")
	}

	s.mu.Lock()
	if s.failN > 0 {
		s.failN--
		s.mu.Unlock()
		return nil, errors.New("synthetic grab failure")
	}
	w, h, px := s.width, s.height, s.pixel
	if s.Animate {
		s.pixel[0]++
	}
	s.mu.Unlock()

	rgba := make([]byte, w*h*4)
	for i := 0; i < len(rgba); i += 4 {
		copy(rgba[i:i+4], px[:])
	}
	data, err := pixfmt.FromRGBA(s.layout, rgba, w, h)
	if err != nil {
		return nil, err
	}
	return &types.Frame{Data: data, Width: w, Height: h, Stride: w * 4, Format: s.layout}, nil
}

func (s *Synthetic) Close() { s.closed.Store(true) }
