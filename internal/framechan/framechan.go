// Package framechan is the bounded hand-off between the goroutine that
// produces frames and the one that consumes them. The producer never blocks:
// when the queue is full the oldest frame is dropped.
package framechan

import (
	"context"
	"sync/atomic"

	"glimpse/internal/types"
)

// DefaultCapacity matches the depth of the capture pipeline.
const DefaultCapacity = 32

type Queue struct {
	ch     chan *types.Frame
	pushed atomic.Uint64
	drops  atomic.Uint64
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan *types.Frame, capacity)}
}

// Push enqueues f, evicting the oldest queued frame if the queue is full.
// It reports whether a frame was dropped. Safe for a single producer
// running concurrently with consumers.
func (q *Queue) Push(f *types.Frame) bool {
	q.pushed.Add(1)
	dropped := false
	for {
		select {
		case q.ch <- f:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			q.drops.Add(1)
			dropped = true
		default:
		}
	}
}

// TryPop returns the oldest queued frame without blocking.
func (q *Queue) TryPop() (*types.Frame, bool) {
	select {
	case f := <-q.ch:
		return f, true
	default:
		return nil, false
	}
}

// Pop blocks until a frame is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (*types.Frame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Latest drains the queue and returns the newest frame. Older frames are
// counted as drops.
func (q *Queue) Latest() (*types.Frame, bool) {
	var latest *types.Frame
	for {
		select {
		case f := <-q.ch:
			if latest != nil {
				q.drops.Add(1)
			}
			latest = f
		default:
			return latest, latest != nil
		}
	}
}

// Drain discards everything queued and returns how many frames it removed.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

func (q *Queue) Len() int        { return len(q.ch) }
func (q *Queue) Cap() int        { return cap(q.ch) }
func (q *Queue) Pushed() uint64  { return q.pushed.Load() }
func (q *Queue) Dropped() uint64 { return q.drops.Load() }
