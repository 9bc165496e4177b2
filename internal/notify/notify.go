// Package notify provides a last-value-wins change notification: one writer
// publishes, any number of readers observe the most recent value. Readers
// that fall behind skip intermediate values.
package notify

import (
	"context"
	"sync"
)

type Value[T any] struct {
	mu      sync.Mutex
	val     T
	version uint64
	changed chan struct{}
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{val: initial, changed: make(chan struct{})}
}

// Set publishes v and wakes every waiting reader.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	v.val = val
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
	v.mu.Unlock()
}

// Load returns the current value and its version. Version 0 is the initial
// value; every Set increments it.
func (v *Value[T]) Load() (T, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val, v.version
}

// Next blocks until the version moves past since, then returns the latest
// value and version.
func (v *Value[T]) Next(ctx context.Context, since uint64) (T, uint64, error) {
	for {
		v.mu.Lock()
		val, version, changed := v.val, v.version, v.changed
		v.mu.Unlock()
		if version > since {
			return val, version, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			var zero T
			return zero, since, ctx.Err()
		}
	}
}

// Changed returns a channel closed on the next Set.
func (v *Value[T]) Changed() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.changed
}

// WaitFor blocks until pred holds for the current value.
func (v *Value[T]) WaitFor(ctx context.Context, pred func(T) bool) (T, error) {
	var since uint64
	val, version := v.Load()
	for !pred(val) {
		since = version
		var err error
		val, version, err = v.Next(ctx, since)
		if err != nil {
			return val, err
		}
	}
	return val, nil
}
