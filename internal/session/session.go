// Package session drives a share from either side. A Caster owns the capture
// and send goroutines of each sharing run; a Receiver owns the receive
// goroutine of each viewing run. Both expose the same lifecycle so a UI can
// toggle them without caring which role it holds.
package session

import (
	"context"
	"sync"
	"time"

	"glimpse/internal/region"
)

// Controller is the lifecycle every session role implements.
type Controller interface {
	// Start begins a run. It is a no-op while a run is active.
	Start(ctx context.Context) error
	// Stop ends the active run and returns once its goroutines have exited.
	Stop()
	Status() Status
	Events() <-chan Event
	Close() error
}

var (
	_ Controller = (*Caster)(nil)
	_ Controller = (*Receiver)(nil)
)

type Role string

const (
	RoleCaster   Role = "caster"
	RoleReceiver Role = "receiver"
)

// Status is a read-only snapshot for the UI.
type Status struct {
	Role        Role              `json:"role"`
	Running     bool              `json:"running"`
	JustStopped bool              `json:"just_stopped"`
	Blanked     bool              `json:"blanked,omitempty"`
	Viewers     int               `json:"viewers"`
	Addr        string            `json:"addr,omitempty"`
	Peer        string            `json:"peer,omitempty"`
	Session     string            `json:"session,omitempty"`
	Target      string            `json:"target,omitempty"`
	Region      *region.Selection `json:"region,omitempty"`
	Width       int               `json:"width,omitempty"`
	Height      int               `json:"height,omitempty"`
	Frames      uint64            `json:"frames"`
	Dropped     uint64            `json:"dropped"`
	Err         string            `json:"error,omitempty"`
}

type EventKind string

const (
	EventViewerCount   EventKind = "viewer_count"
	EventFrameSent     EventKind = "frame_sent"
	EventFrameReceived EventKind = "frame_received"
	EventRegistration  EventKind = "registration"
	EventStopped       EventKind = "stopped"
)

// Event notifies the UI of a state change. Err is set on a failed
// registration or an abnormal stop.
type Event struct {
	Kind    EventKind `json:"kind"`
	At      time.Time `json:"at"`
	Viewers int       `json:"viewers,omitempty"`
	Width   int       `json:"width,omitempty"`
	Height  int       `json:"height,omitempty"`
	Err     string    `json:"error,omitempty"`
}

const eventBuffer = 64

// Deliver offers ev to ch without blocking. Frame events are shed once ch
// is half full, which keeps room for state changes. A state change that
// still finds ch full evicts the oldest queued event, so the newest viewer
// count or stop always reaches the consumer. Callers must not deliver to
// the same channel concurrently.
func Deliver(ch chan Event, ev Event) bool {
	if ev.Kind == EventFrameSent || ev.Kind == EventFrameReceived {
		if len(ch) >= cap(ch)/2 {
			return false
		}
		select {
		case ch <- ev:
			return true
		default:
			return false
		}
	}
	for {
		select {
		case ch <- ev:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// emitter delivers events without ever blocking the sender.
type emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEmitter() *emitter {
	return &emitter{ch: make(chan Event, eventBuffer)}
}

func (e *emitter) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	Deliver(e.ch, ev)
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
