// Package capture pulls frames from a monitor and hands them to a sink.
package capture

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"glimpse/internal/region"
	"glimpse/internal/types"
)

// DefaultFPS caps the capture rate when none is configured.
const DefaultFPS = 30

// Stats is a snapshot of loop counters.
type Stats struct {
	Grabbed uint64
	Failed  uint64
	Pushed  uint64
	Dropped uint64
}

// Loop repeatedly grabs Target, normalizes to RGBA, crops to Region if set
// and pushes into Sink until the stop flag is raised.
type Loop struct {
	Target   types.MonitorTarget
	Region   *region.Selection
	Sink     types.FrameSink
	Interval time.Duration
	Log      logging.LeveledLogger

	grabbed atomic.Uint64
	failed  atomic.Uint64
	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// IntervalForFPS converts a frame rate into a loop interval.
func IntervalForFPS(fps int) time.Duration {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return time.Second / time.Duration(fps)
}

// Probe checks that target can be captured at all.
func Probe(target types.MonitorTarget) error {
	if target == nil {
		return &types.CaptureError{Target: "<none>", Fatal: true, Err: errors.New("no capture target selected")}
	}
	if w, h := target.Width(), target.Height(); w <= 0 || h <= 0 {
		return &types.CaptureError{Target: target.Name(), Fatal: true, Err: fmt.Errorf("reported size %dx%d", w, h)}
	}
	return nil
}

// Run blocks until stop is set. A target that cannot be probed is fatal;
// failed grabs are logged and retried on the next tick.
func (l *Loop) Run(stop *atomic.Bool) error {
	if err := Probe(l.Target); err != nil {
		return err
	}
	if l.Sink == nil {
		return errors.New("capture: nil sink")
	}
	if l.Log == nil {
		l.Log = logging.NewDefaultLoggerFactory().NewLogger("capture")
	}

	interval := l.Interval
	if interval <= 0 {
		interval = IntervalForFPS(DefaultFPS)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	name := l.Target.Name()
	l.Log.Debugf("capture loop started on %s (%v interval, region %v)", name, interval, l.Region)

	for {
		if stop.Load() {
			l.Log.Debugf("capture loop on %s stopped", name)
			return nil
		}

		if frame, err := l.grab(); err != nil {
			n := l.failed.Add(1)
			if n <= 5 {
				l.Log.Warnf("%v", err)
			} else if n%100 == 0 {
				l.Log.Warnf("%d capture failures so far, last: %v", n, err)
			}
		} else {
			if l.Sink.Push(frame) {
				l.dropped.Add(1)
			}
			l.pushed.Add(1)
		}

		<-ticker.C
	}
}

func (l *Loop) grab() (*types.Frame, error) {
	frame, err := l.Target.Grab()
	if err != nil {
		return nil, &types.CaptureError{Target: l.Target.Name(), Err: err}
	}
	l.grabbed.Add(1)
	if err := frame.Normalize(); err != nil {
		return nil, &types.CaptureError{Target: l.Target.Name(), Err: err}
	}
	if l.Region != nil {
		rect, err := l.Region.Resolve(frame.Width, frame.Height)
		if err != nil {
			return nil, &types.CaptureError{Target: l.Target.Name(), Err: err}
		}
		frame = Crop(frame, rect)
	}
	frame.Captured = time.Now()
	return frame, nil
}

func (l *Loop) Stats() Stats {
	return Stats{
		Grabbed: l.grabbed.Load(),
		Failed:  l.failed.Load(),
		Pushed:  l.pushed.Load(),
		Dropped: l.dropped.Load(),
	}
}
