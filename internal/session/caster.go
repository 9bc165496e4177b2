package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"glimpse/internal/capture"
	"glimpse/internal/caster"
	"glimpse/internal/framechan"
	"glimpse/internal/region"
	"glimpse/internal/types"
)

type CasterConfig struct {
	// Listen is the UDP address receivers register with.
	Listen string
	Target types.MonitorTarget
	FPS    int
	// QueueSize bounds the capture to send hand-off.
	QueueSize int
	// StatsInterval enables periodic pipeline logging when positive.
	StatsInterval time.Duration
	Socket        caster.Config

	LoggerFactory logging.LoggerFactory
}

// casterRun is the context of one sharing run. The capture and send
// goroutines only see this, never the Caster.
type casterRun struct {
	stop   atomic.Bool
	blank  atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queue  *framechan.Queue
	loop   *capture.Loop
	region *region.Selection
	err    atomic.Pointer[error]
}

// Caster shares a monitor with every registered receiver. Registrations are
// served for the whole lifetime of the Caster; sharing is toggled with
// Start and Stop.
type Caster struct {
	cfg    CasterConfig
	log    logging.LeveledLogger
	sock   *caster.Socket
	events *emitter

	cancel context.CancelFunc
	bg     sync.WaitGroup

	opMu sync.Mutex // serializes Start, Stop, SetTarget and Close

	mu          sync.Mutex
	target      types.MonitorTarget
	run         *casterRun
	blanked     bool
	justStopped bool
	lastErr     error
	closed      bool

	latest     atomic.Pointer[types.Frame]
	framesSent atomic.Uint64
	dropped    atomic.Uint64
}

// NewCaster binds the caster socket and starts serving registrations.
func NewCaster(cfg CasterConfig) (*Caster, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Socket.LoggerFactory == nil {
		cfg.Socket.LoggerFactory = cfg.LoggerFactory
	}
	sock, err := caster.Bind(cfg.Listen, cfg.Socket)
	if err != nil {
		return nil, err
	}
	return newCaster(sock, cfg), nil
}

func newCaster(sock *caster.Socket, cfg CasterConfig) *Caster {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Caster{
		cfg:    cfg,
		log:    cfg.LoggerFactory.NewLogger("session"),
		sock:   sock,
		events: newEmitter(),
		cancel: cancel,
		target: cfg.Target,
	}

	c.bg.Add(2)
	go func() {
		defer c.bg.Done()
		if err := sock.Serve(ctx); err != nil && !errors.Is(err, types.ErrClosed) {
			c.log.Errorf("caster socket: %v", err)
		}
	}()
	go func() {
		defer c.bg.Done()
		c.watchViewers(ctx)
	}()
	if cfg.StatsInterval > 0 {
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.logStats(ctx, cfg.StatsInterval)
		}()
	}
	return c
}

func (c *Caster) watchViewers(ctx context.Context) {
	viewers := c.sock.Viewers()
	_, version := viewers.Load()
	for {
		n, v, err := viewers.Next(ctx, version)
		if err != nil {
			return
		}
		version = v
		c.events.emit(Event{Kind: EventViewerCount, Viewers: n})
	}
}

func (c *Caster) logStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		run := c.run
		c.mu.Unlock()
		if run == nil {
			continue
		}
		st := run.loop.Stats()
		c.log.Infof("stats: viewers=%d grabbed=%d failed=%d sent=%d queue_drops=%d send_failures=%d",
			c.sock.ViewerCount(), st.Grabbed, st.Failed, c.framesSent.Load(), run.queue.Dropped(), c.sock.SendFailures())
	}
}

// Start shares the whole target.
func (c *Caster) Start(ctx context.Context) error {
	return c.StartRegion(ctx, nil)
}

// StartRegion shares the part of the target covered by sel, resolved
// against the target's size at every capture. A nil sel shares everything.
// It is a no-op while sharing.
func (c *Caster) StartRegion(ctx context.Context, sel *region.Selection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	closed, running, target, blanked := c.closed, c.run != nil, c.target, c.blanked
	c.mu.Unlock()
	if closed {
		return types.ErrClosed
	}
	if running {
		return nil
	}
	if err := capture.Probe(target); err != nil {
		c.setErr(err)
		return err
	}
	if sel != nil {
		own := *sel
		sel = &own
		rect, err := sel.Resolve(target.Width(), target.Height())
		if err != nil {
			c.setErr(err)
			return err
		}
		c.log.Infof("sharing region %v of %s (%v)", *sel, target.Name(), rect)
	} else {
		c.log.Infof("sharing %s (%dx%d)", target.Name(), target.Width(), target.Height())
	}

	run := &casterRun{queue: framechan.New(c.cfg.QueueSize), region: sel}
	run.ctx, run.cancel = context.WithCancel(context.Background())
	run.blank.Store(blanked)
	run.loop = &capture.Loop{
		Target:   target,
		Region:   sel,
		Sink:     run.queue,
		Interval: capture.IntervalForFPS(c.cfg.FPS),
		Log:      c.cfg.LoggerFactory.NewLogger("capture"),
	}

	run.wg.Add(2)
	go func() {
		defer run.wg.Done()
		if err := run.loop.Run(&run.stop); err != nil {
			c.log.Errorf("capture stopped: %v", err)
			run.err.Store(&err)
		}
	}()
	go func() {
		defer run.wg.Done()
		c.send(run)
	}()

	c.mu.Lock()
	c.run = run
	c.justStopped = false
	c.lastErr = nil
	c.mu.Unlock()
	return nil
}

// send forwards queued frames to the socket until the run is stopped.
// While blanked, a placeholder of the same size replaces every frame.
func (c *Caster) send(run *casterRun) {
	var ph placeholders
	var failures uint64
	for !run.stop.Load() {
		f, err := run.queue.Pop(run.ctx)
		if err != nil {
			return
		}
		if run.stop.Load() {
			return
		}

		out := f
		if run.blank.Load() {
			out = ph.get(f.Width, f.Height)
		}
		c.latest.Store(out)
		n, err := c.sock.Broadcast(out)
		if err != nil {
			if errors.Is(err, types.ErrClosed) {
				return
			}
			c.dropped.Add(1)
			failures++
			if failures <= 5 || failures%100 == 0 {
				c.log.Warnf("broadcast: %v (%d frames failed)", err, failures)
			}
			continue
		}
		c.framesSent.Add(1)
		c.events.emit(Event{Kind: EventFrameSent, Viewers: n, Width: out.Width, Height: out.Height})
	}
}

// Stop ends the sharing run and returns once no further frame can be sent.
// Calling it while not sharing does nothing.
func (c *Caster) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked()
}

func (c *Caster) stopLocked() {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()
	if run == nil {
		return
	}

	run.stop.Store(true)
	run.cancel()
	run.wg.Wait()
	dropped := run.queue.Drain()

	var runErr error
	if p := run.err.Load(); p != nil {
		runErr = *p
	}
	c.mu.Lock()
	c.run = nil
	c.justStopped = true
	if runErr != nil {
		c.lastErr = runErr
	}
	c.mu.Unlock()

	c.log.Infof("sharing stopped (%d queued frames discarded)", dropped)
	c.events.emit(Event{Kind: EventStopped, Err: errString(runErr)})
}

// SetBlanked pauses or resumes transmission of real pixels. Capture keeps
// running either way. The setting carries over to later runs.
func (c *Caster) SetBlanked(on bool) {
	c.mu.Lock()
	c.blanked = on
	if c.run != nil {
		c.run.blank.Store(on)
	}
	c.mu.Unlock()
	c.log.Infof("blanked=%v", on)
}

// SetTarget swaps the monitor to capture. It fails with ErrRunning while
// sharing. The previous target is closed.
func (c *Caster) SetTarget(t types.MonitorTarget) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.ErrClosed
	}
	if c.run != nil {
		return types.ErrRunning
	}
	if c.target != nil && c.target != t {
		c.target.Close()
	}
	c.target = t
	return nil
}

// LatestFrame returns the most recent frame as transmitted: the placeholder
// while blanked, the captured pixels otherwise.
func (c *Caster) LatestFrame() (*types.Frame, bool) {
	f := c.latest.Load()
	return f, f != nil
}

func (c *Caster) Viewers() int           { return c.sock.ViewerCount() }
func (c *Caster) Socket() *caster.Socket { return c.sock }
func (c *Caster) Events() <-chan Event   { return c.events.ch }

func (c *Caster) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

func (c *Caster) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Role:        RoleCaster,
		Running:     c.run != nil,
		JustStopped: c.justStopped,
		Blanked:     c.blanked,
		Viewers:     c.sock.ViewerCount(),
		Addr:        c.sock.LocalAddr().String(),
		Session:     c.sock.SessionID(),
		Frames:      c.framesSent.Load(),
		Dropped:     c.dropped.Load(),
		Err:         errString(c.lastErr),
	}
	if c.target != nil {
		st.Target = c.target.Name()
	}
	if c.run != nil {
		st.Region = c.run.region
		st.Dropped += c.run.queue.Dropped()
	}
	if f := c.latest.Load(); f != nil {
		st.Width, st.Height = f.Width, f.Height
	}
	return st
}

func (c *Caster) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Close stops sharing, says goodbye to receivers and releases the socket
// and target.
func (c *Caster) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stopLocked()
	err := c.sock.Close()
	c.cancel()
	c.bg.Wait()
	c.events.close()

	c.mu.Lock()
	if c.target != nil {
		c.target.Close()
	}
	c.mu.Unlock()
	return err
}
