package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"

	"glimpse/internal/framechan"
	"glimpse/internal/receiver"
	"glimpse/internal/types"
)

type ReceiverConfig struct {
	// Caster is the address to register with.
	Caster string
	// Listen is the local UDP address; empty picks a free port.
	Listen    string
	QueueSize int
	Socket    receiver.Config

	LoggerFactory logging.LoggerFactory
}

type receiverRun struct {
	sock   *receiver.Socket
	stop   atomic.Bool
	gone   atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  *framechan.Queue
}

// Receiver views a remote share. Each Start registers anew; frames are
// polled with TryFrame.
type Receiver struct {
	cfg    ReceiverConfig
	log    logging.LeveledLogger
	events *emitter

	opMu sync.Mutex

	mu          sync.Mutex
	run         *receiverRun
	justStopped bool
	lastErr     error
	closed      bool

	latest   atomic.Pointer[types.Frame]
	received atomic.Uint64
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Socket.LoggerFactory == nil {
		cfg.Socket.LoggerFactory = cfg.LoggerFactory
	}
	return &Receiver{
		cfg:    cfg,
		log:    cfg.LoggerFactory.NewLogger("session"),
		events: newEmitter(),
	}
}

// Start binds a socket and registers with the caster. Registration failures
// are returned and also reported as a Registration event. It is a no-op
// while a run is active.
func (r *Receiver) Start(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	closed, run := r.closed, r.run
	r.mu.Unlock()
	if closed {
		return types.ErrClosed
	}
	if run != nil {
		if !run.gone.Load() {
			return nil
		}
		r.stopLocked()
	}

	sock, err := receiver.Bind(r.cfg.Listen, r.cfg.Socket)
	if err != nil {
		return r.failStart(err)
	}
	if err := sock.Register(ctx, r.cfg.Caster); err != nil {
		sock.Close()
		return r.failStart(err)
	}
	r.events.emit(Event{Kind: EventRegistration})

	run = &receiverRun{sock: sock, queue: framechan.New(r.cfg.QueueSize)}
	run.ctx, run.cancel = context.WithCancel(context.Background())
	run.wg.Add(1)
	go func() {
		defer run.wg.Done()
		r.receive(run)
	}()

	r.mu.Lock()
	r.run = run
	r.justStopped = false
	r.lastErr = nil
	r.mu.Unlock()
	return nil
}

func (r *Receiver) failStart(err error) error {
	r.log.Warnf("cannot view %s: %v", r.cfg.Caster, err)
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	r.events.emit(Event{Kind: EventRegistration, Err: err.Error()})
	return err
}

func (r *Receiver) receive(run *receiverRun) {
	for !run.stop.Load() {
		f, err := run.sock.ReceiveFrame(run.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, types.ErrClosed) {
				return
			}
			if !errors.Is(err, types.ErrCasterGone) {
				r.log.Errorf("receive: %v", err)
			}
			run.gone.Store(true)
			r.mu.Lock()
			r.lastErr = err
			r.mu.Unlock()
			r.events.emit(Event{Kind: EventStopped, Err: err.Error()})
			return
		}
		if run.stop.Load() {
			return
		}
		run.queue.Push(f)
		r.latest.Store(f)
		r.received.Add(1)
		r.events.emit(Event{Kind: EventFrameReceived, Width: f.Width, Height: f.Height})
	}
}

// TryFrame returns the newest received frame without blocking, discarding
// any older ones still queued.
func (r *Receiver) TryFrame() (*types.Frame, bool) {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run == nil {
		return nil, false
	}
	return run.queue.Latest()
}

// LatestFrame returns the last frame received in any run.
func (r *Receiver) LatestFrame() (*types.Frame, bool) {
	f := r.latest.Load()
	return f, f != nil
}

// Stop ends the run, unregisters and closes the socket. It is idempotent.
func (r *Receiver) Stop() {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.stopLocked()
}

func (r *Receiver) stopLocked() {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run == nil {
		return
	}

	run.stop.Store(true)
	run.cancel()
	run.wg.Wait()
	if err := run.sock.Close(); err != nil {
		r.log.Debugf("close receiver socket: %v", err)
	}
	run.queue.Drain()

	r.mu.Lock()
	r.run = nil
	r.justStopped = true
	r.mu.Unlock()

	r.log.Infof("stopped viewing %s", r.cfg.Caster)
	if !run.gone.Load() {
		r.events.emit(Event{Kind: EventStopped})
	}
}

func (r *Receiver) Events() <-chan Event { return r.events.ch }

func (r *Receiver) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run != nil && !r.run.gone.Load()
}

func (r *Receiver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		Role:        RoleReceiver,
		Running:     r.run != nil && !r.run.gone.Load(),
		JustStopped: r.justStopped,
		Peer:        r.cfg.Caster,
		Frames:      r.received.Load(),
		Err:         errString(r.lastErr),
	}
	if r.run != nil {
		st.Addr = r.run.sock.LocalAddr().String()
		st.Session = r.run.sock.Session()
		st.Dropped = r.run.sock.Dropped() + r.run.queue.Dropped()
	}
	if f := r.latest.Load(); f != nil {
		st.Width, st.Height = f.Width, f.Height
	}
	return st
}

func (r *Receiver) Close() error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.stopLocked()
	r.events.close()
	return nil
}
