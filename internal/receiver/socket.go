// Package receiver implements the viewing side of a screen share: it
// registers with a caster and reassembles the frames the caster sends.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"glimpse/internal/platform"
	"glimpse/internal/types"
	"glimpse/internal/wire"
)

const (
	DefaultRegisterTimeout   = 5 * time.Second
	DefaultRetryInterval     = 500 * time.Millisecond
	DefaultHeartbeatInterval = 3 * time.Second
	// DefaultSocketBuffer holds two full 1080p RGBA frames.
	DefaultSocketBuffer = 32 << 20

	readPoll = 200 * time.Millisecond
	readBuf  = 65536
)

type Config struct {
	// ID is sent with every registration; generated when empty.
	ID string
	// RegisterTimeout bounds the whole handshake.
	RegisterTimeout time.Duration
	// RetryInterval is how often an unanswered register is resent.
	RetryInterval time.Duration
	// HeartbeatInterval keeps the caster lease alive; negative disables.
	HeartbeatInterval time.Duration
	// MaxPending is the number of partial frames kept during reassembly.
	MaxPending   int
	SocketBuffer int

	LoggerFactory logging.LoggerFactory
}

// Socket is a bound receiver endpoint. Register and ReceiveFrame must not
// be called concurrently.
type Socket struct {
	conn net.PacketConn
	cfg  Config
	log  logging.LeveledLogger

	mu         sync.Mutex
	caster     net.Addr
	session    string
	registered bool

	buf           []byte
	deadline      time.Time // read deadline currently set on conn
	reasm         *wire.Reassembler
	lastHeartbeat atomic.Int64 // unix nanos
	received      atomic.Uint64
	dropped       atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
}

// Bind opens a local UDP endpoint; an empty addr picks any free port.
func Bind(addr string, cfg Config) (*Socket, error) {
	if addr == "" {
		addr = "0.0.0.0:0"
	}
	network := "udp4"
	if strings.Contains(addr, "[") {
		network = "udp6"
	}
	conn, err := net.ListenPacket(network, addr)
	if err != nil {
		return nil, &types.BindError{Addr: addr, Err: err}
	}
	if cfg.SocketBuffer == 0 {
		cfg.SocketBuffer = DefaultSocketBuffer
	}
	s := New(conn, cfg)
	if err := platform.TuneUDP(conn, cfg.SocketBuffer); err != nil {
		s.log.Warnf("socket buffer tuning failed: %v", err)
	}
	return s, nil
}

// New wraps an already bound packet connection.
func New(conn net.PacketConn, cfg Config) *Socket {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = DefaultRegisterTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Socket{
		conn:  conn,
		cfg:   cfg,
		log:   cfg.LoggerFactory.NewLogger("receiver"),
		buf:   make([]byte, readBuf),
		reasm: wire.NewReassembler(cfg.MaxPending),
	}
}

func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }
func (s *Socket) ID() string          { return s.cfg.ID }

// Session returns the caster session id, empty before registration.
func (s *Socket) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Socket) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// Register performs the handshake with the caster at addr, resending the
// request until it is acknowledged, rejected, or RegisterTimeout elapses.
func (s *Socket) Register(ctx context.Context, casterAddr string) error {
	if s.closed.Load() {
		return types.ErrClosed
	}
	network := "udp4"
	if strings.Contains(casterAddr, "[") {
		network = "udp6"
	}
	caster, err := net.ResolveUDPAddr(network, casterAddr)
	if err != nil {
		return fmt.Errorf("resolve caster %q: %w", casterAddr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RegisterTimeout)
	defer cancel()

	req := wire.Message{Type: wire.TypeRegister, ID: s.cfg.ID}
	buf := s.buf
	attempts := 0
	start := time.Now()
	for {
		if err := s.send(caster, req); err != nil {
			s.log.Debugf("register to %s: %v", caster, err)
		}
		attempts++

		retryAt := time.Now().Add(s.cfg.RetryInterval)
		for time.Now().Before(retryAt) {
			n, from, err := s.read(ctx, buf)
			if err != nil {
				if ctx.Err() == context.DeadlineExceeded {
					s.log.Warnf("caster %s did not answer %d register attempts", caster, attempts)
					return &types.RegistrationTimeoutError{Caster: caster.String(), After: time.Since(start)}
				}
				return err
			}
			if n == 0 || !sameAddr(from, caster) || wire.Classify(buf[:n]) != wire.KindControl {
				continue
			}
			msg, err := wire.ParseMessage(buf[:n])
			if err != nil {
				s.log.Debugf("dropping reply from %s: %v", from, err)
				continue
			}
			switch msg.Type {
			case wire.TypeAck:
				s.mu.Lock()
				s.caster, s.session, s.registered = caster, msg.Session, true
				s.mu.Unlock()
				s.reasm.Reset()
				s.lastHeartbeat.Store(time.Now().UnixNano())
				s.log.Infof("registered with %s (session %s)", caster, msg.Session)
				return nil
			case wire.TypeReject:
				return &types.RegistrationRejectedError{Caster: caster.String(), Reason: msg.Reason}
			}
		}
	}
}

// ReceiveFrame blocks until a complete frame arrives from the caster.
// Malformed datagrams and datagrams from other senders are dropped. It
// returns ErrCasterGone once the caster ends the session.
func (s *Socket) ReceiveFrame(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	caster, registered := s.caster, s.registered
	s.mu.Unlock()
	if !registered {
		return nil, errors.New("receiver: not registered")
	}

	buf := s.buf
	for {
		if s.cfg.HeartbeatInterval > 0 && time.Since(time.Unix(0, s.lastHeartbeat.Load())) >= s.cfg.HeartbeatInterval {
			if err := s.Heartbeat(); err != nil {
				s.log.Debugf("heartbeat: %v", err)
			}
		}

		n, from, err := s.read(ctx, buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		if !sameAddr(from, caster) {
			s.log.Debugf("ignoring datagram from stranger %s", from)
			continue
		}

		switch wire.Classify(buf[:n]) {
		case wire.KindFragment:
			payload, err := s.reasm.Push(buf[:n])
			if err != nil {
				s.drop(err)
				continue
			}
			if payload == nil {
				continue
			}
			f, err := wire.DecodeFrame(payload)
			if err != nil {
				s.drop(err)
				continue
			}
			s.received.Add(1)
			return f, nil
		case wire.KindControl:
			msg, err := wire.ParseMessage(buf[:n])
			if err != nil {
				s.drop(err)
				continue
			}
			switch msg.Type {
			case wire.TypeBye:
				s.mu.Lock()
				s.registered = false
				s.mu.Unlock()
				s.log.Infof("caster %s ended session %s", caster, msg.Session)
				return nil, types.ErrCasterGone
			case wire.TypeReject:
				if msg.Reason == wire.ReasonNotRegistered {
					// Our lease lapsed at the caster. Ask again; the next
					// heartbeat repeats this if the request is lost.
					s.log.Warnf("caster %s expired our lease, registering again", caster)
					if err := s.send(caster, wire.Message{Type: wire.TypeRegister, ID: s.cfg.ID}); err != nil {
						s.log.Debugf("re-register: %v", err)
					}
					continue
				}
				s.mu.Lock()
				s.registered = false
				s.mu.Unlock()
				return nil, &types.RegistrationRejectedError{Caster: caster.String(), Reason: msg.Reason}
			case wire.TypeAck:
				s.mu.Lock()
				s.session = msg.Session
				s.mu.Unlock()
				s.lastHeartbeat.Store(time.Now().UnixNano())
				s.log.Infof("registered again with %s (session %s)", caster, msg.Session)
			}
		default:
			s.drop(fmt.Errorf("unrecognized %d byte datagram", n))
		}
	}
}

func (s *Socket) drop(err error) {
	n := s.dropped.Add(1)
	if n <= 5 || n%100 == 0 {
		s.log.Debugf("dropped datagram (%d so far): %v", n, err)
	}
}

// Heartbeat refreshes the caster's lease on this receiver.
func (s *Socket) Heartbeat() error {
	s.lastHeartbeat.Store(time.Now().UnixNano())
	s.mu.Lock()
	caster, registered := s.caster, s.registered
	s.mu.Unlock()
	if !registered {
		return nil
	}
	return s.send(caster, wire.Message{Type: wire.TypeHeartbeat, ID: s.cfg.ID})
}

// Unregister tells the caster to stop sending. It is best-effort: the
// caster's lease expiry covers a lost datagram. Calling it again is a no-op.
func (s *Socket) Unregister() error {
	s.mu.Lock()
	caster, registered := s.caster, s.registered
	s.registered = false
	s.mu.Unlock()
	if !registered {
		return nil
	}
	s.log.Infof("unregistering from %s", caster)
	return s.send(caster, wire.Message{Type: wire.TypeUnregister, ID: s.cfg.ID})
}

// FramesReceived counts decoded frames; Dropped counts discarded datagrams.
func (s *Socket) FramesReceived() uint64 { return s.received.Load() }
func (s *Socket) Dropped() uint64        { return s.dropped.Load() }

// ReassemblyStats is only safe to call from the goroutine that receives.
func (s *Socket) ReassemblyStats() wire.ReassemblyStats { return s.reasm.Stats() }

// Close unregisters and releases the socket. It is idempotent.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if uerr := s.Unregister(); uerr != nil {
			s.log.Debugf("unregister on close: %v", uerr)
		}
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

func (s *Socket) send(to net.Addr, m wire.Message) error {
	b, err := wire.MarshalMessage(m)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(b, to); err != nil {
		return &types.SendError{Addr: to.String(), Err: err}
	}
	return nil
}

// read returns n == 0 when the poll interval passes without a datagram.
func (s *Socket) read(ctx context.Context, buf []byte) (int, net.Addr, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if s.closed.Load() {
		return 0, nil, types.ErrClosed
	}
	// The deadline is set once per poll window, not per datagram; a frame
	// burst is thousands of datagrams.
	now := time.Now()
	d, hasDeadline := ctx.Deadline()
	if !now.Before(s.deadline) || (hasDeadline && d.Before(s.deadline)) {
		deadline := now.Add(readPoll)
		if hasDeadline && d.Before(deadline) {
			deadline = d
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return 0, nil, s.mapErr(err)
		}
		s.deadline = deadline
	}
	n, addr, err := s.conn.ReadFrom(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, nil, ctx.Err()
		}
		return 0, nil, s.mapErr(err)
	}
	return n, addr, nil
}

func (s *Socket) mapErr(err error) error {
	if errors.Is(err, net.ErrClosed) || s.closed.Load() {
		return types.ErrClosed
	}
	return err
}

func sameAddr(a, b net.Addr) bool {
	ua, ok1 := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if ok1 && ok2 {
		return ua.Port == ub.Port && (ua.IP.Equal(ub.IP) || ub.IP.IsUnspecified())
	}
	return a.String() == b.String()
}
