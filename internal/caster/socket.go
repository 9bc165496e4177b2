// Package caster implements the sending side of a screen share: it accepts
// receiver registrations over UDP and fans captured frames out to every
// registered receiver.
package caster

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"glimpse/internal/notify"
	"glimpse/internal/platform"
	"glimpse/internal/types"
	"glimpse/internal/wire"
)

const (
	// DefaultLease is how long a receiver stays registered without a heartbeat.
	DefaultLease = 10 * time.Second
	// DefaultSocketBuffer holds two full 1080p RGBA frames.
	DefaultSocketBuffer = 32 << 20
	// DefaultBurst packets go out back to back before the sender pauses
	// for DefaultBurstGap.
	DefaultBurst    = 32
	DefaultBurstGap = 100 * time.Microsecond

	readPoll = 250 * time.Millisecond
	readBuf  = 2048
)

type Config struct {
	// MaxDatagram bounds every frame fragment on the wire.
	MaxDatagram int
	// MaxViewers rejects registrations beyond this many receivers; 0 means no limit.
	MaxViewers int
	// Lease expires silent receivers; negative disables expiry.
	Lease time.Duration
	// SocketBuffer is the requested kernel buffer size in bytes.
	SocketBuffer int
	// Burst and BurstGap pace frame fan-out so a receiver's kernel buffer
	// is not overrun by one frame. A negative BurstGap disables pacing.
	Burst    int
	BurstGap time.Duration
	// SessionID identifies this caster to receivers; generated when empty.
	SessionID string

	LoggerFactory logging.LoggerFactory
}

type registration struct {
	addr     net.Addr
	id       string
	since    time.Time
	lastSeen time.Time
}

// Socket is a bound caster endpoint. One goroutine reads (Serve or
// AwaitRegistration); Broadcast may be called concurrently with it.
type Socket struct {
	conn    net.PacketConn
	cfg     Config
	log     logging.LeveledLogger
	session string

	mu        sync.Mutex
	receivers map[string]*registration
	viewers   *notify.Value[int]

	sendMu     sync.Mutex
	packetizer *wire.Packetizer

	framesSent   atomic.Uint64
	sendFailures atomic.Uint64
	closed       atomic.Bool
	closeOnce    sync.Once
}

// Bind opens a UDP endpoint on addr.
func Bind(addr string, cfg Config) (*Socket, error) {
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
	if cfg.Lease == 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.BurstGap == 0 {
		cfg.BurstGap = DefaultBurstGap
	}

	s := &Socket{
		conn:       conn,
		cfg:        cfg,
		log:        cfg.LoggerFactory.NewLogger("caster"),
		session:    cfg.SessionID,
		receivers:  make(map[string]*registration),
		viewers:    notify.NewValue(0),
		packetizer: wire.NewPacketizer(ssrcFor(cfg.SessionID), cfg.MaxDatagram),
	}
	s.log.Infof("listening on %s (session %s)", conn.LocalAddr(), s.session)
	return s
}

func ssrcFor(session string) uint32 {
	if u, err := uuid.Parse(session); err == nil {
		return binary.BigEndian.Uint32(u[:4])
	}
	var h uint32 = 2166136261
	for i := 0; i < len(session); i++ {
		h = (h ^ uint32(session[i])) * 16777619
	}
	return h
}

func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }
func (s *Socket) SessionID() string   { return s.session }

// Viewers publishes the size of the registered set after every change.
func (s *Socket) Viewers() *notify.Value[int] { return s.viewers }

// ViewerCount returns the current number of registered receivers.
func (s *Socket) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receivers)
}

// Receivers returns the registered addresses, sorted for stable output.
func (s *Socket) Receivers() []net.Addr {
	s.mu.Lock()
	out := make([]net.Addr, 0, len(s.receivers))
	for _, r := range s.receivers {
		out = append(out, r.addr)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// AwaitRegistration blocks until one registration has been accepted and
// acknowledged, processing any other control traffic meanwhile.
func (s *Socket) AwaitRegistration(ctx context.Context) (net.Addr, error) {
	buf := make([]byte, readBuf)
	for {
		n, addr, err := s.read(ctx, buf)
		if err != nil {
			return nil, err
		}
		if s.handle(buf[:n], addr, time.Now()) {
			return addr, nil
		}
	}
}

// Serve handles control traffic until ctx is done or the socket is closed,
// expiring receivers whose lease lapsed along the way.
func (s *Socket) Serve(ctx context.Context) error {
	buf := make([]byte, readBuf)
	sweep := s.cfg.Lease / 4
	lastSweep := time.Now()
	for {
		n, addr, err := s.read(ctx, buf)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		now := time.Now()
		if n > 0 {
			s.handle(buf[:n], addr, now)
		}
		if s.cfg.Lease > 0 && now.Sub(lastSweep) >= sweep {
			s.ExpireStale(now)
			lastSweep = now
		}
	}
}

// read returns n == 0 on a poll timeout so callers get a chance to do
// periodic work.
func (s *Socket) read(ctx context.Context, buf []byte) (int, net.Addr, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		if s.closed.Load() {
			return 0, nil, types.ErrClosed
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(readPoll)); err != nil {
			return 0, nil, s.mapErr(err)
		}
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return 0, nil, nil
			}
			return 0, nil, s.mapErr(err)
		}
		if n > 0 {
			return n, addr, nil
		}
	}
}

func (s *Socket) mapErr(err error) error {
	if errors.Is(err, net.ErrClosed) || s.closed.Load() {
		return types.ErrClosed
	}
	return err
}

// handle processes one control datagram and reports whether it was an
// accepted registration.
func (s *Socket) handle(b []byte, addr net.Addr, now time.Time) bool {
	if wire.Classify(b) != wire.KindControl {
		s.log.Debugf("ignoring %d byte datagram from %s", len(b), addr)
		return false
	}
	msg, err := wire.ParseMessage(b)
	if err != nil {
		s.log.Debugf("dropping datagram from %s: %v", addr, err)
		return false
	}

	switch msg.Type {
	case wire.TypeRegister:
		if msg.Version != wire.ProtocolVersion {
			s.reject(addr, fmt.Sprintf("protocol version %d not supported (want %d)", msg.Version, wire.ProtocolVersion))
			return false
		}
		if reason := s.add(addr, msg.ID, now); reason != "" {
			s.reject(addr, reason)
			return false
		}
		if err := s.send(addr, wire.Message{Type: wire.TypeAck, Session: s.session}); err != nil {
			s.log.Warnf("ack to %s failed: %v", addr, err)
		}
		return true
	case wire.TypeUnregister:
		s.Unregister(addr)
	case wire.TypeHeartbeat:
		if !s.touch(addr, now) {
			s.reject(addr, wire.ReasonNotRegistered)
		}
	default:
		s.log.Debugf("unexpected %s from %s", msg.Type, addr)
	}
	return false
}

// add registers addr or refreshes an existing registration. It returns a
// rejection reason when the receiver cannot be admitted.
func (s *Socket) add(addr net.Addr, id string, now time.Time) string {
	key := addr.String()

	s.mu.Lock()
	if r, ok := s.receivers[key]; ok {
		r.lastSeen = now
		r.id = id
		s.mu.Unlock()
		s.log.Debugf("receiver %s re-registered", key)
		return ""
	}
	if s.cfg.MaxViewers > 0 && len(s.receivers) >= s.cfg.MaxViewers {
		s.mu.Unlock()
		return fmt.Sprintf("viewer limit of %d reached", s.cfg.MaxViewers)
	}
	s.receivers[key] = &registration{addr: addr, id: id, since: now, lastSeen: now}
	count := len(s.receivers)
	s.viewers.Set(count)
	s.mu.Unlock()

	s.log.Infof("receiver %s registered (id %s, %d viewers)", key, id, count)
	return ""
}

// touch refreshes the lease of addr and reports whether it was registered.
func (s *Socket) touch(addr net.Addr, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receivers[addr.String()]
	if ok {
		r.lastSeen = now
	}
	return ok
}

// Unregister removes addr. It is a no-op for unknown addresses and reports
// whether anything was removed.
func (s *Socket) Unregister(addr net.Addr) bool {
	key := addr.String()
	s.mu.Lock()
	if _, ok := s.receivers[key]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.receivers, key)
	count := len(s.receivers)
	s.viewers.Set(count)
	s.mu.Unlock()

	s.log.Infof("receiver %s unregistered (%d viewers)", key, count)
	return true
}

// ExpireStale drops receivers not heard from within the lease and returns
// how many were removed.
func (s *Socket) ExpireStale(now time.Time) int {
	if s.cfg.Lease <= 0 {
		return 0
	}
	s.mu.Lock()
	var expired []string
	for key, r := range s.receivers {
		if now.Sub(r.lastSeen) > s.cfg.Lease {
			delete(s.receivers, key)
			expired = append(expired, key)
		}
	}
	count := len(s.receivers)
	if len(expired) > 0 {
		s.viewers.Set(count)
	}
	s.mu.Unlock()

	for _, key := range expired {
		s.log.Infof("receiver %s lease expired (%d viewers)", key, count)
	}
	return len(expired)
}

// Broadcast sends f to every registered receiver and returns how many got
// the complete frame. A failure towards one receiver is logged and does not
// affect the others.
func (s *Socket) Broadcast(f *types.Frame) (int, error) {
	if s.closed.Load() {
		return 0, types.ErrClosed
	}
	targets := s.Receivers()
	if len(targets) == 0 {
		return 0, nil
	}

	payload, err := wire.EncodeFrame(f)
	if err != nil {
		return 0, err
	}
	at := f.Captured
	if at.IsZero() {
		at = time.Now()
	}
	s.sendMu.Lock()
	packets, err := s.packetizer.Packetize(payload, at)
	s.sendMu.Unlock()
	if err != nil {
		return 0, err
	}

	served := 0
	for _, err := range s.fanOut(targets, packets) {
		if err != nil {
			n := s.sendFailures.Add(1)
			if n <= 5 || n%100 == 0 {
				s.log.Warnf("%v (%d send failures)", err, n)
			}
			continue
		}
		served++
	}
	s.framesSent.Add(1)
	return served, nil
}

// fanOut sends packets to every target a burst at a time, interleaving
// targets so that pacing costs the same for one receiver or many. The
// returned slice holds one error per target; a failed target is skipped
// for the rest of the frame.
func (s *Socket) fanOut(targets []net.Addr, packets [][]byte) []error {
	errs := make([]error, len(targets))
	burst := s.cfg.Burst
	for start := 0; start < len(packets); start += burst {
		end := min(start+burst, len(packets))
		for i, addr := range targets {
			if errs[i] != nil {
				continue
			}
			for _, p := range packets[start:end] {
				if _, err := s.conn.WriteTo(p, addr); err != nil {
					errs[i] = &types.SendError{Addr: addr.String(), Err: err}
					break
				}
			}
		}
		if end < len(packets) && s.cfg.BurstGap > 0 {
			time.Sleep(s.cfg.BurstGap)
		}
	}
	return errs
}

func (s *Socket) send(addr net.Addr, m wire.Message) error {
	b, err := wire.MarshalMessage(m)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(b, addr)
	return err
}

func (s *Socket) reject(addr net.Addr, reason string) {
	s.log.Infof("rejecting %s: %s", addr, reason)
	if err := s.send(addr, wire.Message{Type: wire.TypeReject, Session: s.session, Reason: reason}); err != nil {
		s.log.Warnf("reject to %s failed: %v", addr, err)
	}
}

// FramesSent and SendFailures are lifetime counters.
func (s *Socket) FramesSent() uint64   { return s.framesSent.Load() }
func (s *Socket) SendFailures() uint64 { return s.sendFailures.Load() }

// Close tells registered receivers the session is over and releases the
// socket. It is idempotent.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, addr := range s.Receivers() {
			_ = s.send(addr, wire.Message{Type: wire.TypeBye, Session: s.session})
		}
		s.closed.Store(true)
		err = s.conn.Close()

		s.mu.Lock()
		had := len(s.receivers)
		clear(s.receivers)
		if had > 0 {
			s.viewers.Set(0)
		}
		s.mu.Unlock()
		s.log.Infof("session %s closed", s.session)
	})
	return err
}
