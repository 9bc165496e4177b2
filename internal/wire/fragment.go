package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pion/rtp"

	"glimpse/internal/types"
)

const (
	rtpHeaderSize = 12
	// fragmentHeaderSize: frameID(4) index(2) count(2) totalLen(4).
	fragmentHeaderSize = 12

	// PayloadType is the dynamic RTP payload type used for raw frames.
	PayloadType = 96

	// DefaultMaxDatagram keeps fragments under a typical path MTU.
	DefaultMaxDatagram = 1200
	minDatagram        = rtpHeaderSize + fragmentHeaderSize + 1

	mediaClockRate = 90000
)

// Packetizer splits serialized frames into RTP datagrams. It is not safe
// for concurrent use.
type Packetizer struct {
	ssrc        uint32
	maxDatagram int
	seq         uint16
	frameID     uint32
	epoch       time.Time
}

func NewPacketizer(ssrc uint32, maxDatagram int) *Packetizer {
	if maxDatagram <= 0 {
		maxDatagram = DefaultMaxDatagram
	}
	if maxDatagram < minDatagram {
		maxDatagram = minDatagram
	}
	return &Packetizer{ssrc: ssrc, maxDatagram: maxDatagram, epoch: time.Now()}
}

// ChunkSize is the number of frame bytes carried per datagram.
func (p *Packetizer) ChunkSize() int {
	return p.maxDatagram - rtpHeaderSize - fragmentHeaderSize
}

// Packetize fragments payload into datagrams sharing a fresh frame id.
// The marker bit is set on the last fragment.
func (p *Packetizer) Packetize(payload []byte, at time.Time) ([][]byte, error) {
	chunk := p.ChunkSize()
	count := (len(payload) + chunk - 1) / chunk
	if count == 0 {
		count = 1
	}
	if count > 0xffff {
		return nil, fmt.Errorf("frame of %d bytes needs %d fragments (max %d)", len(payload), count, 0xffff)
	}

	p.frameID++
	ts := uint32(at.Sub(p.epoch) * mediaClockRate / time.Second)
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * chunk
		end := min(start+chunk, len(payload))

		body := make([]byte, fragmentHeaderSize+end-start)
		binary.BigEndian.PutUint32(body[0:], p.frameID)
		binary.BigEndian.PutUint16(body[4:], uint16(i))
		binary.BigEndian.PutUint16(body[6:], uint16(count))
		binary.BigEndian.PutUint32(body[8:], uint32(len(payload)))
		copy(body[fragmentHeaderSize:], payload[start:end])

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == count-1,
				PayloadType:    PayloadType,
				SequenceNumber: p.seq,
				Timestamp:      ts,
				SSRC:           p.ssrc,
			},
			Payload: body,
		}
		p.seq++
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal rtp: %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// DefaultMaxPending is the number of partially received frames kept.
const DefaultMaxPending = 4

// ReassemblyStats counts reassembler outcomes.
type ReassemblyStats struct {
	Completed  uint64
	Stale      uint64
	Duplicates uint64
	Evicted    uint64
	Malformed  uint64
}

type partial struct {
	count  uint16
	total  uint32
	chunks [][]byte
	got    int
	size   int
}

// Reassembler rebuilds serialized frames from fragments that may arrive out
// of order, duplicated, or not at all. Fragments of frames older than the
// last completed one are discarded. It is not safe for concurrent use.
type Reassembler struct {
	maxPending int
	pending    map[uint32]*partial
	ssrc       uint32
	last       uint32
	haveLast   bool
	stats      ReassemblyStats
}

func NewReassembler(maxPending int) *Reassembler {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Reassembler{maxPending: maxPending, pending: make(map[uint32]*partial)}
}

// Push consumes one datagram. It returns the serialized frame once every
// fragment of it has arrived, and nil otherwise.
func (r *Reassembler) Push(datagram []byte) ([]byte, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		return nil, r.malformed(fmt.Errorf("rtp: %w", err))
	}
	if pkt.PayloadType != PayloadType {
		return nil, r.malformed(fmt.Errorf("unexpected payload type %d", pkt.PayloadType))
	}
	if len(pkt.Payload) < fragmentHeaderSize {
		return nil, r.malformed(fmt.Errorf("fragment of %d bytes", len(pkt.Payload)))
	}

	id := binary.BigEndian.Uint32(pkt.Payload[0:])
	index := binary.BigEndian.Uint16(pkt.Payload[4:])
	count := binary.BigEndian.Uint16(pkt.Payload[6:])
	total := binary.BigEndian.Uint32(pkt.Payload[8:])
	chunk := pkt.Payload[fragmentHeaderSize:]
	if count == 0 || index >= count {
		return nil, r.malformed(fmt.Errorf("fragment %d of %d", index, count))
	}
	if uint64(total) > uint64(count)*0xffff {
		return nil, r.malformed(fmt.Errorf("frame length %d for %d fragments", total, count))
	}

	// A new SSRC means the caster restarted its stream.
	if pkt.SSRC != r.ssrc {
		r.Reset()
		r.ssrc = pkt.SSRC
	}
	if r.haveLast && !newer(id, r.last) {
		r.stats.Stale++
		return nil, nil
	}

	p, ok := r.pending[id]
	if !ok {
		p = &partial{count: count, total: total, chunks: make([][]byte, count)}
		r.pending[id] = p
		r.evict()
	} else if p.count != count || p.total != total {
		delete(r.pending, id)
		return nil, r.malformed(fmt.Errorf("fragment header mismatch for frame %d", id))
	}
	if p.chunks[index] != nil {
		r.stats.Duplicates++
		return nil, nil
	}
	p.chunks[index] = append([]byte(nil), chunk...)
	p.got++
	p.size += len(chunk)
	if p.got < int(p.count) {
		return nil, nil
	}

	delete(r.pending, id)
	if p.size != int(p.total) {
		return nil, r.malformed(fmt.Errorf("frame %d reassembled to %d bytes, header says %d", id, p.size, p.total))
	}
	out := make([]byte, 0, p.size)
	for _, c := range p.chunks {
		out = append(out, c...)
	}
	r.last, r.haveLast = id, true
	for pid := range r.pending {
		if !newer(pid, id) {
			delete(r.pending, pid)
			r.stats.Evicted++
		}
	}
	r.stats.Completed++
	return out, nil
}

// Reset forgets all partial frames and the last delivered frame.
func (r *Reassembler) Reset() {
	clear(r.pending)
	r.haveLast = false
	r.last = 0
}

func (r *Reassembler) Pending() int           { return len(r.pending) }
func (r *Reassembler) Stats() ReassemblyStats { return r.stats }

func (r *Reassembler) evict() {
	for len(r.pending) > r.maxPending {
		var oldest uint32
		first := true
		for id := range r.pending {
			if first || newer(oldest, id) {
				oldest, first = id, false
			}
		}
		delete(r.pending, oldest)
		r.stats.Evicted++
	}
}

func (r *Reassembler) malformed(err error) error {
	r.stats.Malformed++
	return &types.DecodeError{What: "fragment", Err: err}
}

// newer reports whether a follows b in 32-bit serial number order.
func newer(a, b uint32) bool {
	return int32(a-b) > 0
}
