package wire

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"glimpse/internal/types"
)

func TestControlMessageRoundTrip(t *testing.T) {
	b, err := MarshalMessage(Message{Type: TypeRegister, ID: "r-1"})
	if err != nil {
		t.Fatal(err)
	}
	if Classify(b) != KindControl {
		t.Fatalf("Classify(register) = %v, want KindControl", Classify(b))
	}
	m, err := ParseMessage(b)
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != TypeRegister || m.ID != "r-1" || m.Version != ProtocolVersion {
		t.Errorf("ParseMessage = %+v", m)
	}
}

func TestParseMessageRejectsGarbage(t *testing.T) {
	for _, in := range []string{"{", `{"v":1,"type":"shout"}`, `{"type":"ack"}`, "hello"} {
		_, err := ParseMessage([]byte(in))
		var de *types.DecodeError
		if !errors.As(err, &de) {
			t.Errorf("ParseMessage(%q) error = %v, want DecodeError", in, err)
		}
	}
}

func TestFrameCodec(t *testing.T) {
	pixels := bytes.Repeat([]byte{255, 0, 0, 255}, 4)
	enc, err := EncodeFrame(types.NewFrame(2, 2, pixels))
	if err != nil {
		t.Fatal(err)
	}
	f, err := DecodeFrame(enc)
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 2 || f.Height != 2 || !bytes.Equal(f.Data, pixels) {
		t.Errorf("DecodeFrame = %dx%d %v", f.Width, f.Height, f.Data)
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	good, err := EncodeFrame(types.NewFrame(1, 1, []byte{1, 2, 3, 4}))
	if err != nil {
		t.Fatal(err)
	}
	mutate := func(fn func(b []byte) []byte) []byte {
		return fn(append([]byte(nil), good...))
	}
	cases := map[string][]byte{
		"short":     good[:5],
		"magic":     mutate(func(b []byte) []byte { b[0] = 'X'; return b }),
		"version":   mutate(func(b []byte) []byte { b[4] = 9; return b }),
		"format":    mutate(func(b []byte) []byte { b[5] = 1; return b }),
		"zero size": mutate(func(b []byte) []byte { b[9] = 0; return b }),
		"truncated": good[:len(good)-1],
	}
	for name, in := range cases {
		if _, err := DecodeFrame(in); err == nil {
			t.Errorf("%s: DecodeFrame succeeded", name)
		}
	}
}

func TestEncodeFrameRejectsBadLength(t *testing.T) {
	if _, err := EncodeFrame(types.NewFrame(2, 2, make([]byte, 15))); err == nil {
		t.Error("EncodeFrame accepted a short pixel buffer")
	}
}

func packetize(t *testing.T, p *Packetizer, payload []byte) [][]byte {
	t.Helper()
	pkts, err := p.Packetize(payload, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return pkts
}

func TestFragmentationRoundTrip(t *testing.T) {
	payload := make([]byte, 10_000)
	rand.New(rand.NewSource(1)).Read(payload)

	p := NewPacketizer(0xabc, 500)
	pkts := packetize(t, p, payload)
	want := (len(payload) + p.ChunkSize() - 1) / p.ChunkSize()
	if len(pkts) != want {
		t.Fatalf("got %d packets, want %d", len(pkts), want)
	}
	for _, pkt := range pkts {
		if len(pkt) > 500 {
			t.Fatalf("datagram of %d bytes exceeds 500", len(pkt))
		}
		if Classify(pkt) != KindFragment {
			t.Fatal("fragment not classified as KindFragment")
		}
	}

	r := NewReassembler(0)
	var out []byte
	for i, pkt := range pkts {
		got, err := r.Push(pkt)
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			if i != len(pkts)-1 {
				t.Fatalf("frame completed early at fragment %d", i)
			}
			out = got
		}
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("reassembled payload differs")
	}
}

func TestReassemblyToleratesReorderAndDuplicates(t *testing.T) {
	payload := bytes.Repeat([]byte("glimpse"), 400)
	pkts := packetize(t, NewPacketizer(1, 200), payload)

	shuffled := append([][]byte(nil), pkts...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	shuffled = append(shuffled[:3], append([][]byte{shuffled[0], shuffled[1]}, shuffled[3:]...)...)

	r := NewReassembler(0)
	var out []byte
	for _, pkt := range shuffled {
		got, err := r.Push(pkt)
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			out = got
		}
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("reassembled payload differs")
	}
	if r.Stats().Duplicates != 2 {
		t.Errorf("Duplicates = %d, want 2", r.Stats().Duplicates)
	}
}

func TestReassemblyDiscardsStaleFrames(t *testing.T) {
	p := NewPacketizer(1, 100)
	older := packetize(t, p, bytes.Repeat([]byte{1}, 300))
	newer := packetize(t, p, bytes.Repeat([]byte{2}, 300))

	r := NewReassembler(0)
	// First fragment of the older frame, then the whole newer frame.
	if _, err := r.Push(older[0]); err != nil {
		t.Fatal(err)
	}
	var done []byte
	for _, pkt := range newer {
		got, err := r.Push(pkt)
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			done = got
		}
	}
	if done == nil || done[0] != 2 {
		t.Fatal("newer frame not delivered")
	}
	if r.Pending() != 0 {
		t.Errorf("Pending = %d, want older partial evicted", r.Pending())
	}
	for _, pkt := range older[1:] {
		got, err := r.Push(pkt)
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Fatal("stale frame delivered after a newer one")
		}
	}
	if r.Stats().Stale == 0 {
		t.Error("stale fragments not counted")
	}
}

func TestReassemblyBoundsPending(t *testing.T) {
	p := NewPacketizer(1, 100)
	r := NewReassembler(2)
	for i := 0; i < 5; i++ {
		pkts := packetize(t, p, bytes.Repeat([]byte{byte(i)}, 300))
		if _, err := r.Push(pkts[0]); err != nil {
			t.Fatal(err)
		}
	}
	if r.Pending() != 2 {
		t.Errorf("Pending = %d, want 2", r.Pending())
	}
	if r.Stats().Evicted != 3 {
		t.Errorf("Evicted = %d, want 3", r.Stats().Evicted)
	}
}

func TestReassemblyResetsOnNewSSRC(t *testing.T) {
	first := NewPacketizer(1, 100)
	for range 3 {
		packetize(t, first, []byte("x"))
	}
	r := NewReassembler(0)
	if got, _ := r.Push(packetize(t, first, []byte("hello"))[0]); string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	// A restarted caster counts frame ids from 1 again.
	restarted := NewPacketizer(2, 100)
	got, err := r.Push(packetize(t, restarted, []byte("again"))[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "again" {
		t.Errorf("frame from new SSRC = %q, want again", got)
	}
}

func TestReassemblerRejectsMalformed(t *testing.T) {
	r := NewReassembler(0)
	for _, in := range [][]byte{{0x80}, bytes.Repeat([]byte{0x80}, 30)} {
		_, err := r.Push(in)
		var de *types.DecodeError
		if !errors.As(err, &de) {
			t.Errorf("Push(%v) error = %v, want DecodeError", in, err)
		}
	}
}

func TestNewerWrapsAround(t *testing.T) {
	if !newer(1, 0xffffffff) {
		t.Error("1 should follow 0xffffffff")
	}
	if newer(5, 5) || newer(4, 5) {
		t.Error("newer is not strict")
	}
}
