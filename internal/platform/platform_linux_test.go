//go:build linux

package platform

import (
	"net"
	"testing"
)

func TestTuneUDPGrowsReceiveBuffer(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	before, err := ReceiveBuffer(conn)
	if err != nil {
		t.Fatal(err)
	}
	if err := TuneUDP(conn, 1<<20); err != nil {
		t.Fatal(err)
	}
	after, err := ReceiveBuffer(conn)
	if err != nil {
		t.Fatal(err)
	}
	// The kernel may cap the request at rmem_max, but never shrinks it.
	if after < before {
		t.Errorf("receive buffer shrank from %d to %d", before, after)
	}
}

func TestTuneUDPIgnoresNonUDP(t *testing.T) {
	if err := TuneUDP(nil, 1<<20); err != nil {
		t.Errorf("TuneUDP(nil) = %v", err)
	}
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := TuneUDP(conn, 0); err != nil {
		t.Errorf("TuneUDP(0) = %v", err)
	}
}
