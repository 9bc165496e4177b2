//go:build !linux

package platform

import (
	"fmt"
	"net"
)

// TuneUDP enlarges the kernel send and receive buffers of conn to bytes.
func TuneUDP(conn net.PacketConn, bytes int) error {
	if bytes <= 0 {
		return nil
	}
	uc, ok := conn.(*net.UDPConn)
	if !ok {
		return nil
	}
	if err := uc.SetReadBuffer(bytes); err != nil {
		return fmt.Errorf("SO_RCVBUF: %w", err)
	}
	if err := uc.SetWriteBuffer(bytes); err != nil {
		return fmt.Errorf("SO_SNDBUF: %w", err)
	}
	return nil
}

// ReceiveBuffer is not available off Linux.
func ReceiveBuffer(conn net.PacketConn) (int, error) {
	return 0, fmt.Errorf("receive buffer size not available on this platform")
}
