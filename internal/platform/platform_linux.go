//go:build linux

package platform

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// TuneUDP enlarges the kernel send and receive buffers of conn to bytes.
// The *FORCE variants bypass net.core.{r,w}mem_max when the process has
// CAP_NET_ADMIN; otherwise the plain options are used and the kernel caps them.
func TuneUDP(conn net.PacketConn, bytes int) error {
	if bytes <= 0 {
		return nil
	}
	uc, ok := conn.(*net.UDPConn)
	if !ok {
		return nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var opErr error
	err = raw.Control(func(fd uintptr) {
		if err := setBuf(int(fd), unix.SO_RCVBUFFORCE, unix.SO_RCVBUF, bytes); err != nil {
			opErr = fmt.Errorf("SO_RCVBUF: %w", err)
			return
		}
		if err := setBuf(int(fd), unix.SO_SNDBUFFORCE, unix.SO_SNDBUF, bytes); err != nil {
			opErr = fmt.Errorf("SO_SNDBUF: %w", err)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

func setBuf(fd, force, plain, bytes int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, force, bytes); err == nil {
		return nil
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, plain, bytes)
}

// ReceiveBuffer reports the effective receive buffer size of conn.
func ReceiveBuffer(conn net.PacketConn) (int, error) {
	uc, ok := conn.(*net.UDPConn)
	if !ok {
		return 0, fmt.Errorf("not a UDP socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		size  int
		opErr error
	)
	err = raw.Control(func(fd uintptr) {
		size, opErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	})
	if err != nil {
		return 0, err
	}
	return size, opErr
}
