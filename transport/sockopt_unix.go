//go:build unix

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// setRecvBufferSize sets the kernel socket receive buffer to bytes
// (acquirePort asks for defaultRxSlotsForSockBuf max-size packets), the teacher's
// own golang.org/x/sys dependency put to use here cutting inbound drops at
// the kernel socket queue rather than only at this binding's own circular
// buffer (spec.md §5's "Bounded queues").
func setRecvBufferSize(conn *net.UDPConn, bytes int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
