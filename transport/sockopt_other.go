//go:build !unix

package transport

import "net"

// setRecvBufferSize falls back to the portable net.UDPConn.SetReadBuffer
// outside POSIX.
func setRecvBufferSize(conn *net.UDPConn, bytes int) error {
	return conn.SetReadBuffer(bytes)
}
