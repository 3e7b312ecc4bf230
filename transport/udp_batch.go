package transport

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// sendBatch submits bufs as one vectorized write, per spec.md §4.5's "on
// POSIX the batch path uses sendmmsg". golang.org/x/net/ipv{4,6}'s
// PacketConn.WriteBatch is the ecosystem's portable front for this: it
// issues a single sendmmsg(2) on Linux and degrades to a per-packet loop on
// platforms without it (the stand-in for the spec's Windows
// TransmitPackets path, which has no idiomatic Go ecosystem equivalent).
func sendBatch(conn *net.UDPConn, remote *net.UDPAddr, bufs [][]byte) error {
	if remote.IP.To4() != nil {
		return sendBatch4(conn, remote, bufs)
	}
	return sendBatch6(conn, remote, bufs)
}

func sendBatch4(conn *net.UDPConn, remote *net.UDPAddr, bufs [][]byte) error {
	pc := ipv4.NewPacketConn(conn)
	msgs := make([]ipv4.Message, len(bufs))
	for i, b := range bufs {
		msgs[i].Buffers = [][]byte{b}
		msgs[i].Addr = remote
	}
	return writeAll4(pc, msgs)
}

func writeAll4(pc *ipv4.PacketConn, msgs []ipv4.Message) error {
	for len(msgs) > 0 {
		n, err := pc.WriteBatch(msgs, 0)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		msgs = msgs[n:]
	}
	return nil
}

func sendBatch6(conn *net.UDPConn, remote *net.UDPAddr, bufs [][]byte) error {
	pc := ipv6.NewPacketConn(conn)
	msgs := make([]ipv6.Message, len(bufs))
	for i, b := range bufs {
		msgs[i].Buffers = [][]byte{b}
		msgs[i].Addr = remote
	}
	return writeAll6(pc, msgs)
}

func writeAll6(pc *ipv6.PacketConn, msgs []ipv6.Message) error {
	for len(msgs) > 0 {
		n, err := pc.WriteBatch(msgs, 0)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		msgs = msgs[n:]
	}
	return nil
}
