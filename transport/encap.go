// Package transport implements the concrete bindings spec.md §4.5 describes:
// a shared UDP socket, a shared-memory-style IPC ring for co-located
// engines, and a CCSDS-Encapsulation-Packet-framed local stream. All three
// satisfy engine.Transport.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// encap packet version (bits 7..5) and LTP protocol id (bits 4..2), per the
// CCSDS Encapsulation Packet Protocol header spec.md §6 specifies.
const (
	encapVersion    = 0b111
	encapProtocolID = 0b001
)

// ErrBadEncapHeader is returned when a decoded first byte's version or
// protocol-id bits do not match what this binding produces.
var ErrBadEncapHeader = errors.New("transport: encap header version/protocol-id mismatch")

// lengthSelector picks how many big-endian octets follow the header byte to
// carry the payload length: 0 octets (a keep-alive, no payload), or 1, 2, 4.
func lengthSelector(payloadLen int) (selector byte, octets int) {
	switch {
	case payloadLen == 0:
		return 0, 0
	case payloadLen <= 0xff:
		return 1, 1
	case payloadLen <= 0xffff:
		return 2, 2
	default:
		return 3, 4
	}
}

// EncodeFrame wraps payload in a CCSDS encap header and returns the full
// on-wire frame. A nil or empty payload encodes a keep-alive: a single
// header byte with no length field and no data.
func EncodeFrame(payload []byte) []byte {
	selector, octets := lengthSelector(len(payload))
	hdr := byte(encapVersion<<5 | encapProtocolID<<2 | selector)
	frame := make([]byte, 1+octets+len(payload))
	frame[0] = hdr
	switch octets {
	case 1:
		frame[1] = byte(len(payload))
	case 2:
		binary.BigEndian.PutUint16(frame[1:3], uint16(len(payload)))
	case 4:
		binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	}
	copy(frame[1+octets:], payload)
	return frame
}

// FrameReader decodes a sequence of CCSDS-encap-framed packets off r,
// e.g. a net.Conn backing an AF_UNIX stream or a named pipe.
type FrameReader struct {
	r   io.Reader
	hdr [5]byte
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader { return &FrameReader{r: r} }

// ReadFrame blocks for the next frame and returns its payload, or nil for a
// keep-alive. It returns ErrBadEncapHeader if the header bits this binding
// never produces are seen, which the caller should treat as a protocol
// violation (close the stream) rather than retry.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.r, f.hdr[:1]); err != nil {
		return nil, err
	}
	b := f.hdr[0]
	if b>>5 != encapVersion || (b>>2)&0x7 != encapProtocolID {
		return nil, ErrBadEncapHeader
	}
	selector := b & 0x3
	var octets int
	switch selector {
	case 0:
		return nil, nil // keep-alive
	case 1:
		octets = 1
	case 2:
		octets = 2
	case 3:
		octets = 4
	}
	if _, err := io.ReadFull(f.r, f.hdr[1:1+octets]); err != nil {
		return nil, err
	}
	var n uint32
	switch octets {
	case 1:
		n = uint32(f.hdr[1])
	case 2:
		n = uint32(binary.BigEndian.Uint16(f.hdr[1:3]))
	case 4:
		n = binary.BigEndian.Uint32(f.hdr[1:5])
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// EncapBinding is a full-duplex stream transport (AF_UNIX socket or named
// pipe) framing every LTP packet with a CCSDS encap header, per spec.md
// §4.5's "Encap local-stream binding". It hands every decoded payload to
// Deliver, running a read loop on its own goroutine started by Serve.
type EncapBinding struct {
	conn    net.Conn
	reader  *FrameReader
	deliver func(buf []byte)
}

// NewEncapBinding wraps conn. deliver is called once per decoded payload
// (typically (*engine.Engine).DeliverIncomingPacket); it must not block.
func NewEncapBinding(conn net.Conn, deliver func(buf []byte)) *EncapBinding {
	return &EncapBinding{conn: conn, reader: NewFrameReader(conn), deliver: deliver}
}

// Serve runs the read loop until conn is closed or a protocol violation is
// seen. Run it on its own goroutine.
func (b *EncapBinding) Serve() error {
	for {
		payload, err := b.reader.ReadFrame()
		if err != nil {
			return fmt.Errorf("transport: encap read: %w", err)
		}
		if payload == nil {
			continue // keep-alive, nothing to deliver
		}
		b.deliver(payload)
	}
}

// SendOne implements engine.Transport.
func (b *EncapBinding) SendOne(buf []byte) error {
	_, err := b.conn.Write(EncodeFrame(buf))
	return err
}

// SendMany implements engine.Transport by framing and writing each packet in
// turn; the encap binding has no vectorized write path.
func (b *EncapBinding) SendMany(bufs [][]byte) error {
	for _, buf := range bufs {
		if err := b.SendOne(buf); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection.
func (b *EncapBinding) Close() error { return b.conn.Close() }
