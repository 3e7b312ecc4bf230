package transport

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/deepspace-dtn/ltp/internal"
)

// ErrIPCClosed is returned by Send once the binding's Close has run.
var ErrIPCClosed = errors.New("transport: ipc binding closed")

// ipcRing is one direction's shared-memory-style channel: a byte ring
// carrying length-prefixed frames, plus the has_free_space/has_data signal
// pair spec.md §4.5 calls for. Unlike real POSIX named semaphores these are
// Go channels of capacity 1: a "dirty bit" a blocked side wakes on and then
// re-checks the ring directly, never a counting semaphore.
type ipcRing struct {
	mu           sync.Mutex
	ring         *internal.FrameRing
	hasData      chan struct{}
	hasFreeSpace chan struct{}
	closed       chan struct{}
}

func newIPCRing(size int) *ipcRing {
	return &ipcRing{
		ring:         internal.NewFrameRing(size),
		hasData:      make(chan struct{}, 1),
		hasFreeSpace: make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *ipcRing) send(frame []byte) error {
	for {
		r.mu.Lock()
		if r.ring.Free() >= len(frame) {
			_, err := r.ring.Write(frame)
			r.mu.Unlock()
			if err != nil {
				return err
			}
			notify(r.hasData)
			return nil
		}
		r.mu.Unlock()
		select {
		case <-r.hasFreeSpace:
		case <-r.closed:
			return ErrIPCClosed
		}
	}
}

// recv blocks for the next complete frame and returns its payload.
func (r *ipcRing) recv() ([]byte, error) {
	var hdr [4]byte
	for {
		r.mu.Lock()
		if r.ring.Buffered() < len(hdr) {
			r.mu.Unlock()
			select {
			case <-r.hasData:
				continue
			case <-r.closed:
				return nil, ErrIPCClosed
			}
		}
		if _, err := r.ring.ReadPeek(hdr[:]); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		total := len(hdr) + int(binary.BigEndian.Uint32(hdr[:]))
		if r.ring.Buffered() < total {
			r.mu.Unlock()
			select {
			case <-r.hasData:
				continue
			case <-r.closed:
				return nil, ErrIPCClosed
			}
		}
		frame := make([]byte, total)
		_, err := r.ring.Read(frame)
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		notify(r.hasFreeSpace)
		return frame[len(hdr):], nil
	}
}

func (r *ipcRing) close() {
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
}

func encodeIPCFrame(payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame
}

// IPCBinding is the "intended for benchmarking / co-located engines only"
// binding of spec.md §4.5: a pair of fixed-size byte rings, one per
// direction, each guarded by its own has_free_space/has_data signal pair.
// Construct one with NewIPCPair so both ends share both rings with tx/rx
// swapped.
type IPCBinding struct {
	tx *ipcRing
	rx *ipcRing
}

// NewIPCPair returns two bindings, A and B, wired so A's sends are B's
// receives and vice versa. size is each direction's ring capacity in bytes.
func NewIPCPair(size int) (a, b *IPCBinding) {
	ab := newIPCRing(size)
	ba := newIPCRing(size)
	return &IPCBinding{tx: ab, rx: ba}, &IPCBinding{tx: ba, rx: ab}
}

// SendOne implements engine.Transport.
func (b *IPCBinding) SendOne(buf []byte) error {
	return b.tx.send(encodeIPCFrame(buf))
}

// SendMany implements engine.Transport; the ring has no vectorized write
// path, so each packet is framed and sent in turn.
func (b *IPCBinding) SendMany(bufs [][]byte) error {
	for _, buf := range bufs {
		if err := b.SendOne(buf); err != nil {
			return err
		}
	}
	return nil
}

// Serve runs the receive worker until Close is called, handing each decoded
// payload to deliver (typically (*engine.Engine).DeliverIncomingPacket).
func (b *IPCBinding) Serve(deliver func(buf []byte)) error {
	for {
		payload, err := b.rx.recv()
		if err != nil {
			return err
		}
		deliver(payload)
	}
}

// Close unblocks any pending Send/Serve call on this end with ErrIPCClosed.
func (b *IPCBinding) Close() {
	b.tx.close()
	b.rx.close()
}
