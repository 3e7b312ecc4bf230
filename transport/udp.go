package transport

import (
	"fmt"
	"net"
	"sync"
)

// maxBatchSize caps how many packets sendBatch hands to the OS in one
// syscall; the Linux sendmmsg path additionally caps itself at
// unix.UIO_MAXIOV, whichever is smaller.
const maxBatchSize = 1024

// portRegistry is the process-wide "a single shared UDP socket per port is
// multiplexed across many engines" singleton spec.md §4.5 and §9 call for: a
// package-level mutex-guarded map with refcounts, torn down when the last
// engine referencing a port closes. No repo in the pack demonstrates a
// shared-socket registry, so this is a stdlib-only singleton-with-refcount
// idiom rather than a pack-grounded pattern.
var portRegistry = struct {
	mu    sync.Mutex
	ports map[string]*udpPort
}{ports: make(map[string]*udpPort)}

type udpPort struct {
	conn     *net.UDPConn
	refs     int
	bindings map[uint64]*UDPBinding // keyed by NewUDPBinding's key; readLoop routes by source address, not by key
	mu       sync.Mutex
}

// acquirePort returns the shared *udpPort for laddr, binding a new socket
// and starting its single receive goroutine if this is the first reference.
// maxRXBytes fixes the port's read buffer size: process-global per spec.md
// §4.5, set by whichever engine happens to open the port first.
func acquirePort(laddr string, maxRXBytes int) (*udpPort, error) {
	portRegistry.mu.Lock()
	defer portRegistry.mu.Unlock()
	if p, ok := portRegistry.ports[laddr]; ok {
		p.refs++
		return p, nil
	}
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", laddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", laddr, err)
	}
	_ = setRecvBufferSize(conn, maxRXBytes*defaultRxSlotsForSockBuf)
	p := &udpPort{conn: conn, refs: 1, bindings: make(map[uint64]*UDPBinding)}
	portRegistry.ports[laddr] = p
	go p.readLoop(maxRXBytes)
	return p, nil
}

// defaultRxSlotsForSockBuf sizes the kernel socket receive buffer request
// against a fixed slot count rather than the engine's own
// num_udp_rx_circular_buffer_vectors, since a shared port may serve several
// engines with different settings; it only needs to be in the right order
// of magnitude; setRecvBufferSize's failure is non-fatal in any case.
const defaultRxSlotsForSockBuf = 64

// readLoop is the port's single receive goroutine: it demultiplexes every
// inbound packet by source address across whichever bindings are currently
// registered on this port, and exits once the socket is closed.
func (p *udpPort) readLoop(maxRXBytes int) {
	buf := make([]byte, maxRXBytes)
	for {
		n, src, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		p.mu.Lock()
		var target *UDPBinding
		for _, candidate := range p.bindings {
			if candidate.remote.IP.Equal(src.IP) && candidate.remote.Port == src.Port {
				target = candidate
				break
			}
		}
		p.mu.Unlock()
		if target == nil {
			continue // no engine on this port expects this source; drop
		}
		owned := make([]byte, n)
		copy(owned, buf[:n])
		select {
		case target.rx <- owned:
		default:
			// Binding's bounded circular buffer (spec.md §5/§6,
			// num_udp_rx_circular_buffer_vectors) is full: the consumer isn't
			// keeping up, drop the packet rather than block the shared port's
			// one receive goroutine and stall every other binding on it.
			if target.onOverrun != nil {
				target.onOverrun()
			}
		}
	}
}

// releasePort drops one reference, closing the socket once the last engine
// using this local address has released it.
func releasePort(laddr string) {
	portRegistry.mu.Lock()
	defer portRegistry.mu.Unlock()
	p, ok := portRegistry.ports[laddr]
	if !ok {
		return
	}
	p.refs--
	if p.refs <= 0 {
		p.conn.Close()
		delete(portRegistry.ports, laddr)
	}
}

// UDPBinding is one engine's view of a shared UDP port: packets addressed to
// remote and received from it are queued on this binding's own bounded
// circular buffer and drained to deliver by a dedicated goroutine, so one
// slow consumer can't stall the port's shared receive loop. Max RX packet
// size is fixed at construction (process-global per spec.md §4.5).
type UDPBinding struct {
	laddr     string
	port      *udpPort
	remote    *net.UDPAddr
	deliver   func(buf []byte)
	onOverrun func()

	rx       chan []byte
	done     chan struct{}
	closeSig sync.Once
}

// NewUDPBinding shares (or creates) the socket bound to laddr, and routes
// inbound packets from remote to deliver. key identifies this binding in
// the port's binding table only: the receive loop hands each packet to a
// binding whose remote address equals the packet's source address, and
// when several bindings share one remote address, which of them receives
// the packet is not defined.
// maxRXBytes only takes effect for the engine that ends up opening laddr.
// rxQueueVectors sizes this binding's own bounded inbound circular buffer
// (spec.md §5/§6, num_udp_rx_circular_buffer_vectors): once full, arriving
// packets are dropped and onOverrun (nil-safe) is invoked so the caller can
// count them, rather than ever growing unbounded or blocking the shared port.
func NewUDPBinding(laddr, remote string, maxRXBytes, rxQueueVectors int, key uint64, deliver func(buf []byte), onOverrun func()) (*UDPBinding, error) {
	port, err := acquirePort(laddr, maxRXBytes)
	if err != nil {
		return nil, err
	}
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		releasePort(laddr)
		return nil, fmt.Errorf("transport: resolve remote %q: %w", remote, err)
	}
	if rxQueueVectors <= 0 {
		rxQueueVectors = 1
	}
	b := &UDPBinding{
		laddr: laddr, port: port, remote: raddr,
		deliver: deliver, onOverrun: onOverrun,
		rx: make(chan []byte, rxQueueVectors), done: make(chan struct{}),
	}
	port.mu.Lock()
	port.bindings[key] = b
	port.mu.Unlock()
	go b.deliverLoop()
	return b, nil
}

// deliverLoop drains this binding's circular buffer to deliver, one packet
// at a time, until the binding is closed.
func (b *UDPBinding) deliverLoop() {
	for {
		select {
		case buf := <-b.rx:
			b.deliver(buf)
		case <-b.done:
			return
		}
	}
}

// LocalAddr returns the address of the shared socket this binding uses,
// useful when laddr was ":0" and the actual ephemeral port is only known
// after the socket is opened.
func (b *UDPBinding) LocalAddr() string { return b.port.conn.LocalAddr().String() }

// SendOne implements engine.Transport.
func (b *UDPBinding) SendOne(buf []byte) error {
	_, err := b.port.conn.WriteToUDP(buf, b.remote)
	return err
}

// SendMany implements engine.Transport via the platform batch path
// (sendmmsg on Linux, a per-packet loop elsewhere), capped at maxBatchSize.
func (b *UDPBinding) SendMany(bufs [][]byte) error {
	for len(bufs) > 0 {
		n := len(bufs)
		if n > maxBatchSize {
			n = maxBatchSize
		}
		if err := sendBatch(b.port.conn, b.remote, bufs[:n]); err != nil {
			return err
		}
		bufs = bufs[n:]
	}
	return nil
}

// Close releases this binding's share of the underlying port and stops its
// deliver goroutine.
func (b *UDPBinding) Close() error {
	b.closeSig.Do(func() { close(b.done) })
	b.port.mu.Lock()
	for key, candidate := range b.port.bindings {
		if candidate == b {
			delete(b.port.bindings, key)
			break
		}
	}
	b.port.mu.Unlock()
	releasePort(b.laddr)
	return nil
}
