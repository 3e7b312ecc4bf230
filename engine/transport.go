package engine

// Transport is the minimal capability an engine needs from whatever carries
// its segments: a way to send one encoded packet and a way to send many, best
// effort. Concrete bindings (UDP, IPC, encap-over-stream) each implement this
// directly rather than through a shared base type — no inheritance, per the
// dynamic-dispatch-transport design note.
type Transport interface {
	// SendOne sends one already-encoded segment.
	SendOne(buf []byte) error
	// SendMany sends a batch of already-encoded segments, best effort. A
	// transport with no native batching may simply loop calling SendOne.
	SendMany(bufs [][]byte) error
}

// DeliverFunc is the shape a transport's inbound path calls into; normally
// bound to (*Engine).DeliverIncomingPacket.
type DeliverFunc func(buf []byte)
