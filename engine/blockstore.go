package engine

import (
	"github.com/deepspace-dtn/ltp/diskstore"
)

// blockStore is one session's block storage handle, per spec.md §4.3/§4.4:
// either an in-memory buffer or an on-disk file byte range, chosen once at
// session creation and never mixed. Both sender and receiver talk to their
// session's block purely through this interface.
type blockStore interface {
	WriteAt(offset uint64, data []byte) error
	ReadAt(offset, length uint64) ([]byte, error)
	Len() uint64
	Close() error
}

// memBlockStore is the default in-memory block, grown lazily as bytes
// arrive (or handed a fully-populated buffer up front, for a sender).
type memBlockStore struct{ buf []byte }

func newMemBlockStore(initial []byte) *memBlockStore {
	return &memBlockStore{buf: initial}
}

func (m *memBlockStore) WriteAt(offset uint64, data []byte) error {
	end := offset + uint64(len(data))
	if end > uint64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[offset:end], data)
	return nil
}

func (m *memBlockStore) ReadAt(offset, length uint64) ([]byte, error) {
	return m.buf[offset : offset+length], nil
}

func (m *memBlockStore) Len() uint64 { return uint64(len(m.buf)) }
func (m *memBlockStore) Close() error { return nil }

// diskBlockStore backs a session's block with an exclusive extent of a
// diskstore.Handle, per spec.md §4.6: a sender's whole block is written
// through on construction before any segments are scheduled; a receiver
// streams inbound bytes straight to disk and only reads them back to fire
// the red-part-reception callback.
type diskBlockStore struct {
	h      *diskstore.Handle
	length uint64
}

func newDiskBlockStore(h *diskstore.Handle) *diskBlockStore {
	return &diskBlockStore{h: h}
}

func (d *diskBlockStore) WriteAt(offset uint64, data []byte) error {
	if err := d.h.WriteAt(data, int64(offset)); err != nil {
		return err
	}
	if end := offset + uint64(len(data)); end > d.length {
		d.length = end
	}
	return nil
}

func (d *diskBlockStore) ReadAt(offset, length uint64) ([]byte, error) {
	return d.h.ReadAt(int64(offset), int64(length))
}

func (d *diskBlockStore) Len() uint64  { return d.length }
func (d *diskBlockStore) Close() error { return d.h.Close() }
