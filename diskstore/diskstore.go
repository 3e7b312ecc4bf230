// Package diskstore implements the optional on-disk session-data store
// (spec.md §4.6): an append-only file is rolled every fixed interval, and
// every active session is carved an exclusive byte range out of whichever
// file is current when it starts. A file is only deleted once every
// session that ever referenced it has released its handle, so a
// long-running session never loses its bytes out from under it just
// because the roll clock ticked.
package diskstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Store manages the rolling set of backing files in one directory.
type Store struct {
	dir          string
	rollInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	current *epochFile
}

// epochFile is one rolled file, shared across however many sessions were
// active during its epoch, each holding an exclusive extent within it.
type epochFile struct {
	path     string
	f        *os.File
	rolledAt time.Time

	mu   sync.Mutex
	size int64 // next unreserved byte offset
	refs int
}

// New returns a Store that rolls to a fresh file under dir every
// rollInterval. now overrides the wall clock used to decide when to roll
// (nil means time.Now). The engine passes nil, so its roll timing follows
// the wall clock; this package's own tests pass a movable time source.
func New(dir string, rollInterval time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{dir: dir, rollInterval: rollInterval, now: now}
}

func (s *Store) roll() (*epochFile, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("diskstore: mkdir %s: %w", s.dir, err)
	}
	name := filepath.Join(s.dir, xid.New().String()+".ltpseg")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("diskstore: create %s: %w", name, err)
	}
	return &epochFile{path: name, f: f, rolledAt: s.now()}, nil
}

// Acquire reserves an exclusive extent of at least reserveBytes in the
// current epoch file, rolling to a new file first if rollInterval has
// elapsed since the last roll, and returns a Handle bound to that extent.
// A reserveBytes of 0 is treated as "unknown size", reserving a minimal
// extent that Handle.WriteAt grows on demand.
func (s *Store) Acquire(reserveBytes uint64) (*Handle, error) {
	s.mu.Lock()
	if s.current == nil || s.now().Sub(s.current.rolledAt) >= s.rollInterval {
		ef, err := s.roll()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.current = ef
	}
	ef := s.current
	s.mu.Unlock()

	if reserveBytes == 0 {
		reserveBytes = 1
	}
	ef.mu.Lock()
	base := ef.size
	ef.size += int64(reserveBytes)
	ef.refs++
	ef.mu.Unlock()

	return &Handle{file: ef, base: base, cap: int64(reserveBytes)}, nil
}

// Handle is one session's exclusive byte range within a shared epoch file.
type Handle struct {
	file *epochFile
	base int64
	cap  int64

	mu     sync.Mutex
	length int64 // high-water mark of bytes actually written
	closed bool
}

// Path returns the backing file's path, for diagnostics and tests.
func (h *Handle) Path() string { return h.file.path }

// Len reports the high-water mark of bytes written into this handle so
// far.
func (h *Handle) Len() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.length
}

// WriteAt writes data at the given logical offset within this handle's
// own range, growing the reservation in place if the write runs past what
// was originally reserved and this is still the last-reserved extent in
// the file. Offsets may arrive out of order (segments retransmit and
// reorder); gaps are left as holes the filesystem sparsifies.
func (h *Handle) WriteAt(data []byte, offset int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("diskstore: write to closed handle")
	}
	need := offset + int64(len(data))
	if need > h.cap {
		if err := h.grow(need); err != nil {
			return err
		}
	}
	if _, err := h.file.f.WriteAt(data, h.base+offset); err != nil {
		return fmt.Errorf("diskstore: write %s: %w", h.file.path, err)
	}
	if need > h.length {
		h.length = need
	}
	return nil
}

// grow extends this handle's reserved extent to at least need bytes. Only
// possible while no other handle has reserved space past this one in the
// shared file; otherwise growing in place would overlap another session's
// exclusive range, so it fails loudly instead.
func (h *Handle) grow(need int64) error {
	ef := h.file
	ef.mu.Lock()
	defer ef.mu.Unlock()
	if h.base+h.cap != ef.size {
		return fmt.Errorf("diskstore: handle extent exhausted and file has grown past it")
	}
	ef.size += need - h.cap
	h.cap = need
	return nil
}

// ReadAt reads length bytes at offset within this handle's own range.
func (h *Handle) ReadAt(offset, length int64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := make([]byte, length)
	if _, err := h.file.f.ReadAt(buf, h.base+offset); err != nil {
		return nil, fmt.Errorf("diskstore: read %s: %w", h.file.path, err)
	}
	return buf, nil
}

// Close releases this session's reference to the underlying epoch file,
// deleting it once every session that ever referenced it has closed.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	ef := h.file
	ef.mu.Lock()
	ef.refs--
	drain := ef.refs <= 0
	ef.mu.Unlock()
	if !drain {
		return nil
	}
	if err := ef.f.Close(); err != nil {
		return fmt.Errorf("diskstore: close %s: %w", ef.path, err)
	}
	if err := os.Remove(ef.path); err != nil {
		return fmt.Errorf("diskstore: remove %s: %w", ef.path, err)
	}
	return nil
}
