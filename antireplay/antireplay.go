// Package antireplay tracks recently closed receiver session ids so a
// segment that arrives for a long-closed session (delivered late by a
// reassembling NAT or a reordering transport) cannot reopen it.
package antireplay

import "github.com/deepspace-dtn/ltp"

// History is a bounded, insertion-ordered set of closed session ids, kept in
// a fixed-capacity ring: once full, the oldest remembered id is overwritten
// by the newest rather than growing without bound.
type History struct {
	ids   []ltp.SessionID
	index uint // slot most recently written
	size  int
}

// NewHistory returns a History remembering up to size session ids. A size
// of 0 disables the history: Remember is a no-op and Contains always
// reports false, matching
// rx_data_segment_session_number_recreation_preventer_history_size = 0.
func NewHistory(size int) *History {
	h := &History{size: size}
	if size > 0 {
		h.ids = make([]ltp.SessionID, 0, size)
	}
	return h
}

// Contains reports whether id was recently closed and remembered.
func (h *History) Contains(id ltp.SessionID) bool {
	if h.size == 0 {
		return false
	}
	// Scan backwards from the most recently written slot: a replayed id is
	// far more likely to be one of the last few closed than one near
	// eviction, so this ordering finds the common case fastest.
	i := h.index
	for range len(h.ids) {
		if h.ids[i] == id {
			return true
		}
		if i == 0 {
			i = uint(len(h.ids))
		}
		i--
	}
	return false
}

// Remember records id as closed, evicting the oldest entry once the ring is
// at capacity.
func (h *History) Remember(id ltp.SessionID) {
	if h.size == 0 {
		return
	}
	if len(h.ids) < cap(h.ids) {
		h.ids = append(h.ids, id)
		h.index = uint(len(h.ids) - 1)
		return
	}
	h.index++
	if h.index >= uint(len(h.ids)) {
		h.index = 0
	}
	h.ids[h.index] = id
}
