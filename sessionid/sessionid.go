// Package sessionid generates session numbers for sessions this engine
// originates. Numbers are drawn from a CSPRNG so that a peer (or an
// off-path observer of the shared transport) cannot predict the next
// session a busy engine will open; the low 8 bits are reserved to carry the
// originating engine's configured index so that several engines sharing one
// UDP port can have their reply segments routed back correctly (see
// Generator.EngineIndex and RFC 5326's session-number demultiplexing use).
package sessionid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrExhausted is returned by NextUnused when no unused candidate could be found
// within the retry budget; this only happens under a pathological density
// of concurrent sessions relative to the available random space.
var ErrExhausted = errors.New("sessionid: could not find unused session number")

const maxAttempts = 64

// Generator produces session numbers for one engine.
type Generator struct {
	// EngineIndex is encoded into the low 8 bits of every generated number.
	EngineIndex uint8
	// Force32Bit constrains the random portion of the number to 32 bits
	// total (i.e. 24 bits of actual entropy once EngineIndex occupies the
	// low byte), matching engines built against a 32-bit session number
	// field. This shrinks the collision-free space; see the open question
	// in this module's design notes — the reduced space is preserved
	// behavior, not expanded.
	Force32Bit bool
}

// Next draws a fresh candidate session number with EngineIndex in its low
// byte and the rest filled from a CSPRNG.
func (g Generator) Next() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("sessionid: reading random bytes: %w", err)
	}
	v := binary.BigEndian.Uint64(buf[:])
	if g.Force32Bit {
		v &= 0xffffffff
	}
	v = (v &^ 0xff) | uint64(g.EngineIndex)
	return v, nil
}

// NextUnused draws candidates until inUse reports false for one, or the
// retry budget is exhausted. inUse is typically a lookup against the
// engine's live session map.
func (g Generator) NextUnused(inUse func(number uint64) bool) (uint64, error) {
	for i := 0; i < maxAttempts; i++ {
		v, err := g.Next()
		if err != nil {
			return 0, err
		}
		if !inUse(v) {
			return v, nil
		}
	}
	return 0, ErrExhausted
}
