// Package sdnv implements the Self-Delimiting Numeric Value encoding used
// throughout LTP (RFC 5326 §3.2) and the wider Bundle Protocol family: an
// integer is split into 7-bit groups, most-significant group first, with
// the high bit of every octet but the last set to 1 to signal continuation.
package sdnv

import "errors"

var (
	// ErrTruncated is returned when the input ends before a terminating
	// octet (high bit clear) is found.
	ErrTruncated = errors.New("sdnv: truncated value")
	// ErrOverflow is returned when the decoded value would not fit in a
	// uint64, or the encoding runs past 10 groups.
	ErrOverflow = errors.New("sdnv: value overflows 64 bits")
)

// maxGroups is the number of 7-bit groups needed to hold a full uint64
// (64 bits / 7 bits per group, rounded up).
const maxGroups = 10

// Len returns the number of bytes needed to encode v.
func Len(v uint64) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// Append encodes v as an SDNV and appends it to dst, returning the extended slice.
func Append(dst []byte, v uint64) []byte {
	var buf [maxGroups]byte
	i := maxGroups
	i--
	buf[i] = byte(v & 0x7f)
	v >>= 7
	for v != 0 {
		i--
		buf[i] = byte(v&0x7f) | 0x80
		v >>= 7
	}
	return append(dst, buf[i:]...)
}

// Decode reads one SDNV from the front of buf. It returns the decoded value
// and the number of bytes consumed. On error both v and n are 0.
func Decode(buf []byte) (v uint64, n int, err error) {
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if i == maxGroups {
			return 0, 0, ErrOverflow
		}
		if v>>57 != 0 {
			// Shifting in another 7-bit group would push bits past bit 63.
			return 0, 0, ErrOverflow
		}
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrTruncated
}

// DecodeMany decodes up to len(out) consecutive SDNVs from the front of buf,
// returning the number decoded and total bytes consumed. It stops early
// (without error) if buf is exhausted between values, leaving the caller to
// call Decode again once more bytes are available. Semantics for each
// individual value exactly match Decode: same bytes-consumed, same overflow
// behavior. The segment codec does not use it; it calls Decode once per
// field.
func DecodeMany(buf []byte, out []uint64) (decoded, n int, err error) {
	off := 0
	for decoded < len(out) {
		v, used, derr := Decode(buf[off:])
		if derr != nil {
			if derr == ErrTruncated {
				return decoded, off, nil
			}
			return decoded, off, derr
		}
		out[decoded] = v
		off += used
		decoded++
	}
	return decoded, off, nil
}
