package ltp

import (
	"fmt"

	"github.com/deepspace-dtn/ltp/sdnv"
)

// Encode appends the wire encoding of seg to dst and returns the extended
// slice. It returns an error (wrapping ErrMalformed) only if seg.Kind is not
// one of the defined SegmentKind values (an unexpected tag, per the codec's
// closed-sum-type contract), a data segment's Payload length differs from
// its Length field, or a report has LowerBound > UpperBound or a reception
// claim list that fails the ordering invariant checked at encode time as
// well as decode time.
func Encode(dst []byte, seg Segment) ([]byte, error) {
	if seg.Kind.isReserved() {
		return dst, fmt.Errorf("%w: reserved type code 0x%x", ErrMalformed, uint8(seg.Kind))
	}
	hdr := byte(seg.Kind) & 0x0f // version=0, extension=0
	dst = append(dst, hdr)
	dst = sdnv.Append(dst, seg.Session.Originator)
	dst = sdnv.Append(dst, seg.Session.Number)

	switch {
	case seg.Kind.IsData():
		dst = sdnv.Append(dst, seg.ClientServiceID)
		dst = sdnv.Append(dst, seg.Offset)
		dst = sdnv.Append(dst, seg.Length)
		if seg.Kind.IsCheckpoint() {
			dst = sdnv.Append(dst, seg.CheckpointSerial)
			dst = sdnv.Append(dst, seg.ReportSerial)
		}
		if uint64(len(seg.Payload)) != seg.Length {
			return dst, fmt.Errorf("%w: payload length %d does not match Length field %d", ErrMalformed, len(seg.Payload), seg.Length)
		}
		dst = append(dst, seg.Payload...)

	case seg.Kind == KindReport:
		if seg.LowerBound > seg.UpperBound {
			return dst, fmt.Errorf("%w: lower_bound %d > upper_bound %d", ErrMalformed, seg.LowerBound, seg.UpperBound)
		}
		if err := validateClaimOrder(seg.Claims, seg.LowerBound, seg.UpperBound); err != nil {
			return dst, err
		}
		dst = sdnv.Append(dst, seg.ReportSerialNumber)
		dst = sdnv.Append(dst, seg.CheckpointSerialNumber)
		dst = sdnv.Append(dst, seg.UpperBound)
		dst = sdnv.Append(dst, seg.LowerBound)
		dst = sdnv.Append(dst, uint64(len(seg.Claims)))
		for _, c := range seg.Claims {
			dst = sdnv.Append(dst, c.Offset-seg.LowerBound)
			dst = sdnv.Append(dst, c.Length)
		}

	case seg.Kind == KindReportAck:
		dst = sdnv.Append(dst, seg.ReportSerialNumber)

	case seg.Kind == KindCancelFromSender, seg.Kind == KindCancelFromReceiver:
		dst = append(dst, byte(seg.Reason))

	case seg.Kind == KindCancelAckFromReceiver, seg.Kind == KindCancelAckFromSender:
		// no further fields

	default:
		return dst, fmt.Errorf("%w: unhandled type code 0x%x", ErrMalformed, uint8(seg.Kind))
	}
	return dst, nil
}

// Decode parses one segment from the front of buf. It returns the decoded
// segment and the number of bytes consumed. Payload, if any, aliases buf
// (the caller must copy it before buf is reused/overwritten).
//
// Decode fails with ErrMalformed for: SDNV overflow, truncation, a reserved
// type code, lower_bound > upper_bound, out-of-order or overlapping
// reception claims, or a claim count that does not match the number of
// claims actually present. It fails with ErrUnsupportedVersion when the
// header's version bits are nonzero.
func Decode(buf []byte) (seg Segment, n int, err error) {
	dir, kind, err := PeekDirection(buf)
	if err != nil {
		return Segment{}, 0, err
	}
	_ = dir
	seg.Kind = kind
	off := 1

	originator, used, err := decodeSDNV(buf[off:])
	if err != nil {
		return Segment{}, 0, err
	}
	off += used
	number, used, err := decodeSDNV(buf[off:])
	if err != nil {
		return Segment{}, 0, err
	}
	off += used
	seg.Session = SessionID{Originator: originator, Number: number}

	switch {
	case kind.IsData():
		var v uint64
		if v, used, err = decodeSDNV(buf[off:]); err != nil {
			return Segment{}, 0, err
		}
		seg.ClientServiceID = v
		off += used
		if v, used, err = decodeSDNV(buf[off:]); err != nil {
			return Segment{}, 0, err
		}
		seg.Offset = v
		off += used
		if v, used, err = decodeSDNV(buf[off:]); err != nil {
			return Segment{}, 0, err
		}
		seg.Length = v
		off += used
		if kind.IsCheckpoint() {
			if v, used, err = decodeSDNV(buf[off:]); err != nil {
				return Segment{}, 0, err
			}
			seg.CheckpointSerial = v
			off += used
			if v, used, err = decodeSDNV(buf[off:]); err != nil {
				return Segment{}, 0, err
			}
			seg.ReportSerial = v
			off += used
		}
		if seg.Length > uint64(len(buf)-off) {
			return Segment{}, 0, ErrTruncated
		}
		seg.Payload = buf[off : off+int(seg.Length)]
		off += int(seg.Length)

	case kind == KindReport:
		var v uint64
		if v, used, err = decodeSDNV(buf[off:]); err != nil {
			return Segment{}, 0, err
		}
		seg.ReportSerialNumber = v
		off += used
		if v, used, err = decodeSDNV(buf[off:]); err != nil {
			return Segment{}, 0, err
		}
		seg.CheckpointSerialNumber = v
		off += used
		if v, used, err = decodeSDNV(buf[off:]); err != nil {
			return Segment{}, 0, err
		}
		seg.UpperBound = v
		off += used
		if v, used, err = decodeSDNV(buf[off:]); err != nil {
			return Segment{}, 0, err
		}
		seg.LowerBound = v
		off += used
		if seg.LowerBound > seg.UpperBound {
			return Segment{}, 0, fmt.Errorf("%w: lower_bound %d > upper_bound %d", ErrMalformed, seg.LowerBound, seg.UpperBound)
		}
		var count uint64
		if count, used, err = decodeSDNV(buf[off:]); err != nil {
			return Segment{}, 0, err
		}
		off += used
		claims := make([]ReceptionClaim, count)
		for i := range claims {
			var relOff, length uint64
			if relOff, used, err = decodeSDNV(buf[off:]); err != nil {
				return Segment{}, 0, err
			}
			off += used
			if length, used, err = decodeSDNV(buf[off:]); err != nil {
				return Segment{}, 0, err
			}
			off += used
			claims[i] = ReceptionClaim{Offset: seg.LowerBound + relOff, Length: length}
		}
		if err := validateClaimOrder(claims, seg.LowerBound, seg.UpperBound); err != nil {
			return Segment{}, 0, err
		}
		seg.Claims = claims

	case kind == KindReportAck:
		var v uint64
		if v, used, err = decodeSDNV(buf[off:]); err != nil {
			return Segment{}, 0, err
		}
		seg.ReportSerialNumber = v
		off += used

	case kind == KindCancelFromSender, kind == KindCancelFromReceiver:
		if off >= len(buf) {
			return Segment{}, 0, ErrTruncated
		}
		seg.Reason = ReasonCode(buf[off])
		off++

	case kind == KindCancelAckFromReceiver, kind == KindCancelAckFromSender:
		// no further fields

	default:
		return Segment{}, 0, fmt.Errorf("%w: unhandled type code 0x%x", ErrMalformed, uint8(kind))
	}
	return seg, off, nil
}

// decodeSDNV wraps sdnv.Decode, translating its sentinel errors into the
// codec's own ErrMalformed/ErrTruncated so callers only need to match
// against this package's errors.
func decodeSDNV(buf []byte) (uint64, int, error) {
	v, n, err := sdnv.Decode(buf)
	switch err {
	case nil:
		return v, n, nil
	case sdnv.ErrTruncated:
		return 0, 0, ErrTruncated
	case sdnv.ErrOverflow:
		return 0, 0, fmt.Errorf("%w: sdnv overflow", ErrMalformed)
	default:
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// validateClaimOrder enforces that claims are sorted, non-overlapping, and
// contained within [lb, ub).
func validateClaimOrder(claims []ReceptionClaim, lb, ub uint64) error {
	prevEnd := lb
	for i, c := range claims {
		if c.Length == 0 {
			return fmt.Errorf("%w: zero-length reception claim at index %d", ErrMalformed, i)
		}
		if c.Offset < prevEnd {
			return fmt.Errorf("%w: reception claim %d overlaps or is out of order", ErrMalformed, i)
		}
		if c.End() > ub {
			return fmt.Errorf("%w: reception claim %d extends past upper_bound", ErrMalformed, i)
		}
		prevEnd = c.End()
	}
	return nil
}
