// Package ltp implements the Licklider Transmission Protocol (RFC 5326) wire
// format: segment types, the SDNV-based encoding, and the structural
// validation a decoder must perform before a segment is handed to the
// session state machine in package engine.
package ltp

import "fmt"

// SegmentKind identifies the 4-bit type code carried in the low nibble of
// the first header octet. The high nibble bits carry the version (must be
// zero) and the "is extension" flag (unused by this implementation, always
// encoded/decoded as zero: no LTP extensions are defined here).
type SegmentKind uint8

// Segment kinds, per RFC 5326 §3.3. Data segment kinds additionally encode
// the red/green and checkpoint/EORP/EOB sub-flags in the type code itself.
const (
	KindRedData                    SegmentKind = 0x0 // red data, not a checkpoint
	KindRedDataCheckpoint          SegmentKind = 0x1 // red data, checkpoint
	KindRedDataCheckpointEORP      SegmentKind = 0x2 // red data, checkpoint + end-of-red-part
	KindRedDataCheckpointEORPEOB   SegmentKind = 0x3 // red data, checkpoint + end-of-red-part + end-of-block
	KindGreenData                  SegmentKind = 0x4 // green data, not end-of-block
	kindReserved5                  SegmentKind = 0x5
	kindReserved6                  SegmentKind = 0x6
	KindGreenDataEOB               SegmentKind = 0x7 // green data, end-of-block
	KindReport                     SegmentKind = 0x8 // report segment (receiver -> sender)
	KindReportAck                  SegmentKind = 0x9 // report-acknowledgement segment (sender -> receiver)
	kindReservedA                  SegmentKind = 0xa
	kindReservedB                  SegmentKind = 0xb
	KindCancelFromSender            SegmentKind = 0xc // cancel segment, sent by the block sender
	KindCancelAckFromReceiver        SegmentKind = 0xd // cancel-acknowledgement, sent by the block receiver
	KindCancelFromReceiver           SegmentKind = 0xe // cancel segment, sent by the block receiver
	KindCancelAckFromSender          SegmentKind = 0xf // cancel-acknowledgement, sent by the block sender
)

// String returns a short mnemonic for k, mainly for logging.
func (k SegmentKind) String() string {
	switch k {
	case KindRedData:
		return "red-data"
	case KindRedDataCheckpoint:
		return "red-data-checkpoint"
	case KindRedDataCheckpointEORP:
		return "red-data-checkpoint-eorp"
	case KindRedDataCheckpointEORPEOB:
		return "red-data-checkpoint-eorp-eob"
	case KindGreenData:
		return "green-data"
	case KindGreenDataEOB:
		return "green-data-eob"
	case KindReport:
		return "report"
	case KindReportAck:
		return "report-ack"
	case KindCancelFromSender:
		return "cancel-from-sender"
	case KindCancelAckFromReceiver:
		return "cancel-ack-from-receiver"
	case KindCancelFromReceiver:
		return "cancel-from-receiver"
	case KindCancelAckFromSender:
		return "cancel-ack-from-sender"
	default:
		return fmt.Sprintf("reserved(0x%x)", uint8(k))
	}
}

// IsData reports whether k is one of the eight data segment type codes.
func (k SegmentKind) IsData() bool { return k <= KindGreenDataEOB }

// IsRed reports whether k is a red-part data segment kind.
func (k SegmentKind) IsRed() bool { return k <= KindRedDataCheckpointEORPEOB }

// IsGreen reports whether k is a green-part data segment kind.
func (k SegmentKind) IsGreen() bool { return k == KindGreenData || k == KindGreenDataEOB }

// IsCheckpoint reports whether k is a red data segment that demands a report.
func (k SegmentKind) IsCheckpoint() bool {
	return k == KindRedDataCheckpoint || k == KindRedDataCheckpointEORP || k == KindRedDataCheckpointEORPEOB
}

// IsEndOfRedPart reports whether k marks the last segment of the red part.
func (k SegmentKind) IsEndOfRedPart() bool {
	return k == KindRedDataCheckpointEORP || k == KindRedDataCheckpointEORPEOB
}

// IsEndOfBlock reports whether k marks the last segment of the whole block.
func (k SegmentKind) IsEndOfBlock() bool {
	return k == KindRedDataCheckpointEORPEOB || k == KindGreenDataEOB
}

func (k SegmentKind) isReserved() bool {
	switch k {
	case kindReserved5, kindReserved6, kindReservedA, kindReservedB:
		return true
	}
	return k > KindCancelAckFromSender
}

// Direction indicates which end of a session conventionally emits a
// segment kind: the block sender (outduct, for an outbound session) or the
// block receiver (induct, for an inbound session).
type Direction uint8

const (
	// DirSenderToReceiver marks data and cancel segments the block sender emits.
	DirSenderToReceiver Direction = iota
	// DirReceiverToSender marks report and cancel segments the block receiver emits.
	DirReceiverToSender
)

func (d Direction) String() string {
	if d == DirReceiverToSender {
		return "receiver->sender"
	}
	return "sender->receiver"
}

// DirectionOf returns the direction implied by a segment kind, without
// needing the rest of the segment decoded. Used by transport demuxers to
// cheaply route a packet before paying for a full Decode.
func DirectionOf(k SegmentKind) Direction {
	switch k {
	case KindReport, KindCancelFromReceiver, KindCancelAckFromReceiver:
		return DirReceiverToSender
	default:
		return DirSenderToReceiver
	}
}

// PeekDirection reads only the first header octet of buf and returns the
// segment's direction and kind, failing fast on a malformed or versioned
// header without decoding the rest of the segment.
func PeekDirection(buf []byte) (dir Direction, kind SegmentKind, err error) {
	if len(buf) < 1 {
		return 0, 0, ErrTruncated
	}
	hdr := buf[0]
	version := hdr >> 5
	if version != 0 {
		return 0, 0, ErrUnsupportedVersion
	}
	kind = SegmentKind(hdr & 0x0f)
	if kind.isReserved() {
		return 0, 0, fmt.Errorf("%w: reserved type code 0x%x", ErrMalformed, uint8(kind))
	}
	return DirectionOf(kind), kind, nil
}

// ReasonCode is the 1-byte cancellation reason carried by cancel segments.
type ReasonCode uint8

// Reason codes. The RFC 5326 set is passed through transparently; the three
// named here are the ones this engine itself produces.
const (
	ReasonUserCancelled         ReasonCode = 2 // USER_CANCELLED
	ReasonUnreachable           ReasonCode = 3 // UNREACHABLE: bad client service id
	ReasonRetransmitLimitExceeded ReasonCode = 5 // RLEXC: retransmission-limit exceeded
	ReasonMiscolored            ReasonCode = 0 // RESERVED
	ReasonSystemCancelled       ReasonCode = 4 // SYSTEM_CANCELLED
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonUserCancelled:
		return "USER_CANCELLED"
	case ReasonUnreachable:
		return "UNREACHABLE"
	case ReasonRetransmitLimitExceeded:
		return "RLEXC"
	case ReasonSystemCancelled:
		return "SYSTEM_CANCELLED"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}
