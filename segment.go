package ltp

// SessionID identifies an LTP session: the engine id of whichever side
// opened it (Originator) plus a number that originator chose (Number). For
// sessions opened by this engine, the low 8 bits of Number carry the
// engine's configured index (see EngineIndex) so that a transport shared by
// several engines on one port can route reply segments back to the right one.
type SessionID struct {
	Originator uint64
	Number     uint64
}

// EngineIndex returns the low 8 bits of the session number.
func (id SessionID) EngineIndex() uint8 { return uint8(id.Number) }

// ReceptionClaim is a half-open interval [Offset, Offset+Length) of block
// bytes a receiver reports as successfully received.
type ReceptionClaim struct {
	Offset uint64
	Length uint64
}

// End returns the exclusive upper bound of the claim.
func (c ReceptionClaim) End() uint64 { return c.Offset + c.Length }

// Segment is the decoded form of any LTP segment. Which fields are
// meaningful is determined entirely by Kind; see the accessor comments
// below. Treat Kind as a closed tag: Encode/Decode reject any other value,
// and callers should never act on fields that do not belong to the
// segment's Kind.
type Segment struct {
	Kind SegmentKind

	Session SessionID

	// Data segment fields (Kind.IsData()).
	ClientServiceID uint64
	Offset          uint64
	Length          uint64
	Payload         []byte
	// CheckpointSerial and ReportSerial are present only when
	// Kind.IsCheckpoint(). ReportSerial is the serial of the report
	// segment this checkpoint is retransmitting in response to, or 0 for
	// an original (non-retransmission) checkpoint.
	CheckpointSerial uint64
	ReportSerial     uint64

	// Report segment fields (Kind == KindReport).
	ReportSerialNumber     uint64 // this report's own serial
	CheckpointSerialNumber uint64 // checkpoint being acknowledged, 0 if none
	LowerBound             uint64
	UpperBound             uint64
	Claims                 []ReceptionClaim

	// Report-ack fields (Kind == KindReportAck): reuses ReportSerialNumber
	// for the serial of the report being acknowledged.

	// Cancel segment fields (Kind == KindCancelFromSender or KindCancelFromReceiver).
	Reason ReasonCode
}

// Direction returns the direction implied by the segment's Kind.
func (s Segment) Direction() Direction { return DirectionOf(s.Kind) }
