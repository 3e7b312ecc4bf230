package engine

import "github.com/deepspace-dtn/ltp"

// Callbacks is the set of client-supplied hooks the engine invokes on its own
// executor. Every field is optional; a nil hook is simply skipped. None of
// these may call back into the engine's synchronous entry points
// (TransmissionRequest, CancellationRequest, DeliverIncomingPacket) — doing
// so would re-enter the executor it is already running on and deadlock.
type Callbacks struct {
	// SessionStart fires once a session (sender or receiver) is created.
	SessionStart func(id ltp.SessionID)

	// RedPartReception fires exactly once per receiver session, with the
	// complete reassembled red-part bytes.
	RedPartReception func(id ltp.SessionID, data []byte)

	// GreenPartSegmentArrival fires once per arriving green data segment,
	// including the one carrying end-of-block.
	GreenPartSegmentArrival func(id ltp.SessionID, data []byte, isEndOfBlock bool)

	// TransmissionSessionCompleted fires once a sender session's red part is
	// fully acknowledged (or the block was pure green and fully sent).
	TransmissionSessionCompleted func(id ltp.SessionID)

	// InitialTransmissionCompleted fires once a sender session's first pass
	// over the whole block (red and green) has been sent.
	InitialTransmissionCompleted func(id ltp.SessionID)

	// TransmissionSessionCancelled fires when a sender session is destroyed
	// by cancellation, in either direction.
	TransmissionSessionCancelled func(id ltp.SessionID, reason ltp.ReasonCode)

	// ReceptionSessionCancelled fires when a receiver session is destroyed
	// by cancellation, in either direction, or by stagnation.
	ReceptionSessionCancelled func(id ltp.SessionID, reason ltp.ReasonCode)

	// OnFailedBundleSend fires when a client-requested transmission does not
	// complete (client-initiated cancel, or a cancel received from the peer).
	OnFailedBundleSend func(id ltp.SessionID, userData any)

	// OnSuccessfulBundleSend fires when a client-requested transmission
	// completes successfully.
	OnSuccessfulBundleSend func(id ltp.SessionID, userData any)

	// OnOutductLinkStatusChanged fires when the engine's view of the link
	// flips: a failed transport send marks it down and the next successful
	// send marks it up, on any engine. On an outduct with a ping interval,
	// unanswered pings also mark it down and any inbound segment marks it up.
	OnOutductLinkStatusChanged func(up bool)
}

func (c Callbacks) sessionStart(id ltp.SessionID) {
	if c.SessionStart != nil {
		c.SessionStart(id)
	}
}

func (c Callbacks) redPartReception(id ltp.SessionID, data []byte) {
	if c.RedPartReception != nil {
		c.RedPartReception(id, data)
	}
}

func (c Callbacks) greenPartSegmentArrival(id ltp.SessionID, data []byte, eob bool) {
	if c.GreenPartSegmentArrival != nil {
		c.GreenPartSegmentArrival(id, data, eob)
	}
}

func (c Callbacks) transmissionSessionCompleted(id ltp.SessionID) {
	if c.TransmissionSessionCompleted != nil {
		c.TransmissionSessionCompleted(id)
	}
}

func (c Callbacks) initialTransmissionCompleted(id ltp.SessionID) {
	if c.InitialTransmissionCompleted != nil {
		c.InitialTransmissionCompleted(id)
	}
}

func (c Callbacks) transmissionSessionCancelled(id ltp.SessionID, reason ltp.ReasonCode) {
	if c.TransmissionSessionCancelled != nil {
		c.TransmissionSessionCancelled(id, reason)
	}
}

func (c Callbacks) receptionSessionCancelled(id ltp.SessionID, reason ltp.ReasonCode) {
	if c.ReceptionSessionCancelled != nil {
		c.ReceptionSessionCancelled(id, reason)
	}
}

func (c Callbacks) onFailedBundleSend(id ltp.SessionID, userData any) {
	if c.OnFailedBundleSend != nil {
		c.OnFailedBundleSend(id, userData)
	}
}

func (c Callbacks) onSuccessfulBundleSend(id ltp.SessionID, userData any) {
	if c.OnSuccessfulBundleSend != nil {
		c.OnSuccessfulBundleSend(id, userData)
	}
}

func (c Callbacks) onOutductLinkStatusChanged(up bool) {
	if c.OnOutductLinkStatusChanged != nil {
		c.OnOutductLinkStatusChanged(up)
	}
}
