package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deepspace-dtn/ltp"
	"github.com/deepspace-dtn/ltp/config"
	"github.com/deepspace-dtn/ltp/fragset"
	"github.com/deepspace-dtn/ltp/timer"
)

// reportRecord tracks one report segment this receiver has sent and is
// waiting to have acknowledged (or retried).
type reportRecord struct {
	lowerBound, upperBound uint64
	retries                int
}

// receiver is one inbound session's state, per spec.md §4.4.
type receiver struct {
	eng *Engine
	id  ltp.SessionID

	clientServiceID uint64
	redLenKnown     bool
	redLen          uint64

	received fragset.Set
	store    blockStore // grown lazily to hold arriving offsets

	sawFirstCheckpoint bool
	nextReportSerial   uint64
	outstanding        map[uint64]reportRecord

	deliveredRed bool
	destroyed    bool
}

// newReceiver builds the session's block store immediately: disk-backed
// if the engine is configured for it (sized from the engine's red-receive
// budget, since the final length isn't known until end-of-red-part
// arrives), an in-memory buffer grown on demand otherwise. A store
// construction failure is reported to the caller so the session is never
// registered half-built.
func newReceiver(eng *Engine, id ltp.SessionID, clientServiceID uint64) (*receiver, error) {
	store, err := eng.newBlockStore(0)
	if err != nil {
		return nil, err
	}
	return &receiver{
		eng:             eng,
		id:              id,
		clientServiceID: clientServiceID,
		store:           store,
		outstanding:     make(map[uint64]reportRecord),
	}, nil
}

// contiguousFromZero returns the largest N such that [0,N) has been fully
// received so far.
func (r *receiver) contiguousFromZero() uint64 {
	ivs := r.received.Intervals()
	if len(ivs) == 0 || ivs[0].Start != 0 {
		return 0
	}
	return ivs[0].End
}

// writeAt stores an arriving segment's payload. A disk write failure is
// fatal for the session (spec.md §7): it cancels rather than silently
// dropping bytes a report would otherwise claim as received.
func (r *receiver) writeAt(offset uint64, data []byte) bool {
	if err := r.store.WriteAt(offset, data); err != nil {
		r.eng.log.error("block store write failed, cancelling session", logrus.Fields{"err": err, "session": r.id})
		r.eng.sendCancel(r.id, ltp.KindCancelFromReceiver, ltp.ReasonSystemCancelled)
		r.eng.cb.receptionSessionCancelled(r.id, ltp.ReasonSystemCancelled)
		r.eng.destroyReceiver(r.id)
		return false
	}
	return true
}

func (r *receiver) armStagnationTimer() {
	key := timer.Key{Session: r.id, Kind: timer.KindStagnation, Serial: 0}
	rto := r.eng.cfg.CheckpointRTO() * time.Duration(r.eng.cfg.MaxRetriesPerSerialNumber)
	r.eng.timers.Arm(key, rto, func() {
		r.eng.post(func() { r.onStagnationTimeout() })
	})
}

func (r *receiver) onStagnationTimeout() {
	if r.destroyed || r.deliveredRed {
		return
	}
	r.eng.sendCancel(r.id, ltp.KindCancelFromReceiver, ltp.ReasonUserCancelled)
	r.eng.cb.receptionSessionCancelled(r.id, ltp.ReasonUserCancelled)
	r.eng.destroyReceiver(r.id)
}

// handleDataSegment processes one arriving data segment, new session or not.
func (r *receiver) handleDataSegment(seg ltp.Segment, firstForSession bool) {
	if r.destroyed {
		return
	}
	if firstForSession {
		r.eng.cb.sessionStart(r.id)
	}
	if bound := r.eng.cfg.MaxRedRxBytesPerSession; bound > 0 && seg.Offset+seg.Length > bound {
		// The peer is offering more bytes than this session is allowed to
		// buffer (spec.md §7's anti-replay/session-size bound): close the
		// session with a protocol-error cancel rather than let the block
		// store grow without limit.
		r.eng.log.warn("incoming segment exceeds max_red_rx_bytes_per_session, cancelling", logrus.Fields{"session": r.id, "bound": bound, "end": seg.Offset + seg.Length})
		r.eng.sendCancel(r.id, ltp.KindCancelFromReceiver, ltp.ReasonSystemCancelled)
		r.eng.cb.receptionSessionCancelled(r.id, ltp.ReasonSystemCancelled)
		r.eng.destroyReceiver(r.id)
		return
	}
	contiguousBefore := r.contiguousFromZero()
	if !r.writeAt(seg.Offset, seg.Payload) {
		return
	}
	r.received.Insert(seg.Offset, seg.Offset+seg.Length)
	r.armStagnationTimer()

	if seg.Kind.IsRed() && seg.Offset > contiguousBefore {
		// This segment landed past a still-open gap in the red part: it is
		// being reassembled out of delivery order, the gap it lands past
		// gets filled in only once the missing bytes between arrive.
		r.eng.stats.IncGapsFilledByOutOfOrderDataSegments()
	}

	if seg.Kind.IsGreen() {
		r.eng.cb.greenPartSegmentArrival(r.id, seg.Payload, seg.Kind.IsEndOfBlock())
		return
	}

	if seg.Kind.IsEndOfRedPart() {
		r.redLenKnown = true
		r.redLen = seg.Offset + seg.Length
	}

	if r.redLenKnown && !r.deliveredRed && r.received.CoversRange(0, r.redLen) {
		red, err := r.store.ReadAt(0, r.redLen)
		if err != nil {
			r.eng.log.error("block store read failed, cancelling session", logrus.Fields{"err": err, "session": r.id})
			r.eng.sendCancel(r.id, ltp.KindCancelFromReceiver, ltp.ReasonSystemCancelled)
			r.eng.cb.receptionSessionCancelled(r.id, ltp.ReasonSystemCancelled)
			r.eng.destroyReceiver(r.id)
			return
		}
		r.deliveredRed = true
		r.eng.cb.redPartReception(r.id, append([]byte(nil), red...))
	}

	if seg.Kind.IsCheckpoint() {
		r.handleCheckpoint(seg)
	}
}

func (r *receiver) handleCheckpoint(seg ltp.Segment) {
	var lb, ub uint64
	if !r.sawFirstCheckpoint {
		lb, ub = 0, seg.Offset+seg.Length
	} else {
		lb, ub = seg.Offset, seg.Offset+seg.Length
	}
	r.sawFirstCheckpoint = true

	delay := r.eng.cfg.DelaySendingOfReportSegments
	if delay <= 0 {
		r.sendReport(lb, ub)
		return
	}
	key := timer.Key{Session: r.id, Kind: timer.KindReport, Serial: seg.CheckpointSerial}
	r.eng.timers.Arm(key, delay, func() {
		r.eng.post(func() { r.onDeferredReportTimeout(lb, ub) })
	})
}

func (r *receiver) onDeferredReportTimeout(lb, ub uint64) {
	if r.destroyed {
		return
	}
	if r.received.CoversRange(lb, ub) {
		r.eng.stats.IncDelayedFullyClaimedPrimaryReportSegmentsSent()
	} else {
		r.eng.stats.IncDelayedPartiallyClaimedPrimaryReportSegmentsSent()
	}
	r.sendReport(lb, ub)
}

// sendReport emits one or more report segments covering [lb,ub) with the
// receiver's current claims in that range, splitting into several segments
// when the claims don't fit within mtu_report_segment (spec.md §4.4), and
// arms each segment's own retransmission timer.
func (r *receiver) sendReport(lb, ub uint64) {
	segs := r.buildReportSegments(r.nextReportSerial+1, lb, ub)
	r.nextReportSerial += uint64(len(segs))
	for _, seg := range segs {
		r.eng.sendSegment(seg)
		r.eng.stats.IncReportSegmentsSent()
		r.outstanding[seg.ReportSerialNumber] = reportRecord{lowerBound: seg.LowerBound, upperBound: seg.UpperBound}
		r.armReportTimer(seg.ReportSerialNumber)
	}
}

// buildReportSegments splits the reception claims within [lb,ub) into one or
// more report segments, each encoding within r.eng.cfg.MTUReportSegment
// bytes, with each segment's [LowerBound,UpperBound) stitched contiguously
// so their concatenation reconstructs [lb,ub) with no gaps or overlap.
// firstSerial is the serial assigned to the first segment; subsequent
// segments get consecutive serials.
func (r *receiver) buildReportSegments(firstSerial, lb, ub uint64) []ltp.Segment {
	claims := r.received.ClaimsWithin(lb, ub)
	if len(claims) == 0 {
		return []ltp.Segment{{
			Kind: ltp.KindReport, Session: r.id,
			ReportSerialNumber: firstSerial,
			LowerBound:         lb, UpperBound: ub,
		}}
	}

	mtu := r.eng.cfg.MTUReportSegment
	var segs []ltp.Segment
	segLB := lb
	serial := firstSerial
	var chunk []ltp.ReceptionClaim
	closeChunk := func(segUB uint64) {
		segs = append(segs, ltp.Segment{
			Kind: ltp.KindReport, Session: r.id,
			ReportSerialNumber: serial,
			LowerBound:         segLB, UpperBound: segUB,
			Claims: chunk,
		})
		serial++
		segLB = segUB
		chunk = nil
	}
	fits := func(withClaims []ltp.ReceptionClaim, segUB uint64) bool {
		if mtu == config.UnlimitedReportMTU {
			return true
		}
		trial := ltp.Segment{
			Kind: ltp.KindReport, Session: r.id,
			ReportSerialNumber: serial,
			LowerBound:         segLB, UpperBound: segUB,
			Claims: withClaims,
		}
		buf, err := ltp.Encode(nil, trial)
		return err == nil && uint64(len(buf)) <= mtu
	}

	for _, iv := range claims {
		claim := ltp.ReceptionClaim{Offset: iv.Start, Length: iv.Len()}
		candidate := append(append([]ltp.ReceptionClaim(nil), chunk...), claim)
		if len(chunk) > 0 && !fits(candidate, iv.End) {
			// This claim doesn't fit alongside what's already accumulated:
			// close the chunk out at its last claim's end and start fresh.
			closeChunk(chunk[len(chunk)-1].End())
			candidate = []ltp.ReceptionClaim{claim}
		}
		if len(candidate) == 1 && !fits(candidate, iv.End) {
			// A single claim alone exceeds the configured MTU: it still has
			// to be reported (dropping it would lose reception information
			// the sender needs), but this is a real MTU violation.
			r.eng.stats.IncReportSegmentsUnableToBeIssued()
		}
		chunk = candidate
	}
	closeChunk(ub)
	return segs
}

func (r *receiver) armReportTimer(serial uint64) {
	key := timer.Key{Session: r.id, Kind: timer.KindReport, Serial: serial}
	r.eng.timers.Arm(key, r.eng.cfg.CheckpointRTO(), func() {
		r.eng.post(func() { r.onReportTimeout(serial) })
	})
}

func (r *receiver) onReportTimeout(serial uint64) {
	if r.destroyed {
		return
	}
	rec, ok := r.outstanding[serial]
	if !ok {
		return
	}
	r.eng.stats.IncReportTimerExpired()
	if rec.retries >= r.eng.cfg.MaxRetriesPerSerialNumber {
		delete(r.outstanding, serial)
		r.eng.sendCancel(r.id, ltp.KindCancelFromReceiver, ltp.ReasonRetransmitLimitExceeded)
		r.eng.cb.receptionSessionCancelled(r.id, ltp.ReasonRetransmitLimitExceeded)
		r.eng.destroyReceiver(r.id)
		return
	}
	delete(r.outstanding, serial)
	rec.retries++
	segs := r.buildReportSegments(r.nextReportSerial+1, rec.lowerBound, rec.upperBound)
	r.nextReportSerial += uint64(len(segs))
	for _, seg := range segs {
		r.eng.sendSegment(seg)
		r.eng.stats.IncReportSegmentsSent()
		r.outstanding[seg.ReportSerialNumber] = reportRecord{lowerBound: seg.LowerBound, upperBound: seg.UpperBound, retries: rec.retries}
		r.armReportTimer(seg.ReportSerialNumber)
	}
}

// handleReportAck processes the sender's acknowledgement of a report.
func (r *receiver) handleReportAck(seg ltp.Segment) {
	if r.destroyed {
		return
	}
	r.eng.timers.Cancel(timer.Key{Session: r.id, Kind: timer.KindReport, Serial: seg.ReportSerialNumber})
	delete(r.outstanding, seg.ReportSerialNumber)
	if r.deliveredRed && len(r.outstanding) == 0 {
		r.eng.history.Remember(r.id)
		r.eng.destroyReceiver(r.id)
	}
}

// handleCancelFromSender processes a cancel the sender sent us.
func (r *receiver) handleCancelFromSender(seg ltp.Segment) {
	if r.destroyed {
		return
	}
	r.eng.sendCancelAck(r.id, ltp.KindCancelAckFromReceiver)
	r.eng.cb.receptionSessionCancelled(r.id, seg.Reason)
	r.eng.destroyReceiver(r.id)
}
