package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/deepspace-dtn/ltp"
	"github.com/deepspace-dtn/ltp/fragset"
	"github.com/deepspace-dtn/ltp/timer"
)

// checkpointRecord is the state kept for one outstanding, unacknowledged
// checkpoint: the range it covers and how many times it has been retried.
type checkpointRecord struct {
	lowerBound, upperBound uint64
	retries                int
}

// sender is one outbound session's state, per spec.md §4.3. All methods run
// on the owning Engine's executor; nothing here takes a lock.
type sender struct {
	eng *Engine
	id  ltp.SessionID

	clientServiceID uint64
	store           blockStore
	redLen          uint64
	userData        any

	nextCheckpointSerial uint64
	checkpoints          map[uint64]checkpointRecord
	servicedReports      map[uint64]bool
	received             fragset.Set // union of every claim reported across the whole session

	everyNth       int
	segSinceCheckp int

	initialSent bool
	cancelling  bool
	cancelRetr  int
	destroyed   bool
}

// newSender builds the session's block store (disk-backed if the engine is
// configured for it, the given buffer held in memory otherwise, per
// spec.md §4.6) and writes the whole block through before any segment is
// scheduled, exactly as a sender's block is handed to disk up front.
func newSender(eng *Engine, id ltp.SessionID, clientServiceID uint64, block []byte, redLen uint64, userData any) (*sender, error) {
	store, err := eng.newBlockStore(uint64(len(block)))
	if err != nil {
		return nil, err
	}
	if err := store.WriteAt(0, block); err != nil {
		store.Close()
		return nil, err
	}
	return &sender{
		eng:             eng,
		id:              id,
		clientServiceID: clientServiceID,
		store:           store,
		redLen:          redLen,
		userData:        userData,
		checkpoints:     make(map[uint64]checkpointRecord),
		servicedReports: make(map[uint64]bool),
		everyNth:        eng.cfg.CheckpointEveryNthDataPacket,
	}, nil
}

// start fires session_start and emits the initial pass over the whole block.
func (s *sender) start() {
	s.eng.cb.sessionStart(s.id)
	s.sendInitial()
}

// segmentPlan is one chunk of the block to be emitted as a data segment.
type segmentPlan struct {
	offset, length uint64
	checkpoint     bool
	eorp           bool
	eob            bool
}

// planChunks splits [0,len(block)) into MTU-sized chunks and marks the
// checkpoint/EORP/EOB flags each chunk's segment must carry: the final red
// chunk always gets checkpoint+EORP (plus EOB if the block is pure red),
// the final chunk overall always gets EOB, and every Nth chunk (if
// everyNth>0) gets a discretionary checkpoint.
func (s *sender) planChunks() []segmentPlan {
	mtu := s.eng.cfg.MTUClientServiceData
	if mtu == 0 {
		mtu = s.store.Len()
		if mtu == 0 {
			mtu = 1
		}
	}
	var plans []segmentPlan
	total := s.store.Len()
	idx := 0
	for off := uint64(0); off < total; {
		end := off + mtu
		if end > total {
			end = total
		}
		if off < s.redLen && end > s.redLen {
			end = s.redLen // never let one chunk straddle the red/green boundary
		}
		isLastRed := end == s.redLen && s.redLen > 0
		isLastOverall := end == total
		p := segmentPlan{offset: off, length: end - off}
		if isLastRed {
			p.checkpoint = true
			p.eorp = true
		} else if s.everyNth > 0 && off < s.redLen {
			idx++
			if idx%s.everyNth == 0 {
				p.checkpoint = true
			}
		}
		if isLastOverall {
			p.eob = true
		}
		plans = append(plans, p)
		off = end
	}
	if total == 0 {
		// empty block: still need one EOB-carrying segment so the receiver
		// has something to close the session on.
		plans = append(plans, segmentPlan{eob: true, checkpoint: s.redLen == 0, eorp: s.redLen == 0})
	}
	return plans
}

func (s *sender) sendInitial() {
	for _, p := range s.planChunks() {
		s.emit(p, 0, 0)
	}
	s.initialSent = true
	s.eng.cb.initialTransmissionCompleted(s.id)
	if s.redLen == 0 {
		// Pure green block: nothing will ever be reported on, so the
		// transmission is complete the moment it has all been sent.
		s.eng.cb.transmissionSessionCompleted(s.id)
		s.eng.cb.onSuccessfulBundleSend(s.id, s.userData)
		s.eng.destroySender(s.id)
	}
}

// emit sends one planned chunk, registering+arming a checkpoint timer if the
// chunk is flagged as one. reportSerial is the serial of the report segment
// this chunk retransmits in response to, or 0 when not triggered by an
// incoming report. retries seeds the checkpointRecord's retry count: callers
// retransmitting an already-retried checkpoint must carry its count forward,
// or the RLEXC retry-limit check in onCheckpointTimeout can never trip; a
// nonzero retries also marks this call as a resend for stats purposes even
// though it carries no reportSerial of its own (a checkpoint-timeout retry).
func (s *sender) emit(p segmentPlan, reportSerial uint64, retries int) {
	payload, err := s.store.ReadAt(p.offset, p.length)
	if err != nil {
		s.eng.log.error("block store read failed, cancelling session", logrus.Fields{"err": err, "session": s.id})
		s.beginCancel(ltp.ReasonSystemCancelled)
		return
	}
	kind := s.kindFor(p)
	seg := ltp.Segment{
		Kind:            kind,
		Session:         s.id,
		ClientServiceID: s.clientServiceID,
		Offset:          p.offset,
		Length:          p.length,
		Payload:         payload,
	}
	if p.checkpoint {
		s.nextCheckpointSerial++
		serial := s.nextCheckpointSerial
		seg.CheckpointSerial = serial
		seg.ReportSerial = reportSerial
		s.checkpoints[serial] = checkpointRecord{lowerBound: p.offset, upperBound: p.offset + p.length, retries: retries}
		s.armCheckpointTimer(serial)
	}
	s.eng.sendSegment(seg)
	if reportSerial != 0 || retries != 0 {
		s.eng.stats.IncDataSegmentsRetransmitted()
	} else {
		s.eng.stats.IncDataSegmentsSent()
	}
}

func (s *sender) kindFor(p segmentPlan) ltp.SegmentKind {
	if p.offset >= s.redLen {
		if p.eob {
			return ltp.KindGreenDataEOB
		}
		return ltp.KindGreenData
	}
	switch {
	case p.checkpoint && p.eorp && p.eob:
		return ltp.KindRedDataCheckpointEORPEOB
	case p.checkpoint && p.eorp:
		return ltp.KindRedDataCheckpointEORP
	case p.checkpoint:
		return ltp.KindRedDataCheckpoint
	default:
		return ltp.KindRedData
	}
}

func (s *sender) armCheckpointTimer(serial uint64) {
	key := timer.Key{Session: s.id, Kind: timer.KindCheckpoint, Serial: serial}
	s.eng.timers.Arm(key, s.eng.cfg.CheckpointRTO(), func() {
		s.eng.post(func() { s.onCheckpointTimeout(serial) })
	})
}

func (s *sender) onCheckpointTimeout(serial uint64) {
	if s.destroyed {
		return
	}
	rec, ok := s.checkpoints[serial]
	if !ok {
		return // already serviced by an incoming report
	}
	s.eng.stats.IncCheckpointTimerExpired()
	if rec.retries >= s.eng.cfg.MaxRetriesPerSerialNumber {
		delete(s.checkpoints, serial)
		s.beginCancel(ltp.ReasonRetransmitLimitExceeded)
		return
	}
	rec.retries++
	delete(s.checkpoints, serial)
	isFinal := rec.upperBound == s.redLen && s.redLen > 0
	isPureRed := isFinal && s.redLen == s.store.Len()
	s.emit(segmentPlan{
		offset: rec.lowerBound, length: rec.upperBound - rec.lowerBound,
		checkpoint: true, eorp: isFinal, eob: isPureRed,
	}, 0, rec.retries)
}

// handleReport processes an inbound report segment covering [lb,ub).
func (s *sender) handleReport(seg ltp.Segment) {
	if s.destroyed {
		return
	}
	s.eng.sendReportAck(s.id, seg.ReportSerialNumber)
	if s.servicedReports[seg.ReportSerialNumber] {
		s.eng.stats.IncDeletedFullyClaimedPendingReports()
		return
	}
	s.servicedReports[seg.ReportSerialNumber] = true
	if ckpt := seg.CheckpointSerialNumber; ckpt != 0 {
		if _, ok := s.checkpoints[ckpt]; ok {
			delete(s.checkpoints, ckpt)
			s.eng.timers.Cancel(timer.Key{Session: s.id, Kind: timer.KindCheckpoint, Serial: ckpt})
		}
	}

	var claimed fragset.Set
	for _, c := range seg.Claims {
		claimed.Insert(c.Offset, c.End())
		s.received.Insert(c.Offset, c.End())
	}
	gaps := claimed.Gaps(seg.LowerBound, seg.UpperBound)
	if len(gaps) == 0 {
		// This report's own range is fully claimed, but the red part as a
		// whole may still have gaps a prior report never covered (e.g. one
		// retransmitted byte range reported back on its own, narrow bounds).
		// Completion depends on the union of every claim received so far.
		if s.received.CoversRange(0, s.redLen) {
			s.complete()
		}
		return
	}
	for _, g := range gaps {
		isFinal := g.End == s.redLen && s.redLen > 0
		isPureRed := isFinal && s.redLen == s.store.Len()
		s.emit(segmentPlan{
			offset: g.Start, length: g.End - g.Start,
			checkpoint: true, eorp: isFinal, eob: isPureRed,
		}, seg.ReportSerialNumber, 0)
	}
}

func (s *sender) complete() {
	s.eng.cb.transmissionSessionCompleted(s.id)
	s.eng.cb.onSuccessfulBundleSend(s.id, s.userData)
	s.eng.destroySender(s.id)
}

func (s *sender) beginCancel(reason ltp.ReasonCode) {
	if s.cancelling {
		return
	}
	s.cancelling = true
	s.eng.sendCancel(s.id, ltp.KindCancelFromSender, reason)
	s.armCancelAckTimer(reason)
	s.eng.cb.transmissionSessionCancelled(s.id, reason)
	s.eng.cb.onFailedBundleSend(s.id, s.userData)
}

func (s *sender) armCancelAckTimer(reason ltp.ReasonCode) {
	key := timer.Key{Session: s.id, Kind: timer.KindCancelAck, Serial: 1}
	s.eng.timers.Arm(key, s.eng.cfg.CheckpointRTO(), func() {
		s.eng.post(func() { s.onCancelAckTimeout(reason) })
	})
}

func (s *sender) onCancelAckTimeout(reason ltp.ReasonCode) {
	if s.destroyed {
		return
	}
	s.cancelRetr++
	if s.cancelRetr >= s.eng.cfg.MaxRetriesPerSerialNumber {
		s.eng.destroySender(s.id)
		return
	}
	s.eng.sendCancel(s.id, ltp.KindCancelFromSender, reason)
	s.armCancelAckTimer(reason)
}

// handleCancelFromReceiver processes a cancel the receiver sent us.
func (s *sender) handleCancelFromReceiver(seg ltp.Segment) {
	if s.destroyed {
		return
	}
	s.eng.sendCancelAck(s.id, ltp.KindCancelAckFromSender)
	s.eng.cb.transmissionSessionCancelled(s.id, seg.Reason)
	s.eng.cb.onFailedBundleSend(s.id, s.userData)
	s.eng.destroySender(s.id)
}

// handleCancelAck processes the receiver's acknowledgement of our cancel.
func (s *sender) handleCancelAck(ltp.Segment) {
	if s.destroyed {
		return
	}
	s.eng.timers.Cancel(timer.Key{Session: s.id, Kind: timer.KindCancelAck, Serial: 1})
	s.eng.destroySender(s.id)
}

// clientCancel is invoked by CancellationRequest.
func (s *sender) clientCancel() {
	if s.cancelling || s.destroyed {
		return
	}
	s.beginCancel(ltp.ReasonUserCancelled)
}
