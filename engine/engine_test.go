package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/deepspace-dtn/ltp"
	"github.com/deepspace-dtn/ltp/config"
	"github.com/deepspace-dtn/ltp/engine"
	"github.com/deepspace-dtn/ltp/timer"
)

// pipeTransport delivers every sent packet straight to peer, optionally
// dropping segments matched by drop. It is the in-memory stand-in for a real
// transport binding the scenario tests in spec §8 are written against.
type pipeTransport struct {
	peer *engine.Engine
	drop func(seg ltp.Segment) bool
}

func (p *pipeTransport) SendOne(buf []byte) error {
	if p.drop != nil {
		seg, _, err := ltp.Decode(buf)
		if err == nil && p.drop(seg) {
			return nil
		}
	}
	cp := append([]byte(nil), buf...)
	p.peer.DeliverIncomingPacket(cp)
	return nil
}

func (p *pipeTransport) SendMany(bufs [][]byte) error {
	for _, b := range bufs {
		if err := p.SendOne(b); err != nil {
			return err
		}
	}
	return nil
}

type harness struct {
	t          *testing.T
	clock      *timer.FakeClock
	a, b       *engine.Engine
	ta, tb     *pipeTransport
	ctx        context.Context
	cancel     context.CancelFunc
	aEvents, bEvents *eventLog
}

type eventLog struct {
	mu                           sync.Mutex
	redParts                    [][]byte
	greenArrivals                int
	sessionCompleted             int
	initialTransmissionCompleted int
	sessionCancelled             []ltp.ReasonCode
	receptionCancelled           []ltp.ReasonCode
	failedSend                   int
	successfulSend               int
}

func baseConfig(thisID, remoteID uint64, isInduct bool) config.Engine {
	return config.Engine{
		ThisEngineID:                  thisID,
		RemoteEngineID:                remoteID,
		ClientServiceID:               7,
		IsInduct:                      isInduct,
		MTUClientServiceData:          1,
		MTUReportSegment:              config.UnlimitedReportMTU,
		OneWayLightTime:               250 * time.Millisecond,
		OneWayMarginTime:              250 * time.Millisecond,
		NumUDPRxCircularBufferVectors: 8,
		MaxRetriesPerSerialNumber:     5,
		MaxSimultaneousSessions:       16,
		RxAntiReplayHistorySize:       16,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := timer.NewFakeClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, clock: clock, ctx: ctx, cancel: cancel, aEvents: &eventLog{}, bEvents: &eventLog{}}

	cfgA := baseConfig(1, 2, false)
	cfgB := baseConfig(2, 1, true)

	a, err := engine.New(cfgA, engine.WithClock(clock), engine.WithCallbacks(h.aEvents.callbacks()))
	if err != nil {
		t.Fatalf("engine A: %v", err)
	}
	b, err := engine.New(cfgB, engine.WithClock(clock), engine.WithCallbacks(h.bEvents.callbacks()))
	if err != nil {
		t.Fatalf("engine B: %v", err)
	}
	h.a, h.b = a, b
	h.ta = &pipeTransport{peer: b}
	h.tb = &pipeTransport{peer: a}
	a.SetTransport(h.ta)
	b.SetTransport(h.tb)

	go a.Run(ctx)
	go b.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func (l *eventLog) callbacks() engine.Callbacks {
	return engine.Callbacks{
		RedPartReception: func(id ltp.SessionID, data []byte) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.redParts = append(l.redParts, append([]byte(nil), data...))
		},
		GreenPartSegmentArrival: func(id ltp.SessionID, data []byte, eob bool) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.greenArrivals++
		},
		TransmissionSessionCompleted: func(id ltp.SessionID) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.sessionCompleted++
		},
		InitialTransmissionCompleted: func(id ltp.SessionID) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.initialTransmissionCompleted++
		},
		TransmissionSessionCancelled: func(id ltp.SessionID, reason ltp.ReasonCode) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.sessionCancelled = append(l.sessionCancelled, reason)
		},
		ReceptionSessionCancelled: func(id ltp.SessionID, reason ltp.ReasonCode) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.receptionCancelled = append(l.receptionCancelled, reason)
		},
		OnFailedBundleSend: func(id ltp.SessionID, userData any) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.failedSend++
		},
		OnSuccessfulBundleSend: func(id ltp.SessionID, userData any) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.successfulSend++
		},
	}
}

func (l *eventLog) snapshot() eventLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return eventLog{
		redParts:                     l.redParts,
		greenArrivals:                l.greenArrivals,
		sessionCompleted:             l.sessionCompleted,
		initialTransmissionCompleted: l.initialTransmissionCompleted,
		sessionCancelled:             l.sessionCancelled,
		receptionCancelled:           l.receptionCancelled,
		failedSend:                   l.failedSend,
		successfulSend:               l.successfulSend,
	}
}

// settle syncs both engines enough times for a burst of cross-engine
// traffic to fully drain. It does not advance the clock; tests call
// h.clock.Advance themselves before settling.
func (h *harness) settle() {
	for i := 0; i < 4; i++ {
		h.a.Sync()
		h.b.Sync()
	}
}

func TestCleanRedTransfer(t *testing.T) {
	h := newHarness(t)
	block := []byte("The quick brown fox jumps over the lazy dog!")
	if len(block) != 44 {
		t.Fatalf("fixture length changed: %d", len(block))
	}
	id, err := h.a.TransmissionRequest(7, 2, block, uint64(len(block)), nil)
	if err != nil {
		t.Fatalf("transmission request: %v", err)
	}
	h.settle()

	snapB := h.bEvents.snapshot()
	if len(snapB.redParts) != 1 {
		t.Fatalf("expected exactly one red_part_reception, got %d", len(snapB.redParts))
	}
	if string(snapB.redParts[0]) != string(block) {
		t.Fatalf("delivered bytes mismatch: got %q", snapB.redParts[0])
	}
	if snapB.greenArrivals != 0 {
		t.Fatalf("expected no green arrivals for a fully-red block, got %d", snapB.greenArrivals)
	}

	snapA := h.aEvents.snapshot()
	if snapA.initialTransmissionCompleted != 1 {
		t.Fatalf("expected exactly one initial_transmission_completed, got %d", snapA.initialTransmissionCompleted)
	}
	if snapA.sessionCompleted != 1 {
		t.Fatalf("expected exactly one transmission_session_completed, got %d", snapA.sessionCompleted)
	}

	stA := h.a.Stats().Snapshot()
	if stA.DataSegmentsSent != 44 {
		t.Fatalf("expected 44 data segments sent, got %d", stA.DataSegmentsSent)
	}
	if stA.ReportSegmentsSent != 0 {
		t.Fatalf("sender should never send report segments, got %d", stA.ReportSegmentsSent)
	}
	stB := h.b.Stats().Snapshot()
	if stB.ReportSegmentsSent != 1 {
		t.Fatalf("expected exactly one report segment sent by receiver, got %d", stB.ReportSegmentsSent)
	}
	if stA.ReportAcksSent != 1 {
		t.Fatalf("expected exactly one report-ack sent by sender, got %d", stA.ReportAcksSent)
	}
	_ = id
}

func TestRedGreenMix(t *testing.T) {
	h := newHarness(t)
	block := []byte("The quick brown fox jumps over the lazy dog!GGE")
	if len(block) != 47 {
		t.Fatalf("fixture length changed: %d", len(block))
	}
	redLen := uint64(44)
	_, err := h.a.TransmissionRequest(7, 2, block, redLen, nil)
	if err != nil {
		t.Fatalf("transmission request: %v", err)
	}
	h.settle()

	snapB := h.bEvents.snapshot()
	if len(snapB.redParts) != 1 || string(snapB.redParts[0]) != string(block[:44]) {
		t.Fatalf("red part mismatch: %+v", snapB.redParts)
	}
	if snapB.greenArrivals != 3 {
		t.Fatalf("expected 3 green_part_segment_arrival callbacks, got %d", snapB.greenArrivals)
	}
}

func TestOneDroppedDataSegmentIsRetransmitted(t *testing.T) {
	h := newHarness(t)
	block := []byte("The quick brown fox jumps over the lazy dog!")
	dropped := false
	h.ta.drop = func(seg ltp.Segment) bool {
		if !dropped && seg.Kind.IsData() && seg.Offset == 9 {
			dropped = true
			return true
		}
		return false
	}
	_, err := h.a.TransmissionRequest(7, 2, block, uint64(len(block)), nil)
	if err != nil {
		t.Fatalf("transmission request: %v", err)
	}
	h.settle()
	h.clock.Advance(2 * time.Second)
	h.settle()

	snapB := h.bEvents.snapshot()
	if len(snapB.redParts) != 1 || string(snapB.redParts[0]) != string(block) {
		t.Fatalf("expected full red part eventually delivered, got %+v", snapB.redParts)
	}
	snapA := h.aEvents.snapshot()
	if snapA.sessionCompleted != 1 {
		t.Fatalf("expected exactly one transmission_session_completed, got %d", snapA.sessionCompleted)
	}
	stA := h.a.Stats().Snapshot()
	if stA.DataSegmentsRetransmitted == 0 {
		t.Fatalf("expected at least one retransmission")
	}
}

func TestReceiverCancelsUnreachableClientService(t *testing.T) {
	// B is built serving a different client service id than A requests, so
	// it must refuse the session with UNREACHABLE rather than accept it.
	h := newHarnessWithMismatchedClientService(t)
	block := []byte("x")
	_, err := h.a.TransmissionRequest(7, 2, block, 1, nil)
	if err != nil {
		t.Fatalf("transmission request: %v", err)
	}
	h.settle()

	snapA := h.aEvents.snapshot()
	if len(snapA.sessionCancelled) != 1 || snapA.sessionCancelled[0] != ltp.ReasonUnreachable {
		t.Fatalf("expected transmission_session_cancelled(UNREACHABLE), got %+v", snapA.sessionCancelled)
	}
	if snapA.failedSend != 1 {
		t.Fatalf("expected on_failed_bundle_send to fire once, got %d", snapA.failedSend)
	}
	snapB := h.bEvents.snapshot()
	if len(snapB.redParts) != 0 {
		t.Fatalf("expected no red_part_reception on a refused session")
	}
}

func newHarnessWithMismatchedClientService(t *testing.T) *harness {
	t.Helper()
	clock := timer.NewFakeClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, clock: clock, ctx: ctx, cancel: cancel, aEvents: &eventLog{}, bEvents: &eventLog{}}

	cfgA := baseConfig(1, 2, false)
	cfgB := baseConfig(2, 1, true)
	cfgB.ClientServiceID = 99 // does not match A's client_service_id of 7

	a, err := engine.New(cfgA, engine.WithClock(clock), engine.WithCallbacks(h.aEvents.callbacks()))
	if err != nil {
		t.Fatalf("engine A: %v", err)
	}
	b, err := engine.New(cfgB, engine.WithClock(clock), engine.WithCallbacks(h.bEvents.callbacks()))
	if err != nil {
		t.Fatalf("engine B: %v", err)
	}
	h.a, h.b = a, b
	h.ta = &pipeTransport{peer: b}
	h.tb = &pipeTransport{peer: a}
	a.SetTransport(h.ta)
	b.SetTransport(h.tb)

	go a.Run(ctx)
	go b.Run(ctx)
	t.Cleanup(cancel)
	return h
}

// newHarnessWithDeferredReports is newHarness with B (the induct/receiver)
// configured to hold each checkpoint's report for delay before sending it,
// per spec.md §4.4's delay_sending_of_report_segments.
func newHarnessWithDeferredReports(t *testing.T, delay time.Duration) *harness {
	t.Helper()
	clock := timer.NewFakeClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, clock: clock, ctx: ctx, cancel: cancel, aEvents: &eventLog{}, bEvents: &eventLog{}}

	cfgA := baseConfig(1, 2, false)
	cfgB := baseConfig(2, 1, true)
	cfgB.DelaySendingOfReportSegments = delay

	a, err := engine.New(cfgA, engine.WithClock(clock), engine.WithCallbacks(h.aEvents.callbacks()))
	if err != nil {
		t.Fatalf("engine A: %v", err)
	}
	b, err := engine.New(cfgB, engine.WithClock(clock), engine.WithCallbacks(h.bEvents.callbacks()))
	if err != nil {
		t.Fatalf("engine B: %v", err)
	}
	h.a, h.b = a, b
	h.ta = &pipeTransport{peer: b}
	h.tb = &pipeTransport{peer: a}
	a.SetTransport(h.ta)
	b.SetTransport(h.tb)

	go a.Run(ctx)
	go b.Run(ctx)
	t.Cleanup(cancel)
	return h
}

// TestDroppedCheckpointIsRetransmittedExactlyOnce is spec §8 scenario 4: a
// single dropped end-of-block checkpoint is retransmitted once the
// checkpoint timer expires, and the session completes with exactly one
// retransmission, not an unbounded retry storm.
func TestDroppedCheckpointIsRetransmittedExactlyOnce(t *testing.T) {
	h := newHarness(t)
	block := []byte("The quick brown fox jumps over the lazy dog!")
	dropped := false
	h.ta.drop = func(seg ltp.Segment) bool {
		if !dropped && seg.Kind.IsCheckpoint() && seg.Kind.IsEndOfBlock() {
			dropped = true
			return true
		}
		return false
	}
	_, err := h.a.TransmissionRequest(7, 2, block, uint64(len(block)), nil)
	if err != nil {
		t.Fatalf("transmission request: %v", err)
	}
	h.settle()
	h.clock.Advance(2 * time.Second)
	h.settle()

	snapB := h.bEvents.snapshot()
	if len(snapB.redParts) != 1 || string(snapB.redParts[0]) != string(block) {
		t.Fatalf("expected the full red part eventually delivered, got %+v", snapB.redParts)
	}
	snapA := h.aEvents.snapshot()
	if snapA.sessionCompleted != 1 {
		t.Fatalf("expected exactly one transmission_session_completed, got %d", snapA.sessionCompleted)
	}
	if len(snapA.sessionCancelled) != 0 {
		t.Fatalf("expected no cancellation for a single dropped checkpoint, got %+v", snapA.sessionCancelled)
	}
	stA := h.a.Stats().Snapshot()
	if stA.DataSegmentsRetransmitted != 1 {
		t.Fatalf("expected exactly 1 retransmission for one dropped checkpoint, got %d", stA.DataSegmentsRetransmitted)
	}
	if stA.CheckpointTimerExpiredCallbacks != 1 {
		t.Fatalf("expected exactly 1 checkpoint timer expiration, got %d", stA.CheckpointTimerExpiredCallbacks)
	}
}

// TestAlwaysDroppedCheckpointCancelsWithRLEXC is spec §8 scenario 5: a
// checkpoint that is dropped on every attempt exhausts
// max_retries_per_serial_number and the sender cancels with
// RETRANSMIT_LIMIT_EXCEEDED rather than retrying forever — the exact
// regression TestDroppedCheckpointIsRetransmittedExactlyOnce's sibling
// guards against (a retry count that never persists can never trip this).
func TestAlwaysDroppedCheckpointCancelsWithRLEXC(t *testing.T) {
	h := newHarness(t)
	block := []byte("The quick brown fox jumps over the lazy dog!")
	h.ta.drop = func(seg ltp.Segment) bool {
		return seg.Kind.IsCheckpoint() && seg.Kind.IsEndOfBlock()
	}
	_, err := h.a.TransmissionRequest(7, 2, block, uint64(len(block)), nil)
	if err != nil {
		t.Fatalf("transmission request: %v", err)
	}
	h.settle()

	cfgA := baseConfig(1, 2, false)
	for i := 0; i < int(cfgA.MaxRetriesPerSerialNumber)+1; i++ {
		h.clock.Advance(2 * time.Second)
		h.settle()
	}

	snapA := h.aEvents.snapshot()
	if len(snapA.sessionCancelled) != 1 || snapA.sessionCancelled[0] != ltp.ReasonRetransmitLimitExceeded {
		t.Fatalf("expected transmission_session_cancelled(RETRANSMIT_LIMIT_EXCEEDED), got %+v", snapA.sessionCancelled)
	}
	if snapA.failedSend != 1 {
		t.Fatalf("expected on_failed_bundle_send to fire exactly once, got %d", snapA.failedSend)
	}
	if snapA.sessionCompleted != 0 {
		t.Fatalf("cancelled session must never also report completed, got %d", snapA.sessionCompleted)
	}
	snapB := h.bEvents.snapshot()
	if len(snapB.redParts) != 0 {
		t.Fatalf("expected no red_part_reception since the checkpoint never arrived, got %+v", snapB.redParts)
	}
	stA := h.a.Stats().Snapshot()
	if stA.DataSegmentsRetransmitted != cfgA.MaxRetriesPerSerialNumber {
		t.Fatalf("expected exactly %d retransmissions before giving up, got %d", cfgA.MaxRetriesPerSerialNumber, stA.DataSegmentsRetransmitted)
	}
}

// TestOutOfOrderGapFillWithDeferredReporting is spec §8 scenario 7: a
// middle data segment arrives late (after later segments), and the induct
// holds its report for delay_sending_of_report_segments before reporting
// the gap back, rather than reporting immediately on each checkpoint.
func TestOutOfOrderGapFillWithDeferredReporting(t *testing.T) {
	const delay = 300 * time.Millisecond
	h := newHarnessWithDeferredReports(t, delay)
	block := []byte("The quick brown fox jumps over the lazy dog!")
	droppedOnce := false
	h.ta.drop = func(seg ltp.Segment) bool {
		if !droppedOnce && seg.Kind.IsData() && seg.Offset == 20 {
			droppedOnce = true
			return true
		}
		return false
	}
	_, err := h.a.TransmissionRequest(7, 2, block, uint64(len(block)), nil)
	if err != nil {
		t.Fatalf("transmission request: %v", err)
	}
	h.settle()
	h.clock.Advance(delay + 100*time.Millisecond)
	h.settle()
	h.clock.Advance(2 * time.Second)
	h.settle()

	snapB := h.bEvents.snapshot()
	if len(snapB.redParts) != 1 || string(snapB.redParts[0]) != string(block) {
		t.Fatalf("expected the full red part eventually delivered despite out-of-order arrival, got %+v", snapB.redParts)
	}
	stB := h.b.Stats().Snapshot()
	if stB.NumGapsFilledByOutOfOrderDataSegments == 0 {
		t.Fatalf("expected at least one gap filled by an out-of-order data segment")
	}
	if stB.NumDelayedPartiallyClaimedPrimaryReportSegmentsSent == 0 {
		t.Fatalf("expected the deferred report to have gone out still missing the retransmitted byte")
	}
}
