// Package engine implements the LTP engine: the session-oriented state
// machine described in spec §4.2-§4.4, wired to a pluggable Transport, a
// timer.Manager for retransmission, and a stats.Set for observability.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/deepspace-dtn/ltp"
	"github.com/deepspace-dtn/ltp/antireplay"
	"github.com/deepspace-dtn/ltp/config"
	"github.com/deepspace-dtn/ltp/diskstore"
	"github.com/deepspace-dtn/ltp/sessionid"
	"github.com/deepspace-dtn/ltp/stats"
	"github.com/deepspace-dtn/ltp/timer"
)

// ErrSessionNotFound is returned by CancellationRequest when no active
// sender exists for the given session id.
var ErrSessionNotFound = errors.New("engine: no active session for that id")

// Engine owns every session for exactly one remote peer and serializes all
// segment processing, timer expirations, and session mutation on a single
// executor goroutine; see spec §5. Construct with New, start the executor
// with Run, and stop it by cancelling the context passed to Run.
type Engine struct {
	cfg       config.Engine
	cb        Callbacks
	transport Transport
	stats     *stats.Set
	log       logger
	clock     timer.Clock
	timers    *timer.Manager
	sidGen    sessionid.Generator
	history   *antireplay.History
	limiter   *rate.Limiter
	diskStore *diskstore.Store

	tasks chan func()

	senders   map[ltp.SessionID]*sender
	receivers map[ltp.SessionID]*receiver

	pingSerial  uint64
	pingID      ltp.SessionID
	pingRetries int
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithTransport attaches the transport binding the engine sends segments
// through. Required before Run is called, but may be set after New so
// transports that need a back-reference to the engine can be constructed in
// between.
func WithTransport(t Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithCallbacks registers the client callback set.
func WithCallbacks(cb Callbacks) Option {
	return func(e *Engine) { e.cb = cb }
}

// WithClock overrides the production clock, for deterministic tests.
func WithClock(c timer.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger overrides the default standard-logger entry.
func WithLogger(l *logrus.Entry) Option {
	return func(e *Engine) { e.log = newLogger(l) }
}

// WithStats overrides the default stats.Set (useful to share one Set across
// engines registered with the same prometheus.Registry).
func WithStats(s *stats.Set) Option {
	return func(e *Engine) { e.stats = s }
}

// New validates cfg and constructs an Engine. The returned Engine does not
// process anything until Run is called.
func New(cfg config.Engine, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		stats:     stats.New(fmt.Sprintf("%d", cfg.ThisEngineID)),
		log:       newLogger(nil),
		clock:     timer.RealClock{},
		sidGen:    sessionid.Generator{EngineIndex: cfg.EngineIndex, Force32Bit: cfg.ForceSessionNumber32Bit},
		history:   antireplay.NewHistory(cfg.RxAntiReplayHistorySize),
		limiter:   newRateLimiter(cfg.MaxSendRateBitsPerSec, cfg.RateLimitPrecisionMicroseconds),
		tasks:     make(chan func(), 256),
		senders:   make(map[ltp.SessionID]*sender),
		receivers: make(map[ltp.SessionID]*receiver),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.timers = timer.NewManager(e.clock)
	if cfg.DiskStoreEnabled() {
		// Roll timing uses the wall clock rather than e.clock: e.clock is
		// swappable for a FakeClock in tests but only exposes AfterFunc, not
		// Now, and the store's own tests inject their own time source.
		e.diskStore = diskstore.New(cfg.ActiveSessionDataOnDiskDirectory, cfg.ActiveSessionDataOnDiskNewFileDuration, nil)
	}
	if e.cfg.SenderPingInterval > 0 && !e.cfg.IsInduct {
		e.pingID = ltp.SessionID{Originator: e.cfg.ThisEngineID, Number: 0}
		e.armPingTimer()
	}
	return e, nil
}

// Run drains the executor's task queue until ctx is cancelled. It should be
// run on its own goroutine. TransmissionRequest, CancellationRequest,
// DeliverIncomingPacket, Sync and Reset are safe to call from any goroutine
// because they only post work here; SetTransport, RunOne and Drain do not
// post and run on the calling goroutine, for setup before Run or for tests
// without a Run loop.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.tasks:
			task()
		}
	}
}

// post enqueues fn to run on the executor. The send blocks while the task
// queue is full, so callers already on the executor call fn directly
// instead of posting to themselves.
func (e *Engine) post(fn func()) {
	e.tasks <- fn
}

// RunOne drains exactly one pending task, for synchronous tests driving the
// executor without a background goroutine.
func (e *Engine) RunOne() bool {
	select {
	case task := <-e.tasks:
		task()
		return true
	default:
		return false
	}
}

// Drain runs pending tasks until none remain, for tests.
func (e *Engine) Drain() {
	for e.RunOne() {
	}
}

// Sync blocks until every task posted before this call has run. Combined
// with a background Run goroutine and a FakeClock, tests call Sync after
// Advance to wait for the timer callbacks it posted to actually execute
// before asserting on engine state.
func (e *Engine) Sync() {
	done := make(chan struct{})
	e.post(func() { close(done) })
	<-done
}

// Stats returns the engine's observability surface.
func (e *Engine) Stats() *stats.Set { return e.stats }

// SetTransport attaches (or replaces) the transport binding, for bindings
// that need a constructed Engine to obtain their own back-reference before
// they can be built (e.g. a UDP binding shared across several engines).
func (e *Engine) SetTransport(t Transport) { e.transport = t }

// TransmissionRequest opens a new outbound session carrying block, with the
// first redLen bytes reliably (red) transferred and the remainder best
// effort (green). destEngineID must equal this engine's configured remote
// peer.
func (e *Engine) TransmissionRequest(destClientServiceID, destEngineID uint64, block []byte, redLen uint64, userData any) (ltp.SessionID, error) {
	if destEngineID != e.cfg.RemoteEngineID {
		return ltp.SessionID{}, fmt.Errorf("engine: dest_engine_id %d does not match remote peer %d", destEngineID, e.cfg.RemoteEngineID)
	}
	if redLen > uint64(len(block)) {
		return ltp.SessionID{}, fmt.Errorf("engine: red_len %d exceeds block length %d", redLen, len(block))
	}
	type result struct {
		id  ltp.SessionID
		err error
	}
	ch := make(chan result, 1)
	e.post(func() {
		number, err := e.sidGen.NextUnused(func(n uint64) bool {
			_, ok := e.senders[ltp.SessionID{Originator: e.cfg.ThisEngineID, Number: n}]
			return ok
		})
		if err != nil {
			ch <- result{err: fmt.Errorf("engine: %w", err)}
			return
		}
		id := ltp.SessionID{Originator: e.cfg.ThisEngineID, Number: number}
		s, err := newSender(e, id, destClientServiceID, block, redLen, userData)
		if err != nil {
			ch <- result{err: fmt.Errorf("engine: %w", err)}
			return
		}
		e.senders[id] = s
		e.stats.IncSessionsStarted()
		s.start()
		ch <- result{id: id}
	})
	r := <-ch
	return r.id, r.err
}

// CancellationRequest initiates a sender-initiated cancel of an active
// outbound session. It is idempotent: a second call before the cancel is
// acknowledged is a no-op.
func (e *Engine) CancellationRequest(id ltp.SessionID) error {
	done := make(chan error, 1)
	e.post(func() {
		s, ok := e.senders[id]
		if !ok {
			done <- ErrSessionNotFound
			return
		}
		s.clientCancel()
		done <- nil
	})
	return <-done
}

// DeliverIncomingPacket is the transport's entry point for one arriving
// packet. buf is copied before this call returns if the caller does not
// retain ownership; the engine always copies it onto the executor task.
func (e *Engine) DeliverIncomingPacket(buf []byte) {
	owned := append([]byte(nil), buf...)
	e.post(func() { e.handleIncoming(owned) })
}

func (e *Engine) handleIncoming(buf []byte) {
	dir, _, err := ltp.PeekDirection(buf)
	if err != nil {
		e.stats.IncMalformedSegmentsDropped()
		e.log.warn("dropping malformed segment header", logrus.Fields{"err": err})
		return
	}
	seg, _, err := ltp.Decode(buf)
	if err != nil {
		e.stats.IncMalformedSegmentsDropped()
		e.log.warn("dropping malformed segment", logrus.Fields{"err": err})
		return
	}

	switch dir {
	case ltp.DirSenderToReceiver:
		e.stats.IncUDPPacketsReceivedByReceiver()
		if seg.Session.Originator != e.cfg.RemoteEngineID {
			e.stats.IncWrongEngineDropped()
			return
		}
		e.routeToReceiver(seg)
	case ltp.DirReceiverToSender:
		e.stats.IncUDPPacketsReceivedBySender()
		if seg.Session.EngineIndex() != e.cfg.EngineIndex {
			e.stats.IncWrongEngineDropped()
			return
		}
		e.routeToSender(seg)
	}
	e.noteActivity()
}

func (e *Engine) routeToReceiver(seg ltp.Segment) {
	if seg.Kind == ltp.KindCancelFromSender {
		if r, ok := e.receivers[seg.Session]; ok {
			r.handleCancelFromSender(seg)
		} else {
			e.sendCancelAck(seg.Session, ltp.KindCancelAckFromReceiver)
		}
		return
	}
	if seg.Kind == ltp.KindCancelAckFromSender {
		return // nothing to do on the receiver side besides ignore
	}
	if seg.Kind == ltp.KindReportAck {
		if r, ok := e.receivers[seg.Session]; ok {
			r.handleReportAck(seg)
		}
		return
	}

	r, ok := e.receivers[seg.Session]
	if !ok {
		if e.history.Contains(seg.Session) {
			e.stats.IncAntiReplayHits()
			return
		}
		if e.cfg.ClientServiceID != 0 && seg.ClientServiceID != e.cfg.ClientServiceID {
			// Rejected before any block storage is ever allocated for it.
			e.stats.IncSessionsStarted()
			e.sendCancel(seg.Session, ltp.KindCancelFromReceiver, ltp.ReasonUnreachable)
			e.cb.receptionSessionCancelled(seg.Session, ltp.ReasonUnreachable)
			e.stats.IncSessionsCompleted()
			return
		}
		var err error
		r, err = newReceiver(e, seg.Session, seg.ClientServiceID)
		if err != nil {
			e.log.error("failed to allocate session block storage", logrus.Fields{"err": err, "session": seg.Session})
			return
		}
		e.receivers[seg.Session] = r
		e.stats.IncSessionsStarted()
	}
	r.handleDataSegment(seg, !ok)
}

func (e *Engine) routeToSender(seg ltp.Segment) {
	s, ok := e.senders[seg.Session]
	if !ok {
		return // stale reply for an already-destroyed session; ignore
	}
	switch seg.Kind {
	case ltp.KindReport:
		s.handleReport(seg)
	case ltp.KindCancelFromReceiver:
		s.handleCancelFromReceiver(seg)
	case ltp.KindCancelAckFromReceiver:
		s.handleCancelAck(seg)
	}
}

func (e *Engine) destroySender(id ltp.SessionID) {
	if s, ok := e.senders[id]; ok {
		s.destroyed = true
		delete(e.senders, id)
		e.timers.CancelSession(id)
		e.stats.IncSessionsCompleted()
		if err := s.store.Close(); err != nil {
			e.log.warn("block store close failed", logrus.Fields{"err": err, "session": id})
		}
	}
}

func (e *Engine) destroyReceiver(id ltp.SessionID) {
	if r, ok := e.receivers[id]; ok {
		r.destroyed = true
		delete(e.receivers, id)
		e.timers.CancelSession(id)
		e.stats.IncSessionsCompleted()
		if err := r.store.Close(); err != nil {
			e.log.warn("block store close failed", logrus.Fields{"err": err, "session": id})
		}
	}
}

// newBlockStore builds the block storage handle a new session uses, per
// spec.md §4.6: disk-backed when the engine is configured for it,
// otherwise an in-memory buffer. sizeHint is the sender's known block
// length, or 0 for a receiver (whose final size isn't known until the
// end-of-red-part segment arrives).
func (e *Engine) newBlockStore(sizeHint uint64) (blockStore, error) {
	if e.diskStore == nil {
		return newMemBlockStore(make([]byte, sizeHint)), nil
	}
	reserve := sizeHint
	if reserve == 0 {
		reserve = e.cfg.MaxRedRxBytesPerSession
		if reserve == 0 {
			reserve = uint64(e.cfg.EstimatedBytesPerSession)
		}
	}
	h, err := e.diskStore.Acquire(reserve)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return newDiskBlockStore(h), nil
}

// sendSegment encodes and sends seg, rate-limiting if configured.
func (e *Engine) sendSegment(seg ltp.Segment) {
	buf, err := ltp.Encode(nil, seg)
	if err != nil {
		e.log.error("refusing to encode outbound segment", logrus.Fields{"err": err})
		return
	}
	if e.limiter != nil {
		_ = admit(context.Background(), e.limiter, len(buf))
	}
	if e.transport == nil {
		return // no transport attached yet (tests exercising pure state machine)
	}
	if err := e.transport.SendOne(buf); err != nil {
		e.log.warn("transport send failed", logrus.Fields{"err": err})
		e.setLinkUp(false)
		return
	}
	e.setLinkUp(true)
}

func (e *Engine) sendReportAck(id ltp.SessionID, reportSerial uint64) {
	e.sendSegment(ltp.Segment{Kind: ltp.KindReportAck, Session: id, ReportSerialNumber: reportSerial})
	e.stats.IncReportAcksSent()
}

func (e *Engine) sendCancel(id ltp.SessionID, kind ltp.SegmentKind, reason ltp.ReasonCode) {
	e.sendSegment(ltp.Segment{Kind: kind, Session: id, Reason: reason})
	e.stats.IncCancelSegmentsSent()
}

func (e *Engine) sendCancelAck(id ltp.SessionID, kind ltp.SegmentKind) {
	e.sendSegment(ltp.Segment{Kind: kind, Session: id})
	e.stats.IncCancelAcksSent()
}

func (e *Engine) setLinkUp(up bool) {
	if e.stats.LinkUp() == up {
		return
	}
	e.stats.SetLinkUp(up)
	e.cb.onOutductLinkStatusChanged(up)
}

func (e *Engine) noteActivity() {
	if e.cfg.SenderPingInterval > 0 && !e.cfg.IsInduct {
		e.pingRetries = 0
		e.setLinkUp(true)
	}
}

// armPingTimer schedules the next link-liveness probe: a cancel segment for
// a deliberately nonexistent session number, which a live peer must
// cancel-ack.
func (e *Engine) armPingTimer() {
	key := timer.Key{Session: e.pingID, Kind: timer.KindPing, Serial: e.pingSerial}
	e.timers.Arm(key, e.cfg.SenderPingInterval, func() {
		e.post(e.sendPing)
	})
}

func (e *Engine) sendPing() {
	if len(e.senders) > 0 {
		// a real transmission is active; skip this tick and try again later.
		e.pingSerial++
		e.armPingTimer()
		return
	}
	e.sendCancel(e.pingID, ltp.KindCancelFromSender, ltp.ReasonUserCancelled)
	e.pingRetries++
	if e.pingRetries >= e.cfg.MaxRetriesPerSerialNumber {
		e.setLinkUp(false)
	}
	e.pingSerial++
	e.armPingTimer()
}

// Reset clears all sessions and cancels all timers. Test-only, per spec §4.2.
func (e *Engine) Reset() {
	done := make(chan struct{})
	e.post(func() {
		e.timers.Reset()
		e.senders = make(map[ltp.SessionID]*sender)
		e.receivers = make(map[ltp.SessionID]*receiver)
		close(done)
	})
	<-done
}
