// Package stats exposes an LTP engine's counters as a prometheus.Collector,
// grounded on the reporting pattern from runZeroInc/sockstats'
// pkg/exporter.TCPInfoCollector: a Describe/Collect pair that an external
// telemetry collector scrapes. This package only maintains the counters;
// registering them with a *prometheus.Registry and serving /metrics is the
// telemetry collector's job and stays out of scope here.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Set holds every counter/gauge the engine's testable properties (spec §8)
// and error-handling design (spec §7) require to be observable. All fields
// are safe for concurrent increment; Collect reads them atomically.
type Set struct {
	EngineID string

	dataSegmentsSent       atomic.Uint64
	dataSegmentsRetransmitted atomic.Uint64
	reportSegmentsSent     atomic.Uint64
	reportAcksSent         atomic.Uint64
	cancelSegmentsSent     atomic.Uint64
	cancelAcksSent         atomic.Uint64

	udpPacketsReceivedBySender   atomic.Uint64
	udpPacketsReceivedByReceiver atomic.Uint64

	checkpointTimerExpiredCallbacks atomic.Uint64
	reportTimerExpiredCallbacks     atomic.Uint64
	cancelAckTimerExpiredCallbacks  atomic.Uint64

	numDeletedFullyClaimedPendingReports   atomic.Uint64
	numGapsFilledByOutOfOrderDataSegments  atomic.Uint64
	numReportSegmentsUnableToBeIssued      atomic.Uint64

	numDelayedFullyClaimedPrimaryReportSegmentsSent    atomic.Uint64
	numDelayedPartiallyClaimedPrimaryReportSegmentsSent atomic.Uint64

	malformedSegmentsDropped atomic.Uint64
	wrongEngineDropped       atomic.Uint64
	antiReplayHits           atomic.Uint64
	udpRxOverruns            atomic.Uint64

	sessionsCompleted  atomic.Uint64
	sessionsCancelled  atomic.Uint64
	sessionsStarted    atomic.Uint64

	linkUp atomic.Bool
}

// New returns a Set labelled with engineID (typically the engine's
// this_engine_id, stringified), initialised link-up (matching the engine's
// optimistic initial state before any ping failure is observed).
func New(engineID string) *Set {
	s := &Set{EngineID: engineID}
	s.linkUp.Store(true)
	return s
}

func (s *Set) IncDataSegmentsSent()       { s.dataSegmentsSent.Add(1) }
func (s *Set) IncDataSegmentsRetransmitted() { s.dataSegmentsRetransmitted.Add(1) }
func (s *Set) IncReportSegmentsSent()      { s.reportSegmentsSent.Add(1) }
func (s *Set) IncReportAcksSent()          { s.reportAcksSent.Add(1) }
func (s *Set) IncCancelSegmentsSent()      { s.cancelSegmentsSent.Add(1) }
func (s *Set) IncCancelAcksSent()          { s.cancelAcksSent.Add(1) }

func (s *Set) IncUDPPacketsReceivedBySender()   { s.udpPacketsReceivedBySender.Add(1) }
func (s *Set) IncUDPPacketsReceivedByReceiver() { s.udpPacketsReceivedByReceiver.Add(1) }

func (s *Set) IncCheckpointTimerExpired() { s.checkpointTimerExpiredCallbacks.Add(1) }
func (s *Set) IncReportTimerExpired()     { s.reportTimerExpiredCallbacks.Add(1) }
func (s *Set) IncCancelAckTimerExpired()  { s.cancelAckTimerExpiredCallbacks.Add(1) }

func (s *Set) IncDeletedFullyClaimedPendingReports() { s.numDeletedFullyClaimedPendingReports.Add(1) }
func (s *Set) IncGapsFilledByOutOfOrderDataSegments() {
	s.numGapsFilledByOutOfOrderDataSegments.Add(1)
}
func (s *Set) IncReportSegmentsUnableToBeIssued() { s.numReportSegmentsUnableToBeIssued.Add(1) }

func (s *Set) IncDelayedFullyClaimedPrimaryReportSegmentsSent() {
	s.numDelayedFullyClaimedPrimaryReportSegmentsSent.Add(1)
}
func (s *Set) IncDelayedPartiallyClaimedPrimaryReportSegmentsSent() {
	s.numDelayedPartiallyClaimedPrimaryReportSegmentsSent.Add(1)
}

func (s *Set) IncMalformedSegmentsDropped() { s.malformedSegmentsDropped.Add(1) }
func (s *Set) IncWrongEngineDropped()       { s.wrongEngineDropped.Add(1) }
func (s *Set) IncAntiReplayHits()           { s.antiReplayHits.Add(1) }
func (s *Set) IncUDPRxOverruns()            { s.udpRxOverruns.Add(1) }

func (s *Set) IncSessionsStarted()   { s.sessionsStarted.Add(1) }
func (s *Set) IncSessionsCompleted() { s.sessionsCompleted.Add(1) }
func (s *Set) IncSessionsCancelled() { s.sessionsCancelled.Add(1) }

func (s *Set) SetLinkUp(up bool) { s.linkUp.Store(up) }
func (s *Set) LinkUp() bool      { return s.linkUp.Load() }

// Snapshot is a point-in-time copy of every counter, for tests that want to
// assert on exact values rather than scrape Collect.
type Snapshot struct {
	DataSegmentsSent, DataSegmentsRetransmitted                               uint64
	ReportSegmentsSent, ReportAcksSent, CancelSegmentsSent, CancelAcksSent    uint64
	UDPPacketsReceivedBySender, UDPPacketsReceivedByReceiver                  uint64
	CheckpointTimerExpiredCallbacks, ReportTimerExpiredCallbacks              uint64
	CancelAckTimerExpiredCallbacks                                            uint64
	NumDeletedFullyClaimedPendingReports, NumGapsFilledByOutOfOrderDataSegments uint64
	NumReportSegmentsUnableToBeIssued                                         uint64
	NumDelayedFullyClaimedPrimaryReportSegmentsSent                           uint64
	NumDelayedPartiallyClaimedPrimaryReportSegmentsSent                       uint64
	MalformedSegmentsDropped, WrongEngineDropped, AntiReplayHits, UDPRxOverruns uint64
	SessionsStarted, SessionsCompleted, SessionsCancelled                     uint64
	LinkUp                                                                    bool
}

func (s *Set) Snapshot() Snapshot {
	return Snapshot{
		DataSegmentsSent:                    s.dataSegmentsSent.Load(),
		DataSegmentsRetransmitted:           s.dataSegmentsRetransmitted.Load(),
		ReportSegmentsSent:                  s.reportSegmentsSent.Load(),
		ReportAcksSent:                      s.reportAcksSent.Load(),
		CancelSegmentsSent:                  s.cancelSegmentsSent.Load(),
		CancelAcksSent:                      s.cancelAcksSent.Load(),
		UDPPacketsReceivedBySender:          s.udpPacketsReceivedBySender.Load(),
		UDPPacketsReceivedByReceiver:        s.udpPacketsReceivedByReceiver.Load(),
		CheckpointTimerExpiredCallbacks:     s.checkpointTimerExpiredCallbacks.Load(),
		ReportTimerExpiredCallbacks:         s.reportTimerExpiredCallbacks.Load(),
		CancelAckTimerExpiredCallbacks:      s.cancelAckTimerExpiredCallbacks.Load(),
		NumDeletedFullyClaimedPendingReports: s.numDeletedFullyClaimedPendingReports.Load(),
		NumGapsFilledByOutOfOrderDataSegments: s.numGapsFilledByOutOfOrderDataSegments.Load(),
		NumReportSegmentsUnableToBeIssued:   s.numReportSegmentsUnableToBeIssued.Load(),
		NumDelayedFullyClaimedPrimaryReportSegmentsSent:     s.numDelayedFullyClaimedPrimaryReportSegmentsSent.Load(),
		NumDelayedPartiallyClaimedPrimaryReportSegmentsSent: s.numDelayedPartiallyClaimedPrimaryReportSegmentsSent.Load(),
		MalformedSegmentsDropped: s.malformedSegmentsDropped.Load(),
		WrongEngineDropped:       s.wrongEngineDropped.Load(),
		AntiReplayHits:           s.antiReplayHits.Load(),
		UDPRxOverruns:            s.udpRxOverruns.Load(),
		SessionsStarted:          s.sessionsStarted.Load(),
		SessionsCompleted:        s.sessionsCompleted.Load(),
		SessionsCancelled:        s.sessionsCancelled.Load(),
		LinkUp:                   s.LinkUp(),
	}
}

var descs = []struct {
	name string
	help string
	get  func(Snapshot) float64
}{
	{"ltp_data_segments_sent_total", "data segments sent", func(s Snapshot) float64 { return float64(s.DataSegmentsSent) }},
	{"ltp_data_segments_retransmitted_total", "data segments retransmitted", func(s Snapshot) float64 { return float64(s.DataSegmentsRetransmitted) }},
	{"ltp_report_segments_sent_total", "report segments sent", func(s Snapshot) float64 { return float64(s.ReportSegmentsSent) }},
	{"ltp_report_acks_sent_total", "report-ack segments sent", func(s Snapshot) float64 { return float64(s.ReportAcksSent) }},
	{"ltp_cancel_segments_sent_total", "cancel segments sent", func(s Snapshot) float64 { return float64(s.CancelSegmentsSent) }},
	{"ltp_cancel_acks_sent_total", "cancel-ack segments sent", func(s Snapshot) float64 { return float64(s.CancelAcksSent) }},
	{"ltp_checkpoint_timer_expired_total", "checkpoint timer expirations", func(s Snapshot) float64 { return float64(s.CheckpointTimerExpiredCallbacks) }},
	{"ltp_report_timer_expired_total", "report timer expirations", func(s Snapshot) float64 { return float64(s.ReportTimerExpiredCallbacks) }},
	{"ltp_cancel_ack_timer_expired_total", "cancel-ack timer expirations", func(s Snapshot) float64 { return float64(s.CancelAckTimerExpiredCallbacks) }},
	{"ltp_udp_packets_received_by_sender_total", "receiver-to-sender packets received", func(s Snapshot) float64 { return float64(s.UDPPacketsReceivedBySender) }},
	{"ltp_udp_packets_received_by_receiver_total", "sender-to-receiver packets received", func(s Snapshot) float64 { return float64(s.UDPPacketsReceivedByReceiver) }},
	{"ltp_deleted_fully_claimed_pending_reports_total", "duplicate reports already fully serviced", func(s Snapshot) float64 { return float64(s.NumDeletedFullyClaimedPendingReports) }},
	{"ltp_gaps_filled_by_out_of_order_data_segments_total", "red data segments arriving past a gap", func(s Snapshot) float64 { return float64(s.NumGapsFilledByOutOfOrderDataSegments) }},
	{"ltp_report_segments_unable_to_be_issued_total", "report segments exceeding the report MTU", func(s Snapshot) float64 { return float64(s.NumReportSegmentsUnableToBeIssued) }},
	{"ltp_delayed_fully_claimed_primary_report_segments_sent_total", "deferred reports sent fully claimed", func(s Snapshot) float64 { return float64(s.NumDelayedFullyClaimedPrimaryReportSegmentsSent) }},
	{"ltp_delayed_partially_claimed_primary_report_segments_sent_total", "deferred reports sent partially claimed", func(s Snapshot) float64 { return float64(s.NumDelayedPartiallyClaimedPrimaryReportSegmentsSent) }},
	{"ltp_malformed_segments_dropped_total", "malformed segments dropped", func(s Snapshot) float64 { return float64(s.MalformedSegmentsDropped) }},
	{"ltp_wrong_engine_dropped_total", "segments dropped for a wrong engine id or index", func(s Snapshot) float64 { return float64(s.WrongEngineDropped) }},
	{"ltp_anti_replay_hits_total", "segments dropped by the anti-replay history", func(s Snapshot) float64 { return float64(s.AntiReplayHits) }},
	{"ltp_udp_rx_overruns_total", "inbound packets dropped due to a full rx circular buffer", func(s Snapshot) float64 { return float64(s.UDPRxOverruns) }},
	{"ltp_sessions_started_total", "sessions started", func(s Snapshot) float64 { return float64(s.SessionsStarted) }},
	{"ltp_sessions_completed_total", "sessions completed successfully", func(s Snapshot) float64 { return float64(s.SessionsCompleted) }},
	{"ltp_sessions_cancelled_total", "sessions cancelled", func(s Snapshot) float64 { return float64(s.SessionsCancelled) }},
	{"ltp_link_up", "1 if the outduct considers the link up", func(s Snapshot) float64 {
		if s.LinkUp {
			return 1
		}
		return 0
	}},
}

// Describe implements prometheus.Collector.
func (s *Set) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descs {
		ch <- prometheus.NewDesc(d.name, d.help, nil, prometheus.Labels{"engine_id": s.EngineID})
	}
}

// Collect implements prometheus.Collector.
func (s *Set) Collect(ch chan<- prometheus.Metric) {
	snap := s.Snapshot()
	for _, d := range descs {
		valueType := prometheus.CounterValue
		if d.name == "ltp_link_up" {
			valueType = prometheus.GaugeValue
		}
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(d.name, d.help, nil, prometheus.Labels{"engine_id": s.EngineID}),
			valueType, d.get(snap),
		)
	}
}

var _ prometheus.Collector = (*Set)(nil)
