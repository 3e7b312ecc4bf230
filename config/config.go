// Package config holds the typed engine configuration option table from
// the LTP engine's external interface, and the validation that refuses a
// bad configuration at construction time rather than letting it misbehave
// at runtime (this engine's "Configuration invalid" error kind).
package config

import (
	"fmt"
	"math"
	"time"
)

// Engine is the full set of options accepted by engine.New. Field names are
// Go-cased renderings of the option table's names, some shortened or
// reworded (for example SenderPingInterval, RxAntiReplayHistorySize).
type Engine struct {
	ThisEngineID   uint64
	RemoteEngineID uint64
	ClientServiceID uint64

	// EngineIndex is embedded in the low 8 bits of every session number this
	// engine originates, and is what inbound receiver->sender segments are
	// checked against on a transport port shared by several engines.
	EngineIndex uint8

	// IsInduct selects receiver-only policy checks (true) vs sender-only
	// (false). An engine is one or the other, never both.
	IsInduct bool

	MTUClientServiceData uint64
	// MTUReportSegment caps bytes per report segment; math.MaxUint64 means
	// unlimited.
	MTUReportSegment uint64

	OneWayLightTime  time.Duration
	OneWayMarginTime time.Duration

	NumUDPRxCircularBufferVectors int
	EstimatedBytesPerSession      int
	MaxRedRxBytesPerSession       uint64

	CheckpointEveryNthDataPacket int
	MaxRetriesPerSerialNumber    int

	ForceSessionNumber32Bit bool

	MaxSendRateBitsPerSec        uint64
	RateLimitPrecisionMicroseconds uint64

	MaxSimultaneousSessions int

	RxAntiReplayHistorySize int

	MaxUDPPacketsToSendPerSystemCall int

	SenderPingInterval time.Duration

	DelaySendingOfReportSegments time.Duration
	DelaySendingOfDataSegments   time.Duration

	// ActiveSessionDataOnDiskNewFileDuration enables the on-disk store when
	// nonzero. Must be >= 1s (see Validate).
	ActiveSessionDataOnDiskNewFileDuration time.Duration
	ActiveSessionDataOnDiskDirectory       string
}

// UnlimitedReportMTU is the sentinel "no limit" value for MTUReportSegment.
const UnlimitedReportMTU = math.MaxUint64

// Validate enforces the cross-field rules the spec calls out; construction
// is refused (an error returned) rather than letting an inconsistent
// configuration misbehave at runtime.
func (c Engine) Validate() error {
	switch {
	case c.ThisEngineID == c.RemoteEngineID:
		return fmt.Errorf("config: this_engine_id and remote_engine_id must differ")
	case c.MTUClientServiceData == 0:
		return fmt.Errorf("config: mtu_client_service_data must be > 0")
	case c.OneWayLightTime < 0 || c.OneWayMarginTime < 0:
		return fmt.Errorf("config: one_way_light_time/one_way_margin_time must be >= 0")
	case c.NumUDPRxCircularBufferVectors <= 0:
		return fmt.Errorf("config: num_udp_rx_circular_buffer_vectors must be > 0")
	case c.MaxRetriesPerSerialNumber <= 0:
		return fmt.Errorf("config: max_retries_per_serial_number must be > 0")
	case c.MaxSimultaneousSessions <= 0:
		return fmt.Errorf("config: max_simultaneous_sessions must be > 0")
	case c.SenderPingInterval > 0 && c.IsInduct:
		return fmt.Errorf("config: sender_ping_seconds is disallowed on inducts")
	case c.DelaySendingOfReportSegments > 0 && !c.IsInduct:
		return fmt.Errorf("config: delay_sending_of_report_segments_ms must be 0 on outducts")
	case c.DelaySendingOfDataSegments > 0 && c.IsInduct:
		return fmt.Errorf("config: delay_sending_of_data_segments_ms must be 0 on inducts")
	}
	if c.ActiveSessionDataOnDiskNewFileDuration != 0 {
		if c.ActiveSessionDataOnDiskNewFileDuration < time.Second {
			return fmt.Errorf("config: active_session_data_on_disk_new_file_duration_ms must be >= 1000ms")
		}
		if c.MaxSimultaneousSessions < 8 {
			return fmt.Errorf("config: disk store requires max_simultaneous_sessions >= 8")
		}
		if c.ActiveSessionDataOnDiskDirectory == "" {
			return fmt.Errorf("config: disk store enabled but no directory configured")
		}
	}
	return nil
}

// DiskStoreEnabled reports whether the on-disk session store is configured.
func (c Engine) DiskStoreEnabled() bool { return c.ActiveSessionDataOnDiskNewFileDuration > 0 }

// CheckpointRTO is the retransmission timeout armed for each checkpoint:
// 2 * (one_way_light_time + one_way_margin_time), the round trip the
// engine expects a report to take.
func (c Engine) CheckpointRTO() time.Duration {
	return 2 * (c.OneWayLightTime + c.OneWayMarginTime)
}
