package timer_test

import (
	"testing"
	"time"

	"github.com/deepspace-dtn/ltp"
	"github.com/deepspace-dtn/ltp/timer"
)

func key(serial uint64) timer.Key {
	return timer.Key{Session: ltp.SessionID{Originator: 1, Number: 2}, Kind: timer.KindCheckpoint, Serial: serial}
}

func TestArmFires(t *testing.T) {
	clk := timer.NewFakeClock(time.Unix(0, 0))
	m := timer.NewManager(clk)
	fired := false
	m.Arm(key(1), time.Second, func() { fired = true })
	clk.Advance(500 * time.Millisecond)
	if fired {
		t.Fatal("fired too early")
	}
	clk.Advance(500 * time.Millisecond)
	if !fired {
		t.Fatal("did not fire")
	}
}

func TestRearmCancelsPrevious(t *testing.T) {
	clk := timer.NewFakeClock(time.Unix(0, 0))
	m := timer.NewManager(clk)
	count := 0
	m.Arm(key(1), time.Second, func() { count++ })
	m.Arm(key(1), time.Second, func() { count++ }) // should cancel the first
	clk.Advance(2 * time.Second)
	if count != 1 {
		t.Fatalf("expected exactly one fire, got %d", count)
	}
}

func TestCancel(t *testing.T) {
	clk := timer.NewFakeClock(time.Unix(0, 0))
	m := timer.NewManager(clk)
	fired := false
	m.Arm(key(1), time.Second, func() { fired = true })
	if !m.Cancel(key(1)) {
		t.Fatal("expected cancel to find live timer")
	}
	clk.Advance(2 * time.Second)
	if fired {
		t.Fatal("cancelled timer fired")
	}
	if m.Cancel(key(1)) {
		t.Fatal("second cancel should find nothing")
	}
}

func TestCancelSession(t *testing.T) {
	clk := timer.NewFakeClock(time.Unix(0, 0))
	m := timer.NewManager(clk)
	fires := 0
	m.Arm(key(1), time.Second, func() { fires++ })
	m.Arm(key(2), time.Second, func() { fires++ })
	other := timer.Key{Session: ltp.SessionID{Originator: 9, Number: 9}, Kind: timer.KindReport, Serial: 1}
	m.Arm(other, time.Second, func() { fires++ })

	m.CancelSession(ltp.SessionID{Originator: 1, Number: 2})
	clk.Advance(2 * time.Second)
	if fires != 1 {
		t.Fatalf("expected only the other session's timer to fire, got %d", fires)
	}
}

func TestInvariantAtMostOneLivePerKey(t *testing.T) {
	clk := timer.NewFakeClock(time.Unix(0, 0))
	m := timer.NewManager(clk)
	m.Arm(key(1), time.Second, func() {})
	m.Arm(key(1), 2*time.Second, func() {})
	if m.Count() != 1 {
		t.Fatalf("expected exactly one live timer for the key, got %d", m.Count())
	}
}

func TestReset(t *testing.T) {
	clk := timer.NewFakeClock(time.Unix(0, 0))
	m := timer.NewManager(clk)
	fired := false
	m.Arm(key(1), time.Second, func() { fired = true })
	m.Reset()
	clk.Advance(2 * time.Second)
	if fired {
		t.Fatal("reset should have cancelled the timer")
	}
	if m.Count() != 0 {
		t.Fatal("expected no live timers after reset")
	}
}
