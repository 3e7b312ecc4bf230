package transport

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestUDPBindingLoopback(t *testing.T) {
	received := make(chan []byte, 4)
	b, err := NewUDPBinding("127.0.0.1:0", "127.0.0.1:1", 2048, 8, 2, func(buf []byte) {
		received <- append([]byte(nil), buf...)
	}, nil)
	if err != nil {
		t.Fatalf("binding B: %v", err)
	}
	defer b.Close()

	a, err := NewUDPBinding("127.0.0.1:0", b.port.conn.LocalAddr().String(), 2048, 8, 1, func(buf []byte) {}, nil)
	if err != nil {
		t.Fatalf("binding A: %v", err)
	}
	defer a.Close()

	if err := a.SendOne([]byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "ping" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestUDPBindingSendMany(t *testing.T) {
	received := make(chan []byte, 8)
	b, err := NewUDPBinding("127.0.0.1:0", "127.0.0.1:1", 2048, 8, 2, func(buf []byte) {
		received <- append([]byte(nil), buf...)
	}, nil)
	if err != nil {
		t.Fatalf("binding B: %v", err)
	}
	defer b.Close()

	a, err := NewUDPBinding("127.0.0.1:0", b.port.conn.LocalAddr().String(), 2048, 8, 1, func(buf []byte) {}, nil)
	if err != nil {
		t.Fatalf("binding A: %v", err)
	}
	defer a.Close()

	bufs := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	if err := a.SendMany(bufs); err != nil {
		t.Fatalf("send many: %v", err)
	}

	got := map[string]bool{}
	for i := 0; i < len(bufs); i++ {
		select {
		case buf := <-received:
			got[string(buf)] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for packet %d", i)
		}
	}
	for _, b := range bufs {
		if !got[string(b)] {
			t.Fatalf("missing packet %q", b)
		}
	}
}

// TestUDPBindingOverflowDropsAndCounts drives more packets through a
// binding than its rx circular buffer and a stalled consumer can absorb,
// and checks the overrun callback fires rather than the buffer growing
// unbounded or the shared port's readLoop blocking.
func TestUDPBindingOverflowDropsAndCounts(t *testing.T) {
	release := make(chan struct{})
	consumed := make(chan struct{})
	var overruns int32
	b, err := NewUDPBinding("127.0.0.1:0", "127.0.0.1:1", 2048, 1, 2, func(buf []byte) {
		consumed <- struct{}{}
		<-release // hold the deliver goroutine so the queue backs up
	}, func() { atomic.AddInt32(&overruns, 1) })
	if err != nil {
		t.Fatalf("binding B: %v", err)
	}
	defer b.Close()

	a, err := NewUDPBinding("127.0.0.1:0", b.port.conn.LocalAddr().String(), 2048, 8, 1, func(buf []byte) {}, nil)
	if err != nil {
		t.Fatalf("binding A: %v", err)
	}
	defer a.Close()

	for i := 0; i < 6; i++ {
		if err := a.SendOne([]byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	select {
	case <-consumed: // first packet claimed by the stalled deliver goroutine
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first delivery")
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&overruns) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&overruns) == 0 {
		t.Fatal("expected at least one overrun once the bounded buffer filled")
	}
	close(release)
}
