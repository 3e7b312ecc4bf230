package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestIPCPairRoundTrip(t *testing.T) {
	a, b := NewIPCPair(256)
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 4)
	go b.Serve(func(buf []byte) { received <- append([]byte(nil), buf...) })

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		if err := a.SendOne(m); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	for _, want := range msgs {
		select {
		case got := <-received:
			if !bytes.Equal(got, want) {
				t.Fatalf("got %q want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestIPCPairBackpressure(t *testing.T) {
	a, b := NewIPCPair(32) // small ring forces the sender to block on free space
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 16)
	go b.Serve(func(buf []byte) { received <- append([]byte(nil), buf...) })

	payload := bytes.Repeat([]byte{0x7}, 20)
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 8; i++ {
			if err := a.SendOne(payload); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sends never drained despite a consumer running")
	}
	for i := 0; i < 8; i++ {
		select {
		case got := <-received:
			if !bytes.Equal(got, payload) {
				t.Fatalf("payload mismatch on message %d", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestIPCCloseUnblocksSend(t *testing.T) {
	a, b := NewIPCPair(16) // smaller than one frame of the payload below
	_ = b
	done := make(chan error, 1)
	go func() { done <- a.SendOne(bytes.Repeat([]byte{1}, 64)) }()
	a.Close()
	select {
	case err := <-done:
		if err != ErrIPCClosed {
			t.Fatalf("expected ErrIPCClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock the pending send")
	}
}
