package diskstore

import (
	"os"
	"testing"
	"time"
)

func TestHandleWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Hour, nil)
	h, err := s.Acquire(64)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Close()

	if err := h.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := h.ReadAt(0, 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	if h.Len() != 5 {
		t.Fatalf("len = %d, want 5", h.Len())
	}
}

func TestHandleGrowsInPlaceWhenLastReserved(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Hour, nil)
	h, err := s.Acquire(4)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Close()

	if err := h.WriteAt([]byte("overflowing"), 0); err != nil {
		t.Fatalf("write past reservation: %v", err)
	}
	got, err := h.ReadAt(0, 11)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "overflowing" {
		t.Fatalf("got %q", got)
	}
}

func TestHandleGrowthFailsOnceAnotherHandleReservedPastIt(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Hour, nil)
	a, err := s.Acquire(4)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer a.Close()
	b, err := s.Acquire(4)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	defer b.Close()

	if err := a.WriteAt([]byte("toolong!!!"), 0); err == nil {
		t.Fatal("expected growth past another handle's extent to fail")
	}
}

func TestFileSurvivesUntilLastSessionCloses(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Hour, nil)
	a, err := s.Acquire(16)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	b, err := s.Acquire(16)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if a.Path() != b.Path() {
		t.Fatalf("expected a and b to share one epoch file, got %q and %q", a.Path(), b.Path())
	}
	path := a.Path()

	if err := a.Close(); err != nil {
		t.Fatalf("close a: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should still exist while b holds it open: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close b: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed once last session closed, stat err = %v", err)
	}
}

func TestStoreRollsOnInterval(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(0, 0)
	s := New(dir, time.Second, func() time.Time { return now })

	a, err := s.Acquire(16)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer a.Close()

	now = now.Add(2 * time.Second)
	b, err := s.Acquire(16)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	defer b.Close()

	if a.Path() == b.Path() {
		t.Fatal("expected a new file after the roll interval elapsed")
	}
}

func TestWriteToClosedHandleFails(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Hour, nil)
	h, err := s.Acquire(16)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.WriteAt([]byte("x"), 0); err == nil {
		t.Fatal("expected write to closed handle to fail")
	}
}
