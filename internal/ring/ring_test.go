// File: internal/ring/ring_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ring

import (
	"bytes"
	"testing"

	"github.com/momentics/aetherless/internal/apperr"
)

// memRegion is a plain heap-backed byteRegion, standing in for a real
// shm.Region in tests: the ring algorithm has no dependency on how its
// bytes were obtained.
type memRegion struct {
	buf []byte
}

func (m *memRegion) Bytes() []byte { return m.buf }

func newTestRing(t *testing.T, capacity int) (*Ring, func()) {
	t.Helper()
	region := &memRegion{buf: make([]byte, capacity+HeaderSize)}
	r, err := New(region, true)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	return r, func() {}
}

func TestWriteReadRoundTrip(t *testing.T) {
	r, cleanup := newTestRing(t, 4096)
	defer cleanup()

	payload := bytes.Repeat([]byte{0xAB}, 100)
	if err := r.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := r.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestReadEmptyRing(t *testing.T) {
	r, cleanup := newTestRing(t, 4096)
	defer cleanup()

	_, err := r.Read()
	if err == nil {
		t.Fatal("expected RingEmpty error on empty ring")
	}
	if kind, _ := apperr.KindOf(err); kind != apperr.KindRingEmpty {
		t.Fatalf("error kind = %v, want RingEmpty", kind)
	}
}

func TestWritePayloadOverHalfCapacityFails(t *testing.T) {
	r, cleanup := newTestRing(t, 4096)
	defer cleanup()

	payload := make([]byte, 2049) // > capacity/2 == 2048
	err := r.Write(payload)
	if err == nil {
		t.Fatal("expected RingFull error for oversized payload")
	}
	if kind, _ := apperr.KindOf(err); kind != apperr.KindRingFull {
		t.Fatalf("error kind = %v, want RingFull", kind)
	}
}

func TestWriteFullThenReadFreesSpace(t *testing.T) {
	r, cleanup := newTestRing(t, 4096)
	defer cleanup()

	first := make([]byte, 2048)
	second := bytes.Repeat([]byte{0x5A}, 2048)

	if err := r.Write(first); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	if err := r.Write(second); err == nil {
		t.Fatal("expected second Write to fail with RingFull")
	}

	if _, err := r.Read(); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if err := r.Write(second); err != nil {
		t.Fatalf("second Write should succeed after drain: %v", err)
	}
	got, err := r.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Fatalf("Read returned %d bytes, want %d", len(got), len(second))
	}
}

func TestChecksumMismatchDoesNotAdvanceTail(t *testing.T) {
	r, cleanup := newTestRing(t, 4096)
	defer cleanup()

	payload := []byte("hello world")
	if err := r.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	lenBefore := r.Len()
	// Corrupt the payload bytes in place (after the 8-byte entry header).
	r.data[8] ^= 0xFF

	_, err := r.Read()
	if err == nil {
		t.Fatal("expected ChecksumMismatch error")
	}
	if kind, _ := apperr.KindOf(err); kind != apperr.KindChecksumMismatch {
		t.Fatalf("error kind = %v, want ChecksumMismatch", kind)
	}
	if r.Len() != lenBefore {
		t.Fatalf("Len() changed after failed read: got %d, want %d", r.Len(), lenBefore)
	}
}

func TestWrapAroundInsertsSkipEntry(t *testing.T) {
	// Capacity small enough to force a wrap after a few writes.
	r, cleanup := newTestRing(t, 128)
	defer cleanup()

	// Three 32-byte entries advance head/tail to 96, leaving 32 bytes
	// before the end of the data area.
	for i := 0; i < 3; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 20)
		if err := r.Write(payload); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
		got, err := r.Read()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("Read %d mismatch", i)
		}
	}

	// A 30-byte payload needs a 40-byte entry, which does not fit in
	// the 32 remaining bytes: the writer must emit a skip entry and
	// place the real entry at the start of the data area.
	final := bytes.Repeat([]byte{0x42}, 30)
	if err := r.Write(final); err != nil {
		t.Fatalf("wrap-around Write failed: %v", err)
	}
	if r.Len() != 32+40 {
		t.Fatalf("Len() after skip+entry = %d, want 72", r.Len())
	}
	got, err := r.Read()
	if err != nil {
		t.Fatalf("wrap-around Read failed: %v", err)
	}
	if !bytes.Equal(got, final) {
		t.Fatal("wrap-around round trip mismatch")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() after read = %d, want 0", r.Len())
	}
}

func TestDrainToEmpty(t *testing.T) {
	r, cleanup := newTestRing(t, 4096)
	defer cleanup()

	for i := 0; i < 5; i++ {
		if err := r.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}
	count := 0
	r.DrainToEmpty(func([]byte) bool {
		count++
		return true
	}, nil)
	if count != 5 {
		t.Fatalf("DrainToEmpty visited %d entries, want 5", count)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() after drain = %d, want 0", r.Len())
	}
}

func TestDrainToEmptyReportsChecksumMismatch(t *testing.T) {
	r, cleanup := newTestRing(t, 4096)
	defer cleanup()

	if err := r.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	r.data[8] ^= 0xFF // corrupt the payload past the entry header

	var gotErr error
	visited := 0
	r.DrainToEmpty(func([]byte) bool {
		visited++
		return true
	}, func(err error) { gotErr = err })

	if visited != 0 {
		t.Fatalf("DrainToEmpty visited %d entries, want 0", visited)
	}
	if gotErr == nil {
		t.Fatal("expected onError to be called with the checksum mismatch")
	}
	if kind, _ := apperr.KindOf(gotErr); kind != apperr.KindChecksumMismatch {
		t.Fatalf("onError kind = %v, want ChecksumMismatch", kind)
	}
}
