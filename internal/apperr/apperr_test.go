// File: internal/apperr/apperr_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := New(KindRingFull, "no space")
	wrapped := fmt.Errorf("outer: %w", base)

	kind, ok := KindOf(wrapped)
	if !ok {
		t.Fatal("KindOf() did not find a wrapped *Error")
	}
	if kind != KindRingFull {
		t.Fatalf("KindOf() = %v, want %v", kind, KindRingFull)
	}
}

func TestErrorIsMatchesOnKindOnly(t *testing.T) {
	a := New(KindSpawnFailed, "first")
	b := New(KindSpawnFailed, "second")
	c := New(KindHandshakeFailed, "third")

	if !errors.Is(a, b) {
		t.Fatal("errors of the same Kind should match via errors.Is")
	}
	if errors.Is(a, c) {
		t.Fatal("errors of different Kind should not match via errors.Is")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(KindIo, "writing file", cause)
	if !errors.Is(wrapped, cause) {
		t.Fatal("Wrap() should preserve Unwrap() chain to cause")
	}
}

func TestWithContext(t *testing.T) {
	err := New(KindMapUpdateFailed, "update failed").WithContext("port", 8080)
	if err.Context["port"] != 8080 {
		t.Fatalf("WithContext() did not record value: %+v", err.Context)
	}
}

func TestLatencyViolationAsAppError(t *testing.T) {
	lv := &LatencyViolation{ActualMs: 22, LimitMs: 15}
	e := lv.AsAppError()
	if e.Kind != KindLatencyViolation {
		t.Fatalf("AsAppError().Kind = %v, want KindLatencyViolation", e.Kind)
	}
	if e.Context["actual_ms"] != int64(22) || e.Context["limit_ms"] != int64(15) {
		t.Fatalf("AsAppError() context = %+v", e.Context)
	}
}
