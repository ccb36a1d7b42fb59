// File: internal/apperr/apperr.go
// Package apperr implements the closed error taxonomy of the orchestrator.
// Every subsystem error wraps one of the Kind sentinels below so callers
// can dispatch with errors.Is/errors.As instead of string matching.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package apperr

import (
	"errors"
	"fmt"
)

// Kind is a leaf error classification within one of the top-level
// taxonomy branches: HardValidation, SharedMemory, Snapshot, Router,
// Supervisor.
type Kind int

const (
	// Top-level kinds.
	KindHardValidation Kind = iota
	KindInvalidStateTransition

	// SharedMemory branch.
	KindCreate
	KindMap
	KindUnlink
	KindRingFull
	KindRingEmpty
	KindChecksumMismatch
	KindUnixSocket

	// Snapshot branch.
	KindDumpFailed
	KindRestoreFailed
	KindSnapshotNotFound
	KindLatencyViolation
	KindIo

	// Router branch.
	KindLoadFailed
	KindAttachFailed
	KindVerificationFailed
	KindMapNotFound
	KindMapUpdateFailed

	// Supervisor branch.
	KindSpawnFailed
	KindHandshakeFailed
	KindUnexpectedExit
	KindRestartBudgetExhausted
)

var kindNames = map[Kind]string{
	KindHardValidation:         "HardValidation",
	KindInvalidStateTransition: "InvalidStateTransition",
	KindCreate:                 "Create",
	KindMap:                    "Map",
	KindUnlink:                 "Unlink",
	KindRingFull:               "RingFull",
	KindRingEmpty:              "RingEmpty",
	KindChecksumMismatch:       "ChecksumMismatch",
	KindUnixSocket:             "UnixSocket",
	KindDumpFailed:             "DumpFailed",
	KindRestoreFailed:          "RestoreFailed",
	KindSnapshotNotFound:       "SnapshotNotFound",
	KindLatencyViolation:       "LatencyViolation",
	KindIo:                     "Io",
	KindLoadFailed:             "LoadFailed",
	KindAttachFailed:           "AttachFailed",
	KindVerificationFailed:     "VerificationFailed",
	KindMapNotFound:            "MapNotFound",
	KindMapUpdateFailed:        "MapUpdateFailed",
	KindSpawnFailed:            "SpawnFailed",
	KindHandshakeFailed:        "HandshakeFailed",
	KindUnexpectedExit:         "UnexpectedExit",
	KindRestartBudgetExhausted: "RestartBudgetExhausted",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Error is a structured, classified error carrying free-form
// context. The Kind set is closed; subsystems never invent new ones
// at runtime.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if len(e.Context) == 0 {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (context: %+v)", e.Kind, e.Message, e.Context)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, apperr.New(kind, "")) matching purely on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs a classified Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Context: map[string]any{}}
}

// Wrap constructs a classified Error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Context: map[string]any{}, Cause: cause}
}

// WithContext attaches a key/value to the error and returns it for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the Kind of err if it is, or wraps, an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// LatencyViolation reports a restore that exceeded its budget. It is
// never recovered from: callers must not fall back, they surface it
// immediately.
type LatencyViolation struct {
	ActualMs int64
	LimitMs  int64
}

func (l *LatencyViolation) Error() string {
	return fmt.Sprintf("LatencyViolation: actual_ms=%d limit_ms=%d", l.ActualMs, l.LimitMs)
}

// AsAppError renders a LatencyViolation as an *Error for uniform handling.
func (l *LatencyViolation) AsAppError() *Error {
	return New(KindLatencyViolation, l.Error()).
		WithContext("actual_ms", l.ActualMs).
		WithContext("limit_ms", l.LimitMs)
}
