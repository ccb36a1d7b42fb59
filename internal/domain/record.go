// File: internal/domain/record.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package domain

import "time"

// FunctionConfig is the validated, registration-time description of a
// function, as decoded from the YAML config (internal/config) or the
// CLI's deploy path.
type FunctionConfig struct {
	ID            FunctionId
	MemoryLimit   MemoryLimit
	TriggerPort   Port
	HandlerPath   HandlerPath
	Timeout       Timeout
	Environment   Environment
	WarmPoolSize  int // 0..1000, overrides orchestrator default when >0
	HandlerMtime  int64
}

// SnapshotMetadata describes an on-disk C/R snapshot for one function.
type SnapshotMetadata struct {
	FunctionId   FunctionId
	StoragePath  string
	OriginalPid  ProcessId
	CreatedAt    time.Time
	HandlerMtime int64 // mtime of HandlerPath at dump time; a later change invalidates the snapshot
}

// RoutingEntry is the wire-compatible key/value pair mirrored between the
// userspace router map and the kernel BPF hash map.
type RoutingEntry struct {
	Port Port
	Pid  ProcessId
	Addr [4]byte // IPv4, network byte order
}

// LifecycleState is the FSM state of a FunctionRecord; see internal/fsm
// for the transition table that governs moves between these values.
type LifecycleState int

const (
	StateUninitialized LifecycleState = iota
	StateWarmSnapshot
	StateRunning
	StateSuspended
)

func (s LifecycleState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateWarmSnapshot:
		return "WarmSnapshot"
	case StateRunning:
		return "Running"
	case StateSuspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

// FunctionRecord is the full per-function record held by the registry:
// identity, validated config, current lifecycle state, and the runtime
// handles (process, snapshot, socket) that exist only in certain
// states. Field access outside internal/fsm and internal/registry must
// go through the record's fsm.Machine (State, Transition, WithLock,
// Snapshot), which holds the per-record lock.
type FunctionRecord struct {
	ID       FunctionId
	Config   FunctionConfig
	State    LifecycleState

	Pid        ProcessId       // valid in StateRunning and StateSuspended
	Snapshot   *SnapshotMetadata // valid in StateWarmSnapshot
	SocketPath string            // handshake socket, valid once spawned

	LastTransitionTime time.Time
	TransitionCount    uint64
}
