// File: internal/fsm/fsm.go
// Package fsm implements the per-function lifecycle state machine:
// Uninitialized, WarmSnapshot, Running, Suspended, with a closed
// transition table enforced atomically under lock.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fsm

import (
	"sync"
	"time"

	"github.com/momentics/aetherless/internal/apperr"
	"github.com/momentics/aetherless/internal/domain"
)

// allowed is the closed transition table. A pair not present here is
// rejected unconditionally.
var allowed = map[domain.LifecycleState]map[domain.LifecycleState]bool{
	domain.StateUninitialized: {
		domain.StateWarmSnapshot: true,
		domain.StateRunning:      true,
	},
	domain.StateWarmSnapshot: {
		domain.StateRunning:      true,
		domain.StateUninitialized: true,
	},
	domain.StateRunning: {
		domain.StateSuspended:    true,
		domain.StateWarmSnapshot: true,
	},
	domain.StateSuspended: {
		domain.StateRunning:      true,
		domain.StateWarmSnapshot: true,
		domain.StateUninitialized: true,
	},
}

// Machine guards one FunctionRecord's state and transition counter
// under a single mutex, so every attempted transition is atomic: it
// either changes state and increments transition_count, or has no
// visible effect at all.
type Machine struct {
	mu     sync.Mutex
	record *domain.FunctionRecord
}

// New wraps record in a Machine. record.State defaults to
// StateUninitialized if unset.
func New(record *domain.FunctionRecord) *Machine {
	return &Machine{record: record}
}

// State returns the record's current state.
func (m *Machine) State() domain.LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.State
}

// Transition attempts to move the record from its current state to
// to. On success it updates State, LastTransitionTime, and
// TransitionCount atomically under the machine's lock. On failure it
// returns an InvalidStateTransition error and leaves the record
// unchanged.
func (m *Machine) Transition(to domain.LifecycleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.record.State
	if !allowed[from][to] {
		return apperr.New(apperr.KindInvalidStateTransition, "transition not permitted").
			WithContext("from", from.String()).WithContext("to", to.String())
	}
	m.record.State = to
	m.record.LastTransitionTime = time.Now()
	m.record.TransitionCount++
	return nil
}

// WithLock runs fn with the machine's lock held, for callers (e.g. the
// registry) that must read or mutate other record fields (pid,
// snapshot, socket path) consistently with the current state.
func (m *Machine) WithLock(fn func(record *domain.FunctionRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.record)
}

// Snapshot returns a copy of the guarded record's current fields.
func (m *Machine) Snapshot() domain.FunctionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.record
}
