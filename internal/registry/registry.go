// File: internal/registry/registry.go
// Package registry implements the process-wide FunctionId -> record
// table: fine-grained per-record locking for transitions, plus a
// single exclusive section spanning port-uniqueness checks and
// enumeration.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package registry

import (
	"sync"

	"github.com/momentics/aetherless/internal/apperr"
	"github.com/momentics/aetherless/internal/domain"
	"github.com/momentics/aetherless/internal/fsm"
)

// entry holds a record's Machine, which owns the per-record lock.
type entry struct {
	machine *fsm.Machine
}

// Registry is the process-wide table of function records.
type Registry struct {
	mu      sync.RWMutex // guards byID/byPort for enumeration and port reservation
	byID    map[domain.FunctionId]*entry
	byPort  map[domain.Port]domain.FunctionId
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[domain.FunctionId]*entry),
		byPort: make(map[domain.Port]domain.FunctionId),
	}
}

// Register inserts a new record in StateUninitialized. It rejects a
// duplicate id or a port already claimed by another function.
func (r *Registry) Register(cfg domain.FunctionConfig) (*fsm.Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[cfg.ID]; exists {
		return nil, apperr.New(apperr.KindHardValidation, "duplicate function id").
			WithContext("id", cfg.ID.String())
	}
	if owner, exists := r.byPort[cfg.TriggerPort]; exists {
		return nil, apperr.New(apperr.KindHardValidation, "duplicate trigger port").
			WithContext("port", cfg.TriggerPort.String()).WithContext("owner", owner.String())
	}

	record := &domain.FunctionRecord{
		ID:     cfg.ID,
		Config: cfg,
		State:  domain.StateUninitialized,
	}
	machine := fsm.New(record)
	r.byID[cfg.ID] = &entry{machine: machine}
	r.byPort[cfg.TriggerPort] = cfg.ID
	return machine, nil
}

// Unregister transitions the record to StateUninitialized (the caller
// is responsible for tearing down resources first via the supervisor)
// and removes it from the registry.
func (r *Registry) Unregister(id domain.FunctionId) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.byID[id]
	if !exists {
		return apperr.New(apperr.KindHardValidation, "unknown function id").WithContext("id", id.String())
	}
	_ = e.machine.Transition(domain.StateUninitialized)
	port := e.machine.Snapshot().Config.TriggerPort
	delete(r.byID, id)
	delete(r.byPort, port)
	return nil
}

// Lookup returns the Machine for id, or false if not registered.
func (r *Registry) Lookup(id domain.FunctionId) (*fsm.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.machine, true
}

// LookupByPort returns the Machine currently bound to port, or false.
func (r *Registry) LookupByPort(port domain.Port) (*fsm.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPort[port]
	if !ok {
		return nil, false
	}
	e := r.byID[id]
	return e.machine, true
}

// All returns a snapshot slice of every registered Machine, for
// enumeration (e.g. the `list` CLI command, the stats publisher).
func (r *Registry) All() []*fsm.Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*fsm.Machine, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.machine)
	}
	return out
}

// Count returns the number of registered records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
