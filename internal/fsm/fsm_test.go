// File: internal/fsm/fsm_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fsm

import (
	"testing"

	"github.com/momentics/aetherless/internal/apperr"
	"github.com/momentics/aetherless/internal/domain"
)

func newTestMachine() *Machine {
	return New(&domain.FunctionRecord{ID: "f1", State: domain.StateUninitialized})
}

func TestAllowedTransitions(t *testing.T) {
	cases := []struct {
		from domain.LifecycleState
		to   domain.LifecycleState
	}{
		{domain.StateUninitialized, domain.StateWarmSnapshot},
		{domain.StateUninitialized, domain.StateRunning},
		{domain.StateWarmSnapshot, domain.StateRunning},
		{domain.StateWarmSnapshot, domain.StateUninitialized},
		{domain.StateRunning, domain.StateSuspended},
		{domain.StateRunning, domain.StateWarmSnapshot},
		{domain.StateSuspended, domain.StateRunning},
		{domain.StateSuspended, domain.StateWarmSnapshot},
		{domain.StateSuspended, domain.StateUninitialized},
	}
	for _, c := range cases {
		m := newTestMachine()
		m.WithLock(func(r *domain.FunctionRecord) { r.State = c.from })
		if err := m.Transition(c.to); err != nil {
			t.Errorf("Transition(%v -> %v) failed: %v", c.from, c.to, err)
		}
		if got := m.State(); got != c.to {
			t.Errorf("after Transition(%v -> %v), State() = %v", c.from, c.to, got)
		}
	}
}

func TestRejectedTransitionsLeaveStateAndCounterUnchanged(t *testing.T) {
	rejected := []struct {
		from domain.LifecycleState
		to   domain.LifecycleState
	}{
		{domain.StateUninitialized, domain.StateSuspended},
		{domain.StateWarmSnapshot, domain.StateSuspended},
		{domain.StateRunning, domain.StateUninitialized},
		{domain.StateUninitialized, domain.StateUninitialized},
	}
	for _, c := range rejected {
		m := newTestMachine()
		m.WithLock(func(r *domain.FunctionRecord) { r.State = c.from })
		before := m.Snapshot()

		err := m.Transition(c.to)
		if err == nil {
			t.Errorf("Transition(%v -> %v) unexpectedly succeeded", c.from, c.to)
			continue
		}
		if kind, ok := apperr.KindOf(err); !ok || kind != apperr.KindInvalidStateTransition {
			t.Errorf("Transition(%v -> %v) error kind = %v, want InvalidStateTransition", c.from, c.to, kind)
		}

		after := m.Snapshot()
		if after.State != before.State {
			t.Errorf("rejected transition changed State: %v -> %v", before.State, after.State)
		}
		if after.TransitionCount != before.TransitionCount {
			t.Errorf("rejected transition changed TransitionCount: %d -> %d", before.TransitionCount, after.TransitionCount)
		}
	}
}

func TestTransitionIncrementsCounter(t *testing.T) {
	m := newTestMachine()
	if err := m.Transition(domain.StateRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Transition(domain.StateSuspended); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.Snapshot().TransitionCount; got != 2 {
		t.Fatalf("TransitionCount = %d, want 2", got)
	}
}
