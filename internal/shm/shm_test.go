// File: internal/shm/shm_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import (
	"fmt"
	"os"
	"testing"

	"github.com/momentics/aetherless/internal/apperr"
)

func uniqueName(t *testing.T) string {
	return fmt.Sprintf("aetherless-shm-test-%s-%d", t.Name(), os.Getpid())
}

func TestCreateRejectsOutOfBoundsSize(t *testing.T) {
	if _, err := Create(uniqueName(t), MinSize-1); err == nil {
		t.Fatal("expected error for size below MinSize")
	}
	if _, err := Create(uniqueName(t), MaxSize+1); err == nil {
		t.Fatal("expected error for size above MaxSize")
	}
	if kind, _ := apperr.KindOf(mustErr(Create(uniqueName(t), 1))); kind != apperr.KindHardValidation {
		t.Fatalf("error kind = %v, want HardValidation", kind)
	}
}

func mustErr(_ *Region, err error) error { return err }

func TestCreateOpenCloseRoundTrip(t *testing.T) {
	name := uniqueName(t)
	owner, err := Create(name, MinSize)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer owner.Close()

	if owner.Len() != MinSize {
		t.Fatalf("Len() = %d, want %d", owner.Len(), MinSize)
	}
	owner.Bytes()[0] = 0x42

	peer, err := Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if peer.Bytes()[0] != 0x42 {
		t.Fatal("peer did not observe owner's write through shared memory")
	}
	if err := peer.Close(); err != nil {
		t.Fatalf("peer Close failed: %v", err)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	name := uniqueName(t)
	first, err := Create(name, MinSize)
	if err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	defer first.Close()

	if _, err := Create(name, MinSize); err == nil {
		t.Fatal("expected error creating a region with an already-existing name")
	}
}

func TestCloseUnlinksOwnedRegion(t *testing.T) {
	name := uniqueName(t)
	owner, err := Create(name, MinSize)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := owner.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := Open(name); err == nil {
		t.Fatal("expected Open to fail after owner unlinked the region")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	owner, err := Create(uniqueName(t), MinSize)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := owner.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := owner.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}
