// File: internal/snapshot/snapshot_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/momentics/aetherless/internal/apperr"
	"github.com/momentics/aetherless/internal/domain"
)

// writeFakeCriu writes a shell script standing in for criu(8), so tests
// never depend on a real CRIU install or root privileges.
func writeFakeCriu(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-criu.sh")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testID(t *testing.T) domain.FunctionId {
	t.Helper()
	id, err := domain.NewFunctionId("fn-" + t.Name())
	if err != nil {
		t.Fatalf("NewFunctionId: %v", err)
	}
	return id
}

func TestDumpCreatesDirectoryAndMetadata(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	m := New(root, time.Second)
	m.criuBin = writeFakeCriu(t, scratch, "exit 0\n")

	id := testID(t)
	pid, _ := domain.NewProcessId(os.Getpid())

	meta, err := m.Dump(id, pid)
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if meta.FunctionId != id || meta.OriginalPid != pid {
		t.Fatalf("metadata = %+v, want FunctionId=%v OriginalPid=%v", meta, id, pid)
	}
	if _, err := os.Stat(m.dir(id)); err != nil {
		t.Fatalf("snapshot directory not created: %v", err)
	}
}

func TestDumpFailureWrapsStderr(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	m := New(root, time.Second)
	m.criuBin = writeFakeCriu(t, scratch, "echo boom >&2; exit 1\n")

	id := testID(t)
	pid, _ := domain.NewProcessId(os.Getpid())

	_, err := m.Dump(id, pid)
	if err == nil {
		t.Fatal("expected Dump to fail")
	}
	if kind, _ := apperr.KindOf(err); kind != apperr.KindDumpFailed {
		t.Fatalf("error kind = %v, want DumpFailed", kind)
	}
}

func TestDumpIsIdempotentOverStaleDirectory(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	m := New(root, time.Second)
	m.criuBin = writeFakeCriu(t, scratch, "exit 0\n")

	id := testID(t)
	stale := filepath.Join(m.dir(id), "leftover.img")
	if err := os.MkdirAll(m.dir(id), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	pid, _ := domain.NewProcessId(os.Getpid())
	if _, err := m.Dump(id, pid); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale snapshot file should have been removed before re-dump")
	}
}

func TestRestoreMissingSnapshotNotFound(t *testing.T) {
	root := t.TempDir()
	m := New(root, time.Second)

	id := testID(t)
	_, err := m.Restore(id)
	if err == nil {
		t.Fatal("expected error for missing snapshot directory")
	}
	if kind, _ := apperr.KindOf(err); kind != apperr.KindSnapshotNotFound {
		t.Fatalf("error kind = %v, want SnapshotNotFound", kind)
	}
}

func TestRestoreSuccessWithinBudget(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	m := New(root, 500*time.Millisecond)

	id := testID(t)
	if err := os.MkdirAll(m.dir(id), 0o700); err != nil {
		t.Fatal(err)
	}

	// The fake criu writes its own pid to the pidfile path given as the
	// last argument (the absolute --pidfile value passed by Restore).
	m.criuBin = writeFakeCriu(t, scratch, "eval pidfile=\\$$#\necho $$ > \"$pidfile\"\n")

	pid, err := m.Restore(id)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("Restore returned pid = %d, want > 0", pid)
	}
}

func TestRestoreLatencyViolationKillsAndReturnsViolation(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	budget := 50 * time.Millisecond
	m := New(root, budget)

	id := testID(t)
	if err := os.MkdirAll(m.dir(id), 0o700); err != nil {
		t.Fatal(err)
	}
	// Sleeps well past the restore budget; context cancellation will
	// kill it, but elapsed time still crosses the deadline.
	m.criuBin = writeFakeCriu(t, scratch, "sleep 2\n")

	_, err := m.Restore(id)
	if err == nil {
		t.Fatal("expected a latency violation error")
	}
	if kind, _ := apperr.KindOf(err); kind != apperr.KindLatencyViolation {
		t.Fatalf("error kind = %v, want LatencyViolation", kind)
	}
}

func TestDeleteRemovesDirectory(t *testing.T) {
	root := t.TempDir()
	m := New(root, time.Second)
	id := testID(t)
	if err := os.MkdirAll(m.dir(id), 0o700); err != nil {
		t.Fatal(err)
	}

	if err := m.Delete(id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(m.dir(id)); !os.IsNotExist(err) {
		t.Fatal("snapshot directory should no longer exist")
	}
}

func TestReadPidFileRejectsMalformedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readPidFile(path); err == nil {
		t.Fatal("expected error for malformed pidfile content")
	}
}
