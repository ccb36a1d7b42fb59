// File: internal/snapshot/snapshot.go
// Package snapshot implements the checkpoint/restore manager: dump
// and restore a handler process via the criu(8) subprocess, with a
// hard restore-latency budget.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/momentics/aetherless/internal/apperr"
	"github.com/momentics/aetherless/internal/domain"
)

// restoreSafetyFactor bounds how long a hung criu restore subprocess
// can run before it is force-killed, independent of restoreTimeout:
// the budget itself is enforced by comparing elapsed wall-clock after
// the subprocess finishes, not by capping the subprocess.
const restoreSafetyFactor = 20

// Manager dumps and restores handler processes under criu(8), rooted
// at a snapshot directory laid out as {root}/{function_id}/.
type Manager struct {
	root             string
	restoreTimeout   time.Duration
	criuBin          string
}

// New returns a Manager rooted at root (e.g. orchestrator's
// snapshot_dir config) enforcing restoreTimeout on every restore.
func New(root string, restoreTimeout time.Duration) *Manager {
	return &Manager{root: root, restoreTimeout: restoreTimeout, criuBin: "criu"}
}

func (m *Manager) dir(id domain.FunctionId) string {
	return filepath.Join(m.root, id.String())
}

// Dump freezes pid and writes its complete state (memory, descriptors,
// TCP sockets) to the function's snapshot directory. Idempotent: any
// pre-existing directory for this function is removed first.
func (m *Manager) Dump(id domain.FunctionId, pid domain.ProcessId) (*domain.SnapshotMetadata, error) {
	dir := m.dir(id)
	if err := os.RemoveAll(dir); err != nil {
		return nil, apperr.Wrap(apperr.KindIo, "remove stale snapshot directory", err).
			WithContext("dir", dir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, apperr.Wrap(apperr.KindIo, "create snapshot directory", err).WithContext("dir", dir)
	}

	cmd := exec.Command(m.criuBin, "dump",
		"-t", strconv.Itoa(int(pid)),
		"-D", dir,
		"--tcp-established",
		"--shell-job",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, apperr.Wrap(apperr.KindDumpFailed, "criu dump failed", err).
			WithContext("function_id", id.String()).WithContext("stderr", stderr.String())
	}

	meta := &domain.SnapshotMetadata{
		FunctionId:  id,
		StoragePath: dir,
		OriginalPid: pid,
		CreatedAt:   time.Now(),
	}
	return meta, nil
}

// Restore restores a previously dumped process for id and enforces
// the manager's restore-latency budget. If the wall-clock time that
// criu restore took, measured once it returns, reaches the budget, the
// restored process (if any) is SIGKILLed and a LatencyViolation is
// returned.
// There is no fallback.
func (m *Manager) Restore(id domain.FunctionId) (domain.ProcessId, error) {
	dir := m.dir(id)
	if _, err := os.Stat(dir); err != nil {
		return 0, apperr.Wrap(apperr.KindSnapshotNotFound, "snapshot directory missing", err).
			WithContext("function_id", id.String())
	}

	pidFile := filepath.Join(dir, "restored.pid")
	// The restore budget is judged against the real elapsed time below,
	// not by cutting the subprocess off at the budget: doing the latter
	// would make actual_ms track limit_ms instead of the true overrun.
	ctx, cancel := context.WithTimeout(context.Background(), restoreSafetyFactor*m.restoreTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, m.criuBin, "restore",
		"-D", dir,
		"--tcp-established",
		"--shell-job",
		"--restore-detached",
		"--pidfile", pidFile,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	elapsed := time.Since(start)

	if elapsed >= m.restoreTimeout {
		if pid, perr := readPidFile(pidFile); perr == nil {
			_ = syscall.Kill(int(pid), syscall.SIGKILL)
		}
		return 0, (&apperr.LatencyViolation{
			ActualMs: elapsed.Milliseconds(),
			LimitMs:  m.restoreTimeout.Milliseconds(),
		}).AsAppError()
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.KindRestoreFailed, "criu restore failed", err).
			WithContext("function_id", id.String()).WithContext("stderr", stderr.String())
	}

	pid, err := readPidFile(pidFile)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindRestoreFailed, "read restored.pid", err).
			WithContext("function_id", id.String())
	}
	return pid, nil
}

// Delete removes the on-disk snapshot for id. The supervisor calls it
// when a function is torn down or its warm snapshot is invalidated by a
// handler change; a process exit alone does not remove the snapshot.
func (m *Manager) Delete(id domain.FunctionId) error {
	if err := os.RemoveAll(m.dir(id)); err != nil {
		return apperr.Wrap(apperr.KindIo, "remove snapshot directory", err).WithContext("function_id", id.String())
	}
	return nil
}

func readPidFile(path string) (domain.ProcessId, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("malformed pidfile %q: %w", path, err)
	}
	return domain.NewProcessId(n)
}
