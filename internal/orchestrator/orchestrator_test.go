// File: internal/orchestrator/orchestrator_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package orchestrator

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/momentics/aetherless/internal/config"
	"github.com/momentics/aetherless/internal/domain"
	"github.com/momentics/aetherless/internal/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeHandler(t *testing.T, dir string) domain.HandlerPath {
	t.Helper()
	path := filepath.Join(dir, "handler")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	hp, err := domain.NewHandlerPath(path)
	if err != nil {
		t.Fatalf("NewHandlerPath: %v", err)
	}
	return hp
}

func testFunctionConfig(t *testing.T, dir string, idStr string, port int) domain.FunctionConfig {
	t.Helper()
	id, err := domain.NewFunctionId(idStr)
	if err != nil {
		t.Fatalf("NewFunctionId: %v", err)
	}
	p, err := domain.NewPort(port)
	if err != nil {
		t.Fatalf("NewPort: %v", err)
	}
	memLimit, _ := domain.NewMemoryLimit(64)
	timeout, _ := domain.NewTimeout(1000)
	env, _ := domain.NewEnvironment(nil)
	return domain.FunctionConfig{
		ID:          id,
		MemoryLimit: memLimit,
		TriggerPort: p,
		HandlerPath: writeHandler(t, dir),
		Timeout:     timeout,
		Environment: env,
	}
}

func testOrchestratorConfig(t *testing.T, functions ...domain.FunctionConfig) *config.OrchestratorConfig {
	t.Helper()
	return &config.OrchestratorConfig{
		ShmBufferSize:   1 << 16,
		WarmPoolSize:    0,
		RestoreTimeout:  time.Second,
		SnapshotDir:     t.TempDir(),
		SocketDir:       t.TempDir(),
		StatsPath:       filepath.Join(t.TempDir(), "stats.json"),
		ReadyTimeout:    200 * time.Millisecond,
		ShutdownTimeout: time.Second,
		DrainTimeout:    100 * time.Millisecond,
		Functions:       functions,
	}
}

func TestNewRegistersConfiguredFunctions(t *testing.T) {
	dir := t.TempDir()
	fc := testFunctionConfig(t, dir, "hello", 19200)
	cfg := testOrchestratorConfig(t, fc)

	ctx, err := New(cfg, testLogger(), RouterAttachConfig{Mode: router.ModePermissive})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if ctx.Registry().Count() != 1 {
		t.Fatalf("Registry().Count() = %d, want 1", ctx.Registry().Count())
	}
	registered, running, warm := ctx.liveCounts()
	if registered != 1 || running != 0 || warm != 0 {
		t.Fatalf("liveCounts() = (%d,%d,%d), want (1,0,0)", registered, running, warm)
	}
}

func TestNewRejectsDuplicateTriggerPort(t *testing.T) {
	dir := t.TempDir()
	a := testFunctionConfig(t, dir, "fn-a", 19201)
	b := testFunctionConfig(t, dir, "fn-b", 19201)
	cfg := testOrchestratorConfig(t, a, b)

	if _, err := New(cfg, testLogger(), RouterAttachConfig{Mode: router.ModePermissive}); err == nil {
		t.Fatal("expected New to fail on duplicate trigger port")
	}
}

func TestDeployRejectsDuplicateFunctionId(t *testing.T) {
	dir := t.TempDir()
	fc := testFunctionConfig(t, dir, "hello", 19202)
	cfg := testOrchestratorConfig(t, fc)

	ctx, err := New(cfg, testLogger(), RouterAttachConfig{Mode: router.ModePermissive})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	dup := testFunctionConfig(t, dir, "hello", 19203)
	if err := ctx.Deploy(dup); err == nil {
		t.Fatal("expected Deploy to reject a duplicate function id")
	}
}

func TestApplyConfigAddsUpdatesAndRemoves(t *testing.T) {
	dir := t.TempDir()
	a := testFunctionConfig(t, dir, "fn-a", 19300)
	b := testFunctionConfig(t, dir, "fn-b", 19301)
	cfg := testOrchestratorConfig(t, a, b)

	ctx, err := New(cfg, testLogger(), RouterAttachConfig{Mode: router.ModePermissive})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Next config: fn-a's timeout changes, fn-b disappears, fn-c is new.
	// The test handlers never complete the handshake, so redeploys fail
	// at spawn time; the registry membership must still track the diff.
	a2 := a
	a2.Timeout, err = domain.NewTimeout(2000)
	if err != nil {
		t.Fatalf("NewTimeout: %v", err)
	}
	c := testFunctionConfig(t, dir, "fn-c", 19302)
	next := testOrchestratorConfig(t, a2, c)

	ctx.ApplyConfig(next)

	if _, ok := ctx.Registry().Lookup(b.ID); ok {
		t.Fatal("fn-b should have been unregistered")
	}
	if _, ok := ctx.Registry().Lookup(c.ID); !ok {
		t.Fatal("fn-c should have been registered")
	}
	m, ok := ctx.Registry().Lookup(a.ID)
	if !ok {
		t.Fatal("fn-a should still be registered")
	}
	if m.Snapshot().Config.Timeout != a2.Timeout {
		t.Fatalf("fn-a Timeout = %v, want updated %v", m.Snapshot().Config.Timeout, a2.Timeout)
	}
}

func TestApplyConfigNoChangesIsNoop(t *testing.T) {
	dir := t.TempDir()
	a := testFunctionConfig(t, dir, "fn-a", 19310)
	cfg := testOrchestratorConfig(t, a)

	ctx, err := New(cfg, testLogger(), RouterAttachConfig{Mode: router.ModePermissive})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	before := ctx.Registry().Count()
	ctx.ApplyConfig(cfg)
	if ctx.Registry().Count() != before {
		t.Fatalf("Registry().Count() = %d, want unchanged %d", ctx.Registry().Count(), before)
	}
}

func TestStatsSnapshotPathReflectsPublisher(t *testing.T) {
	dir := t.TempDir()
	fc := testFunctionConfig(t, dir, "hello", 19204)
	cfg := testOrchestratorConfig(t, fc)

	ctx, err := New(cfg, testLogger(), RouterAttachConfig{Mode: router.ModePermissive})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if ctx.StatsSnapshotPath() != ctx.publisher.Path {
		t.Fatalf("StatsSnapshotPath() = %q, want %q", ctx.StatsSnapshotPath(), ctx.publisher.Path)
	}
}
