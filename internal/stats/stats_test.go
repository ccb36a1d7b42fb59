// File: internal/stats/stats_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestPublishOnceWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	counters := NewRegistry()
	counters.IncColdStarts()
	counters.RecordRestore(12.5)

	p := NewPublisher(func() (int, int, int) { return 3, 2, 1 }, counters)
	p.Path = filepath.Join(dir, "stats.json")

	if err := p.publishOnce(); err != nil {
		t.Fatalf("publishOnce failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "stats.json" {
			t.Errorf("leftover temp file not cleaned up: %s", e.Name())
		}
	}

	raw, err := os.ReadFile(p.Path)
	if err != nil {
		t.Fatalf("read published file: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Registered != 3 || snap.Running != 2 || snap.Warm != 1 {
		t.Errorf("snapshot counts = %+v, want {3,2,1}", snap)
	}
	if snap.ColdStarts != 1 {
		t.Errorf("ColdStarts = %d, want 1", snap.ColdStarts)
	}
	if len(snap.Restores) != 1 || snap.Restores[0] != 12.5 {
		t.Errorf("Restores = %v, want [12.5]", snap.Restores)
	}
}

func TestRegistryCountersAreIndependent(t *testing.T) {
	r := NewRegistry()
	r.IncColdStarts()
	r.IncColdStarts()
	r.IncChecksumMismatch()

	if r.coldStarts.Load() != 2 {
		t.Errorf("coldStarts = %d, want 2", r.coldStarts.Load())
	}
	if r.checksumMM.Load() != 1 {
		t.Errorf("checksumMM = %d, want 1", r.checksumMM.Load())
	}
	if r.restores.Load() != 0 {
		t.Errorf("restores = %d, want 0", r.restores.Load())
	}
}

func TestRecentRestoresCapped(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 300; i++ {
		r.RecordRestore(float64(i))
	}
	recent := r.recentRestores()
	if len(recent) != 256 {
		t.Fatalf("recentRestores() length = %d, want 256", len(recent))
	}
	if recent[len(recent)-1] != 299 {
		t.Fatalf("last recorded restore = %v, want 299", recent[len(recent)-1])
	}
}
