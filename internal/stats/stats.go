// File: internal/stats/stats.go
// Package stats publishes a periodic JSON snapshot of orchestrator
// state to a well-known path, written atomically (temp file + rename).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPath is the well-known stats file path external readers poll.
const DefaultPath = "/dev/shm/aetherless-stats.json"

// RingStats summarizes ring buffer health across all functions, for
// inclusion in the published snapshot.
type RingStats struct {
	TotalBytesInFlight uint64 `json:"total_bytes_in_flight"`
	ChecksumMismatches uint64 `json:"checksum_mismatches"`
}

// Snapshot is the published JSON shape.
type Snapshot struct {
	Ts         int64     `json:"ts"`
	Registered int       `json:"registered"`
	Running    int       `json:"running"`
	Warm       int       `json:"warm"`
	ColdStarts uint64    `json:"cold_starts"`
	Restores   []float64 `json:"restores"`
	RingStats  RingStats `json:"ring_stats"`
}

// Registry accumulates the monotonic counters the stats publisher
// reads from: process-wide atomic integers with independent semantics.
// The Prometheus series are separate counters, updated at the same
// call sites.
type Registry struct {
	coldStarts atomic.Uint64
	restores   atomic.Uint64
	checksumMM atomic.Uint64

	mu            sync.Mutex
	restoreDurMs  []float64
}

// NewRegistry returns an empty counters Registry.
func NewRegistry() *Registry { return &Registry{} }

// IncColdStarts records one cold-spawn (as opposed to warm restore).
func (r *Registry) IncColdStarts() { r.coldStarts.Add(1) }

// RecordRestore records a successful restore's duration, in milliseconds.
func (r *Registry) RecordRestore(durationMs float64) {
	r.restores.Add(1)
	r.mu.Lock()
	r.restoreDurMs = append(r.restoreDurMs, durationMs)
	if len(r.restoreDurMs) > 256 {
		r.restoreDurMs = r.restoreDurMs[len(r.restoreDurMs)-256:]
	}
	r.mu.Unlock()
}

// IncChecksumMismatch records one ring CRC32 failure.
func (r *Registry) IncChecksumMismatch() { r.checksumMM.Add(1) }

func (r *Registry) recentRestores() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.restoreDurMs))
	copy(out, r.restoreDurMs)
	return out
}

// CountsFn supplies the live registered/running/warm counts at
// snapshot time, decoupling this package from internal/registry.
type CountsFn func() (registered, running, warm int)

// Publisher periodically writes a Snapshot to Path via atomic
// temp-file-then-rename.
type Publisher struct {
	Path     string
	Interval time.Duration
	Counts   CountsFn
	Counters *Registry

	// OnWarmPoolSize, if set, is called with the live warm-pool count
	// on every publish tick, for a second sink (e.g. a Prometheus
	// gauge) to mirror the same source of truth this publisher reads.
	OnWarmPoolSize func(float64)

	// RingBytes, if set, supplies the total unread bytes across all
	// live IPC rings at snapshot time.
	RingBytes func() uint64

	stopCh chan struct{}
}

// NewPublisher returns a Publisher with the stock defaults
// (path /dev/shm/aetherless-stats.json, interval 100ms) unless
// overridden on the returned value before calling Run.
func NewPublisher(counts CountsFn, counters *Registry) *Publisher {
	return &Publisher{
		Path:     DefaultPath,
		Interval: 100 * time.Millisecond,
		Counts:   counts,
		Counters: counters,
		stopCh:   make(chan struct{}),
	}
}

// Run publishes snapshots every Interval until Stop is called.
func (p *Publisher) Run() {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = p.publishOnce()
		case <-p.stopCh:
			return
		}
	}
}

// Stop halts the publish loop.
func (p *Publisher) Stop() { close(p.stopCh) }

func (p *Publisher) publishOnce() error {
	registered, running, warm := p.Counts()
	if p.OnWarmPoolSize != nil {
		p.OnWarmPoolSize(float64(warm))
	}
	snap := Snapshot{
		Ts:         time.Now().Unix(),
		Registered: registered,
		Running:    running,
		Warm:       warm,
		ColdStarts: p.Counters.coldStarts.Load(),
		Restores:   p.Counters.recentRestores(),
		RingStats: RingStats{
			ChecksumMismatches: p.Counters.checksumMM.Load(),
		},
	}
	if p.RingBytes != nil {
		snap.RingStats.TotalBytesInFlight = p.RingBytes()
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.Path)
	tmp, err := os.CreateTemp(dir, ".aetherless-stats-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, p.Path)
}
