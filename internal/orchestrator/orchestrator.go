// File: internal/orchestrator/orchestrator.go
// Package orchestrator is the composition root: it wires the
// registry, supervisor, router, snapshot manager and stats publisher
// into a single Context built once at startup, replacing any
// package-level globals.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/momentics/aetherless/internal/config"
	"github.com/momentics/aetherless/internal/domain"
	"github.com/momentics/aetherless/internal/httpmetrics"
	"github.com/momentics/aetherless/internal/registry"
	"github.com/momentics/aetherless/internal/router"
	"github.com/momentics/aetherless/internal/snapshot"
	"github.com/momentics/aetherless/internal/stats"
	"github.com/momentics/aetherless/internal/supervisor"
)

// metricsSink fans every telemetry event out to both the stats
// registry (read by the stats publisher and the `stats` CLI command)
// and the Prometheus collectors served at /metrics: one source of
// truth per event, two sinks.
type metricsSink struct {
	counters   *stats.Registry
	collectors *httpmetrics.Collectors
}

func (m *metricsSink) incColdStart() {
	m.counters.IncColdStarts()
	m.collectors.ColdStartsTotal.Inc()
}

// RecordRestore implements supervisor.Metrics.
func (m *metricsSink) RecordRestore(durationMs float64) {
	m.counters.RecordRestore(durationMs)
	m.collectors.RestoresTotal.Inc()
	m.collectors.RestoreDurationSecs.Observe(durationMs / 1000)
}

// IncChecksumMismatch implements supervisor.Metrics. There is no
// Prometheus series for this one, only the JSON stats snapshot, so it
// touches just the counters sink.
func (m *metricsSink) IncChecksumMismatch() {
	m.counters.IncChecksumMismatch()
}

// Context is the single object holding every live subsystem. It is
// constructed once by New and passed explicitly to the CLI/metrics/TUI
// layers; there are no package-level mutable globals here.
type Context struct {
	cfg        *config.OrchestratorConfig
	log        *slog.Logger
	registry   *registry.Registry
	router     *router.Router
	snapshots  *snapshot.Manager
	supervisor *supervisor.Supervisor
	counters   *stats.Registry
	metrics    *httpmetrics.Collectors
	sink       *metricsSink
	publisher  *stats.Publisher

	mu      sync.Mutex
	started bool

	routerPollStop chan struct{}
	routerPollDone chan struct{}
}

// RouterAttachConfig carries the optional XDP attach parameters; when
// Interface is empty, the router runs in userspace-mirror-only mode.
type RouterAttachConfig struct {
	ObjectPath string
	Interface  string
	Mode       router.Mode
}

// New builds every subsystem from cfg but does not spawn or attach
// anything yet; call Start for that.
func New(cfg *config.OrchestratorConfig, log *slog.Logger, attach RouterAttachConfig) (*Context, error) {
	reg := registry.New()
	rtr := router.New(attach.Mode)
	snapMgr := snapshot.New(cfg.SnapshotDir, cfg.RestoreTimeout)

	counters := stats.NewRegistry()
	metrics := httpmetrics.NewCollectors()
	sink := &metricsSink{counters: counters, collectors: metrics}

	supCfg := supervisor.DefaultConfig()
	supCfg.ShmBufferSize = cfg.ShmBufferSize
	if cfg.SocketDir != "" {
		supCfg.SocketDir = cfg.SocketDir
	}
	if cfg.ReadyTimeout > 0 {
		supCfg.ReadyTimeout = cfg.ReadyTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		supCfg.ShutdownTimeout = cfg.ShutdownTimeout
	}
	if cfg.DrainTimeout > 0 {
		supCfg.DrainTimeout = cfg.DrainTimeout
	}
	sup := supervisor.New(supCfg, reg, rtr, snapMgr, sink, log)

	c := &Context{
		cfg:            cfg,
		log:            log,
		registry:       reg,
		router:         rtr,
		snapshots:      snapMgr,
		supervisor:     sup,
		counters:       counters,
		metrics:        metrics,
		sink:           sink,
		routerPollStop: make(chan struct{}),
		routerPollDone: make(chan struct{}),
	}
	c.publisher = stats.NewPublisher(c.liveCounts, counters)
	c.publisher.OnWarmPoolSize = metrics.WarmPoolSize.Set
	c.publisher.RingBytes = sup.TotalRingBytes
	if cfg.StatsPath != "" {
		c.publisher.Path = cfg.StatsPath
	}
	if cfg.StatsInterval > 0 {
		c.publisher.Interval = cfg.StatsInterval
	}

	if attach.Interface != "" {
		if err := rtr.Attach(attach.ObjectPath, attach.Interface); err != nil {
			return nil, err
		}
	}

	for _, fc := range cfg.Functions {
		if _, err := reg.Register(fc); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Context) liveCounts() (registered, running, warm int) {
	for _, m := range c.registry.All() {
		registered++
		switch m.State() {
		case domain.StateRunning:
			running++
		case domain.StateWarmSnapshot:
			warm++
		}
	}
	return
}

// Start hydrates every function's warm pool (if configured), spawns
// any function with no warm pool directly, and starts the stats
// publisher loop.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	for _, m := range c.registry.All() {
		record := m.Snapshot()
		var err error
		if record.Config.WarmPoolSize > 0 {
			err = c.supervisor.HydrateWarmPool(m)
		} else {
			err = c.supervisor.Spawn(m)
			if err == nil {
				c.sink.incColdStart()
			}
		}
		if err != nil {
			c.log.Error("startup spawn failed", "function_id", record.ID.String(), "error", err)
		}
	}

	go c.publisher.Run()
	go c.pollRouterPackets()
	c.started = true
	return nil
}

// pollRouterPackets periodically reads the router's per-CPU XDP
// counters and feeds the deltas into the Prometheus counters, which
// only support monotonic increments.
func (c *Context) pollRouterPackets() {
	defer close(c.routerPollDone)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var prev router.PacketCounters
	for {
		select {
		case <-ticker.C:
			cur, ok := c.router.PacketCounters()
			if !ok {
				continue
			}
			c.metrics.RouterPacketsTotal.Add(float64(cur.Total - prev.Total))
			c.metrics.RouterPacketsMatched.Add(float64(cur.Matched - prev.Matched))
			c.metrics.RouterPacketsPassed.Add(float64(cur.Passed - prev.Passed))
			c.metrics.RouterPacketsDropped.Add(float64(cur.Dropped - prev.Dropped))
			prev = cur
		case <-c.routerPollStop:
			return
		}
	}
}

// Stop gracefully tears down every running function, stops the stats
// publisher, and closes the router's kernel objects.
func (c *Context) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}

	for _, m := range c.registry.All() {
		if m.State() == domain.StateRunning || m.State() == domain.StateSuspended {
			if err := c.supervisor.Shutdown(m); err != nil {
				c.log.Error("shutdown failed", "function_id", m.Snapshot().ID.String(), "error", err)
			}
		}
	}
	c.supervisor.Stop()
	c.publisher.Stop()
	close(c.routerPollStop)
	<-c.routerPollDone
	_ = c.router.Close()
	c.started = false
	return nil
}

// ScaleTo exposes the supervisor's autoscaling contract to external
// policy callers.
func (c *Context) ScaleTo(ctx context.Context, id domain.FunctionId, targetReplicas int) error {
	return c.supervisor.ScaleTo(ctx, id, targetReplicas)
}

// Deploy validates and registers a new function at runtime (the
// `deploy` CLI command's target), rejecting duplicate ids and ports.
func (c *Context) Deploy(fc domain.FunctionConfig) error {
	m, err := c.registry.Register(fc)
	if err != nil {
		return err
	}
	if fc.WarmPoolSize > 0 {
		return c.supervisor.HydrateWarmPool(m)
	}
	if err := c.supervisor.Spawn(m); err != nil {
		return err
	}
	c.sink.incColdStart()
	return nil
}

// ApplyConfig hot-reloads a newly validated configuration into the
// running orchestrator: functions no longer present are torn down and
// unregistered, changed definitions are replaced (teardown then
// redeploy), and new ones are deployed. Orchestrator-level knobs
// (buffer sizes, directories, router attach) require a restart and
// are left untouched. Wired as a config.Store reload listener by the
// `up` command; `deploy` reaches it through SIGHUP.
func (c *Context) ApplyConfig(cfg *config.OrchestratorConfig) {
	current := make([]domain.FunctionConfig, 0, c.registry.Count())
	for _, m := range c.registry.All() {
		current = append(current, m.Snapshot().Config)
	}
	diff := config.DiffFunctions(current, cfg.Functions)
	if diff.Empty() {
		return
	}

	for _, id := range diff.Removed {
		if err := c.Unregister(id); err != nil {
			c.log.Error("hot-reload unregister failed", "function_id", id.String(), "error", err)
		} else {
			c.log.Info("unregistered function", "function_id", id.String())
		}
	}
	for _, fc := range diff.Changed {
		if err := c.Unregister(fc.ID); err != nil {
			c.log.Error("hot-reload teardown failed", "function_id", fc.ID.String(), "error", err)
			continue
		}
		if err := c.Deploy(fc); err != nil {
			c.log.Error("hot-reload redeploy failed", "function_id", fc.ID.String(), "error", err)
		} else {
			c.log.Info("updated function", "function_id", fc.ID.String())
		}
	}
	for _, fc := range diff.Added {
		if err := c.Deploy(fc); err != nil {
			c.log.Error("hot-reload deploy failed", "function_id", fc.ID.String(), "error", err)
		} else {
			c.log.Info("deployed function", "function_id", fc.ID.String())
		}
	}
}

// Unregister tears a function down completely: live process and
// routing entry, warm snapshot artifacts, then the registry record.
func (c *Context) Unregister(id domain.FunctionId) error {
	m, ok := c.registry.Lookup(id)
	if !ok {
		return nil
	}
	if err := c.supervisor.Teardown(m); err != nil {
		return err
	}
	return c.registry.Unregister(id)
}

// Registry exposes the function registry for enumeration (CLI `list`,
// stats/metrics readers).
func (c *Context) Registry() *registry.Registry { return c.registry }

// Counters exposes the shared metrics counters.
func (c *Context) Counters() *stats.Registry { return c.counters }

// Metrics exposes the Prometheus collectors backing GET /metrics, so
// the caller serves the same collectors the orchestrator actually
// updates instead of a disconnected second instance.
func (c *Context) Metrics() *httpmetrics.Collectors { return c.metrics }

// Router exposes the port router for read-only inspection.
func (c *Context) Router() *router.Router { return c.router }

// StatsSnapshotPath returns the path the stats publisher writes to.
func (c *Context) StatsSnapshotPath() string { return c.publisher.Path }
