// File: internal/supervisor/supervisor.go
// Package supervisor orchestrates spawn, handshake, health monitoring,
// graceful shutdown, warm-pool hydration and scale_to for every
// registered function.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package supervisor

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/aetherless/internal/apperr"
	"github.com/momentics/aetherless/internal/domain"
	"github.com/momentics/aetherless/internal/fsm"
	"github.com/momentics/aetherless/internal/registry"
	"github.com/momentics/aetherless/internal/ring"
	"github.com/momentics/aetherless/internal/router"
	"github.com/momentics/aetherless/internal/shm"
	"github.com/momentics/aetherless/internal/snapshot"
)

const (
	readyHandshake = "READY"

	restartBaseDelay = 100 * time.Millisecond
	restartCapDelay  = 10 * time.Second
	restartMaxTries  = 5
	restartWindow    = 60 * time.Second

	defaultReadyTimeout    = 5 * time.Second
	defaultShutdownTimeout = 1 * time.Second
	defaultDrainTimeout    = 500 * time.Millisecond

	processPollInterval = 50 * time.Millisecond
)

// Config bundles the operator-controlled timing knobs that affect
// spawn, shutdown and drain behavior.
type Config struct {
	SocketDir       string
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
	ShmBufferSize   int
}

// DefaultConfig returns the stock timing knobs.
func DefaultConfig() Config {
	return Config{
		SocketDir:       "/run/aetherless",
		ReadyTimeout:    defaultReadyTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
		DrainTimeout:    defaultDrainTimeout,
		ShmBufferSize:   4 << 20,
	}
}

// Metrics receives the restore/checksum telemetry events the
// supervisor observes directly mid-operation, so a caller can fan a
// single observation out to every sink it maintains (stats registry,
// Prometheus collectors) from one call site.
type Metrics interface {
	RecordRestore(durationMs float64)
	IncChecksumMismatch()
}

// instance is the supervisor's private bookkeeping for one running
// function instance: the process handle (or, for a warm-pool restore,
// just its pid) and the IPC ring.
type instance struct {
	cmd      *exec.Cmd // nil when this instance tracks a criu-restored process rather than a child we exec'd
	pid      int
	waitDone chan struct{} // closed by the single reaper goroutine once cmd.Wait returns; nil when cmd is nil
	listener *net.UnixListener // nil for a restored instance: restores don't repeat the handshake
	region   *shm.Region
	ringBuf  *ring.Ring

	lastActive time.Time // set when the instance is created; ScaleTo does not read it
}

// awaitExit blocks until the instance's process is gone. A child we
// exec'd is reaped exactly once, by the reaper goroutine started in
// spawnInstance; everyone else waits on its channel. A restored
// process is not our child and can only be observed via polling.
func (i *instance) awaitExit() {
	if i.waitDone != nil {
		<-i.waitDone
		return
	}
	waitForProcessExit(i.pid)
}

// warmHandle is the shm region and ring kept alive, not unlinked, while a
// record sits in StateWarmSnapshot, so restoreFromWarm can reattach to
// the same memory instead of recreating it.
type warmHandle struct {
	region  *shm.Region
	ringBuf *ring.Ring
}

// Supervisor owns the per-function instances and coordinates them
// against the registry and router.
type Supervisor struct {
	cfg     Config
	reg     *registry.Registry
	rtr     *router.Router
	snapMgr *snapshot.Manager
	metrics Metrics
	log     *slog.Logger

	mu          sync.Mutex
	instances   map[domain.FunctionId]*instance
	restartLogs map[domain.FunctionId]*queue.Queue // keyed by FunctionId so attempts accumulate across respawns
	warmRegions map[domain.FunctionId]*warmHandle

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Supervisor wired to reg, rtr and snapMgr. metrics may
// be nil, in which case restore/checksum events are not published.
func New(cfg Config, reg *registry.Registry, rtr *router.Router, snapMgr *snapshot.Manager, metrics Metrics, log *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		reg:         reg,
		rtr:         rtr,
		snapMgr:     snapMgr,
		metrics:     metrics,
		log:         log,
		instances:   make(map[domain.FunctionId]*instance),
		restartLogs: make(map[domain.FunctionId]*queue.Queue),
		warmRegions: make(map[domain.FunctionId]*warmHandle),
		stopCh:      make(chan struct{}),
	}
}

func (s *Supervisor) socketPath(id domain.FunctionId) string {
	return filepath.Join(s.cfg.SocketDir, id.String()+".sock")
}

// Spawn executes the full spawn protocol for a record currently in
// StateUninitialized, transitioning it to StateRunning on success,
// and starts health monitoring for the new instance.
func (s *Supervisor) Spawn(machine *fsm.Machine) error {
	inst, err := s.spawnInstance(machine)
	if err != nil {
		return err
	}

	id := machine.Snapshot().ID
	s.mu.Lock()
	s.instances[id] = inst
	s.mu.Unlock()

	s.wg.Add(1)
	go s.monitor(machine, inst)
	return nil
}

// spawnInstance runs the spawn protocol and leaves the record in
// StateRunning, but does not register the instance or start a
// monitor: callers that need the process torn down again immediately
// (HydrateWarmPool) use this directly to avoid racing a monitor
// goroutine against their own teardown.
func (s *Supervisor) spawnInstance(machine *fsm.Machine) (*instance, error) {
	record := machine.Snapshot()
	id := record.ID
	cfg := record.Config

	if err := os.MkdirAll(s.cfg.SocketDir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindSpawnFailed, "create socket dir", err)
	}
	sockPath := s.socketPath(id)
	os.Remove(sockPath)

	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSpawnFailed, "resolve socket address", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSpawnFailed, "listen on handshake socket", err).
			WithContext("path", sockPath)
	}

	env := cfg.Environment.Merge(map[string]string{
		"AETHER_SOCKET":       sockPath,
		"AETHER_TRIGGER_PORT": cfg.TriggerPort.String(),
		"AETHER_FUNCTION_ID":  id.String(),
	})

	cmd := exec.Command(cfg.HandlerPath.String())
	cmd.Env = append(os.Environ(), env.ToOSEnv()...)
	cmd.SysProcAttr = processGroupAttr()
	if err := cmd.Start(); err != nil {
		listener.Close()
		return nil, apperr.Wrap(apperr.KindSpawnFailed, "launch handler", err)
	}

	if err := s.handshake(listener, s.cfg.ReadyTimeout); err != nil {
		_ = killProcessGroup(cmd.Process.Pid, syscall.SIGKILL)
		cmd.Wait()
		listener.Close()
		return nil, err
	}

	region, err := shm.Create(ringRegionName(id), s.cfg.ShmBufferSize+ring.HeaderSize)
	if err != nil {
		_ = killProcessGroup(cmd.Process.Pid, syscall.SIGKILL)
		cmd.Wait()
		listener.Close()
		return nil, err
	}
	ringBuf, err := ring.New(region, true)
	if err != nil {
		region.Close()
		_ = killProcessGroup(cmd.Process.Pid, syscall.SIGKILL)
		cmd.Wait()
		listener.Close()
		return nil, err
	}

	pid, err := domain.NewProcessId(cmd.Process.Pid)
	if err != nil {
		region.Close()
		_ = killProcessGroup(cmd.Process.Pid, syscall.SIGKILL)
		cmd.Wait()
		listener.Close()
		return nil, apperr.Wrap(apperr.KindSpawnFailed, "invalid child pid", err)
	}

	entry := domain.RoutingEntry{Port: cfg.TriggerPort, Pid: pid, Addr: [4]byte{0, 0, 0, 0}}
	if err := s.rtr.Update(cfg.TriggerPort, entry); err != nil {
		region.Close()
		_ = killProcessGroup(cmd.Process.Pid, syscall.SIGKILL)
		cmd.Wait()
		listener.Close()
		return nil, err
	}

	if err := machine.Transition(domain.StateRunning); err != nil {
		s.rtr.Remove(cfg.TriggerPort)
		region.Close()
		_ = killProcessGroup(cmd.Process.Pid, syscall.SIGKILL)
		cmd.Wait()
		listener.Close()
		return nil, err
	}
	machine.WithLock(func(r *domain.FunctionRecord) {
		r.Pid = pid
		r.SocketPath = sockPath
		r.Snapshot = nil
	})

	inst := &instance{
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		waitDone:   make(chan struct{}),
		listener:   listener,
		region:     region,
		ringBuf:    ringBuf,
		lastActive: time.Now(),
	}
	// Sole reaper for this child: monitor, Shutdown and HydrateWarmPool
	// all wait on waitDone instead of racing Wait() calls.
	go func() {
		cmd.Wait()
		close(inst.waitDone)
	}()
	return inst, nil
}

// handshake accepts a single connection on listener with an overall
// deadline and verifies the first five bytes equal "READY".
func (s *Supervisor) handshake(listener *net.UnixListener, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	listener.SetDeadline(deadline)
	conn, err := listener.Accept()
	if err != nil {
		return apperr.Wrap(apperr.KindHandshakeFailed, "accept handshake connection", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(deadline)

	// The handler may deliver "READY" across several writes; keep
	// reading until five bytes arrive, EOF, or the deadline.
	buf := make([]byte, 16)
	n := 0
	for n < len(readyHandshake) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			if n >= len(readyHandshake) {
				break
			}
			return apperr.Wrap(apperr.KindHandshakeFailed, "read handshake bytes", err).
				WithContext("received", string(buf[:n]))
		}
	}
	if string(buf[:len(readyHandshake)]) != readyHandshake {
		return apperr.New(apperr.KindHandshakeFailed, "unexpected handshake bytes").
			WithContext("received", string(buf[:n]))
	}
	return nil
}

// processAlive reports whether pid still exists, via a signal-0 probe.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// waitForProcessExit polls until pid no longer exists. Used for
// restored instances we are not the parent of and therefore cannot
// Wait() on.
func waitForProcessExit(pid int) {
	for processAlive(pid) {
		time.Sleep(processPollInterval)
	}
}

// monitor waits for the instance's process to exit and, if the record
// is still Running (i.e. this was not a planned shutdown), runs the
// unexpected-exit recovery path with exponential backoff.
func (s *Supervisor) monitor(machine *fsm.Machine, inst *instance) {
	defer s.wg.Done()
	inst.awaitExit()

	record := machine.Snapshot()
	if record.State != domain.StateRunning {
		return // planned teardown already transitioned state away
	}

	s.log.Warn("handler exited unexpectedly", "function_id", record.ID.String(), "pid", record.Pid)

	s.rtr.Remove(record.Config.TriggerPort)
	_ = machine.Transition(domain.StateSuspended)
	_ = machine.Transition(domain.StateUninitialized)
	machine.WithLock(func(r *domain.FunctionRecord) { r.Pid = 0 })

	s.mu.Lock()
	delete(s.instances, record.ID)
	s.mu.Unlock()
	inst.region.Close()
	if inst.listener != nil {
		inst.listener.Close()
	}

	s.restartWithBackoff(machine)
}

// restartWithBackoff re-spawns with exponential backoff: base 100ms,
// cap 10s, at most restartMaxTries attempts within restartWindow.
// The attempt log is kept in the Supervisor itself,
// keyed by FunctionId, so it survives the instance it is backing off
// for being discarded on every respawn.
func (s *Supervisor) restartWithBackoff(machine *fsm.Machine) {
	id := machine.Snapshot().ID

	s.mu.Lock()
	log, ok := s.restartLogs[id]
	if !ok {
		log = queue.New()
		s.restartLogs[id] = log
	}
	s.mu.Unlock()

	now := time.Now()
	for log.Length() > 0 {
		oldest := log.Peek().(time.Time)
		if now.Sub(oldest) > restartWindow {
			log.Remove()
			continue
		}
		break
	}
	if log.Length() >= restartMaxTries {
		err := apperr.New(apperr.KindRestartBudgetExhausted, "restart budget exhausted").
			WithContext("function_id", id.String()).
			WithContext("max_tries", restartMaxTries).
			WithContext("window", restartWindow.String())
		s.log.Error("restart budget exhausted", "function_id", id.String(), "error", err)
		return
	}

	attempt := log.Length()
	delay := restartBaseDelay << attempt
	if delay > restartCapDelay {
		delay = restartCapDelay
	}
	log.Add(now)

	select {
	case <-time.After(delay):
	case <-s.stopCh:
		return
	}

	if err := s.Spawn(machine); err != nil {
		s.log.Error("restart attempt failed", "function_id", id.String(), "error", err)
	}
}

// Shutdown performs graceful teardown of the record's instance:
// remove routing entry, SIGTERM, wait up to the configured shutdown
// timeout, then SIGKILL. Resources are released in reverse
// acquisition order (routing -> process -> ring -> socket).
func (s *Supervisor) Shutdown(machine *fsm.Machine) error {
	record := machine.Snapshot()
	s.mu.Lock()
	inst, ok := s.instances[record.ID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.rtr.Remove(record.Config.TriggerPort)

	// Leave Running before the first signal so the monitor goroutine
	// sees a planned teardown, not an unexpected exit to respawn from.
	if machine.State() == domain.StateRunning {
		if err := machine.Transition(domain.StateSuspended); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		syscall.Kill(inst.pid, syscall.SIGTERM)
		inst.awaitExit()
		close(done)
	}()

	timeout := s.cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}
	select {
	case <-done:
	case <-time.After(timeout):
		killProcessGroup(inst.pid, syscall.SIGKILL)
		<-done
	}

	inst.region.Close()
	if inst.listener != nil {
		inst.listener.Close()
	}

	_ = machine.Transition(domain.StateUninitialized)
	machine.WithLock(func(r *domain.FunctionRecord) { r.Pid = 0 })

	s.mu.Lock()
	delete(s.instances, record.ID)
	s.mu.Unlock()
	return nil
}

// ScaleTo sets whether id has a running instance. The supervisor
// tracks at most one instance per function: targetReplicas <= 0
// suspends the instance, drains its ring and terminates it;
// targetReplicas > 0 makes sure an instance is running, restoring from
// the warm snapshot when the record is in StateWarmSnapshot and
// cold-spawning otherwise. Counts above one start no further instances.
func (s *Supervisor) ScaleTo(ctx context.Context, id domain.FunctionId, targetReplicas int) error {
	// aetherless supervises exactly one instance per FunctionId; scale_to
	// is a boolean presence contract in this single-host deployment:
	// targetReplicas <= 0 suspends, > 0 ensures the instance is running.
	machine, ok := s.reg.Lookup(id)
	if !ok {
		return apperr.New(apperr.KindHardValidation, "unknown function id").WithContext("id", id.String())
	}

	if targetReplicas <= 0 {
		return s.suspend(ctx, machine)
	}
	state := machine.State()
	switch state {
	case domain.StateRunning:
		return nil
	case domain.StateWarmSnapshot:
		return s.restoreFromWarm(machine)
	case domain.StateUninitialized:
		return s.Spawn(machine)
	case domain.StateSuspended:
		if err := machine.Transition(domain.StateUninitialized); err != nil {
			return err
		}
		return s.Spawn(machine)
	}
	return nil
}

func (s *Supervisor) suspend(ctx context.Context, machine *fsm.Machine) error {
	record := machine.Snapshot()
	s.mu.Lock()
	inst, ok := s.instances[record.ID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := machine.Transition(domain.StateSuspended); err != nil {
		return err
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	drained := make(chan struct{})
	go func() {
		inst.ringBuf.DrainToEmpty(nil, func(err error) {
			if kind, ok := apperr.KindOf(err); ok && kind == apperr.KindChecksumMismatch && s.metrics != nil {
				s.metrics.IncChecksumMismatch()
			}
		})
		close(drained)
	}()
	select {
	case <-drained:
	case <-drainCtx.Done():
	}

	return s.Shutdown(machine)
}

// restoreFromWarm activates a WarmSnapshot record: it restores the
// checkpointed process via criu, reattaches the shm region and ring
// kept alive since HydrateWarmPool froze it, builds a tracked
// instance exactly as Spawn does, and starts health monitoring.
func (s *Supervisor) restoreFromWarm(machine *fsm.Machine) error {
	record := machine.Snapshot()
	id := record.ID

	// A handler binary rebuilt since the dump invalidates the snapshot:
	// the checkpointed pages belong to the old executable. Tear the
	// stale snapshot down and rebuild the warm pool before restoring.
	if meta := record.Snapshot; meta != nil && meta.HandlerMtime != 0 {
		if cur, err := record.Config.HandlerPath.Mtime(); err == nil && cur != meta.HandlerMtime {
			s.log.Info("handler changed on disk, rebuilding warm pool", "function_id", id.String())
			s.invalidateWarmSnapshot(machine)
			if err := s.HydrateWarmPool(machine); err != nil {
				return err
			}
			record = machine.Snapshot()
		}
	}

	s.mu.Lock()
	handle, ok := s.warmRegions[id]
	delete(s.warmRegions, id)
	s.mu.Unlock()
	if !ok {
		return apperr.New(apperr.KindRestoreFailed, "no warm-pool region held for function").
			WithContext("function_id", id.String())
	}

	start := time.Now()
	pid, err := s.snapMgr.Restore(id)
	if err != nil {
		handle.region.Close()
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordRestore(float64(time.Since(start).Milliseconds()))
	}

	if err := machine.Transition(domain.StateRunning); err != nil {
		_ = killProcessGroup(int(pid), syscall.SIGKILL)
		handle.region.Close()
		return err
	}
	machine.WithLock(func(r *domain.FunctionRecord) {
		r.Pid = pid
		r.Snapshot = nil
	})

	entry := domain.RoutingEntry{Port: record.Config.TriggerPort, Pid: pid, Addr: [4]byte{0, 0, 0, 0}}
	if err := s.rtr.Update(record.Config.TriggerPort, entry); err != nil {
		_ = killProcessGroup(int(pid), syscall.SIGKILL)
		waitForProcessExit(int(pid))
		_ = machine.Transition(domain.StateSuspended)
		_ = machine.Transition(domain.StateUninitialized)
		machine.WithLock(func(r *domain.FunctionRecord) { r.Pid = 0 })
		handle.region.Close()
		return err
	}

	// The ring header does not survive a checkpoint/restore cycle
	// meaningfully: reset it before the restored pair resumes using it.
	handle.ringBuf.Reset()

	inst := &instance{
		pid:        int(pid),
		region:     handle.region,
		ringBuf:    handle.ringBuf,
		lastActive: time.Now(),
	}
	s.mu.Lock()
	s.instances[id] = inst
	s.mu.Unlock()

	s.wg.Add(1)
	go s.monitor(machine, inst)
	return nil
}

// Teardown releases everything the supervisor holds for the record:
// the live instance (if any), any warm snapshot artifacts, and the
// restart-backoff log. Used when a function is unregistered or its
// definition is replaced by a hot reload.
func (s *Supervisor) Teardown(machine *fsm.Machine) error {
	if err := s.Shutdown(machine); err != nil {
		return err
	}
	s.invalidateWarmSnapshot(machine)

	s.mu.Lock()
	delete(s.restartLogs, machine.Snapshot().ID)
	s.mu.Unlock()
	return nil
}

// invalidateWarmSnapshot discards a stale warm snapshot: the kept shm
// region, the on-disk criu images, and the WarmSnapshot state itself.
func (s *Supervisor) invalidateWarmSnapshot(machine *fsm.Machine) {
	record := machine.Snapshot()

	s.mu.Lock()
	handle, ok := s.warmRegions[record.ID]
	delete(s.warmRegions, record.ID)
	s.mu.Unlock()
	if ok {
		handle.region.Close()
	}

	if err := s.snapMgr.Delete(record.ID); err != nil {
		s.log.Warn("delete stale snapshot failed", "function_id", record.ID.String(), "error", err)
	}
	_ = machine.Transition(domain.StateUninitialized)
	machine.WithLock(func(r *domain.FunctionRecord) { r.Snapshot = nil })
}

// HydrateWarmPool cold-spawns the record once, dumps it via the
// snapshot manager, and leaves it in StateWarmSnapshot with its shm
// region kept alive (not unlinked) for a later restoreFromWarm. The
// hydration spawn never gets a monitor goroutine: spawnInstance is
// used directly so there is nothing racing this function's own
// teardown of the same process.
func (s *Supervisor) HydrateWarmPool(machine *fsm.Machine) error {
	record := machine.Snapshot()
	if record.Config.WarmPoolSize <= 0 {
		return nil
	}

	inst, err := s.spawnInstance(machine)
	if err != nil {
		return err
	}
	record = machine.Snapshot()

	meta, dumpErr := s.snapMgr.Dump(record.ID, record.Pid)
	if dumpErr != nil {
		s.rtr.Remove(record.Config.TriggerPort)
		_ = killProcessGroup(inst.pid, syscall.SIGKILL)
		inst.awaitExit()
		inst.region.Close()
		inst.listener.Close()
		_ = machine.Transition(domain.StateSuspended)
		_ = machine.Transition(domain.StateUninitialized)
		machine.WithLock(func(r *domain.FunctionRecord) { r.Pid = 0 })
		return dumpErr
	}
	if mt, err := record.Config.HandlerPath.Mtime(); err == nil {
		meta.HandlerMtime = mt
	}

	// Transition away from Running before killing the process. There
	// is no monitor goroutine for this instance to race, but keeping
	// the same "state moves before the signal" ordering as every other
	// teardown path means the invariant holds even if a future caller
	// starts routing scale_to through a monitored instance here.
	if err := machine.Transition(domain.StateWarmSnapshot); err != nil {
		s.rtr.Remove(record.Config.TriggerPort)
		_ = killProcessGroup(inst.pid, syscall.SIGKILL)
		inst.awaitExit()
		inst.region.Close()
		inst.listener.Close()
		return err
	}
	machine.WithLock(func(r *domain.FunctionRecord) {
		r.Snapshot = meta
		r.Pid = 0
	})

	s.rtr.Remove(record.Config.TriggerPort)
	_ = killProcessGroup(inst.pid, syscall.SIGKILL)
	inst.awaitExit()
	inst.listener.Close()

	inst.ringBuf.Reset()
	s.mu.Lock()
	s.warmRegions[record.ID] = &warmHandle{region: inst.region, ringBuf: inst.ringBuf}
	s.mu.Unlock()

	return nil
}

// Stop signals every monitor goroutine to stop retrying, waits for
// them to return, and releases any shm regions still held for warm
// snapshots.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	handles := s.warmRegions
	s.warmRegions = make(map[domain.FunctionId]*warmHandle)
	s.mu.Unlock()
	for _, h := range handles {
		h.region.Close()
	}
}

// TotalRingBytes sums the unread bytes across every tracked
// instance's ring, for the stats publisher's ring_stats field.
func (s *Supervisor) TotalRingBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, inst := range s.instances {
		total += inst.ringBuf.Len()
	}
	return total
}

func ringRegionName(id domain.FunctionId) string {
	return "aetherless-ring-" + id.String()
}
