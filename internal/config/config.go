// File: internal/config/config.go
// Package config decodes the orchestrator's YAML configuration file
// and validates it by delegating to internal/domain's constructors.
// The reload-listener surface lives in hotreload.go.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package config

import (
	"maps"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/aetherless/internal/apperr"
	"github.com/momentics/aetherless/internal/domain"
)

const (
	defaultShmBufferSize     = 4 << 20
	minShmBufferSize         = 64 << 10
	maxShmBufferSize         = 1 << 30
	defaultWarmPoolSize      = 10
	defaultRestoreTimeoutMs  = 15
	defaultSnapshotDir       = "/dev/shm/aetherless"
	defaultSocketDir         = "/dev/shm/aetherless/sock"
	defaultMetricsAddr       = ":9090"
	defaultStatsPath         = "/dev/shm/aetherless-stats.json"
	defaultStatsIntervalMs   = 100
	minStatsIntervalMs       = 10
	maxStatsIntervalMs       = 60000
	defaultReadyTimeoutMs    = 5000
	defaultShutdownTimeoutMs = 1000
	defaultDrainTimeoutMs    = 500
	maxOperationTimeoutMs    = 900000
	defaultLogLevel          = "info"

	// Router modes, settable only here: the orchestrator never switches
	// mode on a runtime signal.
	ModePermissive = "permissive"
	ModeStrict     = "strict"
)

// rawFunction mirrors one function's YAML shape before validation.
type rawFunction struct {
	ID            string            `yaml:"id"`
	MemoryLimitMB int               `yaml:"memory_limit_mb"`
	TriggerPort   int               `yaml:"trigger_port"`
	HandlerPath   string            `yaml:"handler_path"`
	TimeoutMs     int               `yaml:"timeout_ms"`
	Environment   map[string]string `yaml:"environment"`
	WarmPoolSize  int               `yaml:"warm_pool_size"`
}

// rawRouter mirrors the `orchestrator.router:` YAML block.
type rawRouter struct {
	Interface   string `yaml:"interface"`
	ProgramPath string `yaml:"program_path"`
	Mode        string `yaml:"mode"`
}

// rawOrchestrator mirrors the top-level `orchestrator:` YAML block.
type rawOrchestrator struct {
	ShmBufferSize     int       `yaml:"shm_buffer_size"`
	WarmPoolSize      int       `yaml:"warm_pool_size"`
	RestoreTimeoutMs  int       `yaml:"restore_timeout_ms"`
	SnapshotDir       string    `yaml:"snapshot_dir"`
	SocketDir         string    `yaml:"socket_dir"`
	MetricsAddr       string    `yaml:"metrics_addr"`
	StatsPath         string    `yaml:"stats_path"`
	StatsIntervalMs   int       `yaml:"stats_interval_ms"`
	ReadyTimeoutMs    int       `yaml:"ready_timeout_ms"`
	ShutdownTimeoutMs int       `yaml:"shutdown_timeout_ms"`
	DrainTimeoutMs    int       `yaml:"drain_timeout_ms"`
	Router            rawRouter `yaml:"router"`
	LogLevel          string    `yaml:"log_level"`
}

type rawDocument struct {
	Orchestrator rawOrchestrator `yaml:"orchestrator"`
	Functions    []rawFunction   `yaml:"functions"`
}

// RouterConfig selects the optional kernel attach. When Interface is
// empty the router runs with its userspace mirror only.
type RouterConfig struct {
	Interface   string
	ProgramPath string
	Mode        string // ModePermissive or ModeStrict
}

// OrchestratorConfig is the validated, decoded configuration.
type OrchestratorConfig struct {
	ShmBufferSize   int
	WarmPoolSize    int
	RestoreTimeout  time.Duration
	SnapshotDir     string
	SocketDir       string
	MetricsAddr     string
	StatsPath       string
	StatsInterval   time.Duration
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
	Router          RouterConfig
	LogLevel        string
	Functions       []domain.FunctionConfig
}

// Load reads and validates the YAML configuration file at path. Any
// invalid value causes a HardValidation error; callers exit
// immediately with a nonzero code.
func Load(path string) (*OrchestratorConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindHardValidation, "read config file", err).WithContext("path", path)
	}

	var doc rawDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.Wrap(apperr.KindHardValidation, "parse YAML", err).WithContext("path", path)
	}

	cfg := &OrchestratorConfig{
		ShmBufferSize:   defaultShmBufferSize,
		WarmPoolSize:    defaultWarmPoolSize,
		RestoreTimeout:  defaultRestoreTimeoutMs * time.Millisecond,
		SnapshotDir:     defaultSnapshotDir,
		SocketDir:       defaultSocketDir,
		MetricsAddr:     defaultMetricsAddr,
		StatsPath:       defaultStatsPath,
		StatsInterval:   defaultStatsIntervalMs * time.Millisecond,
		ReadyTimeout:    defaultReadyTimeoutMs * time.Millisecond,
		ShutdownTimeout: defaultShutdownTimeoutMs * time.Millisecond,
		DrainTimeout:    defaultDrainTimeoutMs * time.Millisecond,
		Router:          RouterConfig{Mode: ModePermissive},
		LogLevel:        defaultLogLevel,
	}

	if doc.Orchestrator.ShmBufferSize != 0 {
		cfg.ShmBufferSize = doc.Orchestrator.ShmBufferSize
	}
	if cfg.ShmBufferSize < minShmBufferSize || cfg.ShmBufferSize > maxShmBufferSize {
		return nil, apperr.New(apperr.KindHardValidation, "shm_buffer_size out of range").
			WithContext("value", cfg.ShmBufferSize)
	}

	if doc.Orchestrator.WarmPoolSize != 0 {
		cfg.WarmPoolSize = doc.Orchestrator.WarmPoolSize
	}
	if cfg.WarmPoolSize < 0 || cfg.WarmPoolSize > 1000 {
		return nil, apperr.New(apperr.KindHardValidation, "warm_pool_size out of range").
			WithContext("value", cfg.WarmPoolSize)
	}

	restoreMs := defaultRestoreTimeoutMs
	if doc.Orchestrator.RestoreTimeoutMs != 0 {
		restoreMs = doc.Orchestrator.RestoreTimeoutMs
	}
	if restoreMs < 1 || restoreMs > 100 {
		return nil, apperr.New(apperr.KindHardValidation, "restore_timeout_ms out of range").
			WithContext("value", restoreMs)
	}
	cfg.RestoreTimeout = time.Duration(restoreMs) * time.Millisecond

	if doc.Orchestrator.SnapshotDir != "" {
		cfg.SnapshotDir = doc.Orchestrator.SnapshotDir
	}
	if doc.Orchestrator.SocketDir != "" {
		cfg.SocketDir = doc.Orchestrator.SocketDir
	}
	if doc.Orchestrator.MetricsAddr != "" {
		cfg.MetricsAddr = doc.Orchestrator.MetricsAddr
	}
	if doc.Orchestrator.StatsPath != "" {
		cfg.StatsPath = doc.Orchestrator.StatsPath
	}

	statsMs := defaultStatsIntervalMs
	if doc.Orchestrator.StatsIntervalMs != 0 {
		statsMs = doc.Orchestrator.StatsIntervalMs
	}
	if statsMs < minStatsIntervalMs || statsMs > maxStatsIntervalMs {
		return nil, apperr.New(apperr.KindHardValidation, "stats_interval_ms out of range").
			WithContext("value", statsMs).
			WithContext("min", minStatsIntervalMs).WithContext("max", maxStatsIntervalMs)
	}
	cfg.StatsInterval = time.Duration(statsMs) * time.Millisecond

	for _, tm := range []struct {
		name  string
		raw   int
		field *time.Duration
	}{
		{"ready_timeout_ms", doc.Orchestrator.ReadyTimeoutMs, &cfg.ReadyTimeout},
		{"shutdown_timeout_ms", doc.Orchestrator.ShutdownTimeoutMs, &cfg.ShutdownTimeout},
		{"drain_timeout_ms", doc.Orchestrator.DrainTimeoutMs, &cfg.DrainTimeout},
	} {
		if tm.raw == 0 {
			continue
		}
		if tm.raw < 1 || tm.raw > maxOperationTimeoutMs {
			return nil, apperr.New(apperr.KindHardValidation, tm.name+" out of range").
				WithContext("value", tm.raw)
		}
		*tm.field = time.Duration(tm.raw) * time.Millisecond
	}

	cfg.Router.Interface = doc.Orchestrator.Router.Interface
	cfg.Router.ProgramPath = doc.Orchestrator.Router.ProgramPath
	if doc.Orchestrator.Router.Mode != "" {
		cfg.Router.Mode = doc.Orchestrator.Router.Mode
	}
	if cfg.Router.Mode != ModePermissive && cfg.Router.Mode != ModeStrict {
		return nil, apperr.New(apperr.KindHardValidation, "router.mode must be permissive or strict").
			WithContext("value", cfg.Router.Mode)
	}
	if cfg.Router.Interface != "" && cfg.Router.ProgramPath == "" {
		return nil, apperr.New(apperr.KindHardValidation, "router.program_path required when router.interface is set").
			WithContext("interface", cfg.Router.Interface)
	}

	if doc.Orchestrator.LogLevel != "" {
		cfg.LogLevel = doc.Orchestrator.LogLevel
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, apperr.New(apperr.KindHardValidation, "log_level must be debug, info, warn or error").
			WithContext("value", cfg.LogLevel)
	}

	for _, rf := range doc.Functions {
		fc, err := toFunctionConfig(rf)
		if err != nil {
			return nil, err
		}
		cfg.Functions = append(cfg.Functions, fc)
	}
	if err := checkCrossFunctionUniqueness(cfg.Functions); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkCrossFunctionUniqueness catches collisions toFunctionConfig
// cannot see on its own: it validates one function at a time, so two
// functions independently valid in isolation can still claim the same
// id or trigger_port. registry.Register enforces this at runtime, but
// `validate`/`deploy` only call Load, so the check has to live here too.
func checkCrossFunctionUniqueness(fns []domain.FunctionConfig) error {
	seenID := make(map[domain.FunctionId]domain.FunctionId, len(fns))
	seenPort := make(map[domain.Port]domain.FunctionId, len(fns))
	for _, fc := range fns {
		if other, exists := seenID[fc.ID]; exists {
			return apperr.New(apperr.KindHardValidation, "duplicate function id").
				WithContext("id", fc.ID.String()).
				WithContext("conflicts_with", other.String())
		}
		seenID[fc.ID] = fc.ID

		if other, exists := seenPort[fc.TriggerPort]; exists {
			return apperr.New(apperr.KindHardValidation, "duplicate trigger_port").
				WithContext("port", fc.TriggerPort.String()).
				WithContext("function_id", fc.ID.String()).
				WithContext("conflicts_with", other.String())
		}
		seenPort[fc.TriggerPort] = fc.ID
	}
	return nil
}

func toFunctionConfig(rf rawFunction) (domain.FunctionConfig, error) {
	id, err := domain.NewFunctionId(rf.ID)
	if err != nil {
		return domain.FunctionConfig{}, apperr.Wrap(apperr.KindHardValidation, "invalid function id", err)
	}
	mem, err := domain.NewMemoryLimit(rf.MemoryLimitMB)
	if err != nil {
		return domain.FunctionConfig{}, apperr.Wrap(apperr.KindHardValidation, "invalid memory_limit_mb", err).
			WithContext("function_id", id.String())
	}
	port, err := domain.NewPort(rf.TriggerPort)
	if err != nil {
		return domain.FunctionConfig{}, apperr.Wrap(apperr.KindHardValidation, "invalid trigger_port", err).
			WithContext("function_id", id.String())
	}
	handler, err := domain.NewHandlerPath(rf.HandlerPath)
	if err != nil {
		return domain.FunctionConfig{}, apperr.Wrap(apperr.KindHardValidation, "invalid handler_path", err).
			WithContext("function_id", id.String())
	}
	timeout, err := domain.NewTimeout(rf.TimeoutMs)
	if err != nil {
		return domain.FunctionConfig{}, apperr.Wrap(apperr.KindHardValidation, "invalid timeout_ms", err).
			WithContext("function_id", id.String())
	}
	env, err := domain.NewEnvironment(rf.Environment)
	if err != nil {
		return domain.FunctionConfig{}, apperr.Wrap(apperr.KindHardValidation, "invalid environment", err).
			WithContext("function_id", id.String())
	}
	mtime, err := handler.Mtime()
	if err != nil {
		return domain.FunctionConfig{}, apperr.Wrap(apperr.KindHardValidation, "stat handler_path", err).
			WithContext("function_id", id.String())
	}

	return domain.FunctionConfig{
		ID:           id,
		MemoryLimit:  mem,
		TriggerPort:  port,
		HandlerPath:  handler,
		Timeout:      timeout,
		Environment:  env,
		WarmPoolSize: rf.WarmPoolSize,
		HandlerMtime: mtime,
	}, nil
}

// FunctionDiff partitions a newly validated function list against the
// set currently applied: functions to deploy fresh, functions whose
// definition changed (torn down and re-deployed by the caller), and
// functions no longer present. PortChanged names the changed functions
// whose trigger_port moved, which `deploy` gates behind --force.
type FunctionDiff struct {
	Added       []domain.FunctionConfig
	Changed     []domain.FunctionConfig
	Removed     []domain.FunctionId
	PortChanged []domain.FunctionId
}

// Empty reports whether the diff contains no work at all.
func (d FunctionDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// DiffFunctions computes the FunctionDiff taking `current` to `next`.
func DiffFunctions(current, next []domain.FunctionConfig) FunctionDiff {
	cur := make(map[domain.FunctionId]domain.FunctionConfig, len(current))
	for _, fc := range current {
		cur[fc.ID] = fc
	}
	seen := make(map[domain.FunctionId]bool, len(next))

	var d FunctionDiff
	for _, fc := range next {
		seen[fc.ID] = true
		old, ok := cur[fc.ID]
		if !ok {
			d.Added = append(d.Added, fc)
			continue
		}
		if functionConfigEqual(old, fc) {
			continue
		}
		d.Changed = append(d.Changed, fc)
		if old.TriggerPort != fc.TriggerPort {
			d.PortChanged = append(d.PortChanged, fc.ID)
		}
	}
	for _, fc := range current {
		if !seen[fc.ID] {
			d.Removed = append(d.Removed, fc.ID)
		}
	}
	return d
}

func functionConfigEqual(a, b domain.FunctionConfig) bool {
	return a.ID == b.ID &&
		a.MemoryLimit == b.MemoryLimit &&
		a.TriggerPort == b.TriggerPort &&
		a.HandlerPath == b.HandlerPath &&
		a.Timeout == b.Timeout &&
		a.WarmPoolSize == b.WarmPoolSize &&
		a.HandlerMtime == b.HandlerMtime &&
		maps.Equal(a.Environment, b.Environment)
}
