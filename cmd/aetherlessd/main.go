// File: cmd/aetherlessd/main.go
// aetherlessd is the orchestrator's CLI entrypoint: up/down/deploy/
// list/stats/validate, dispatched via cobra.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/momentics/aetherless/internal/apperr"
	"github.com/momentics/aetherless/internal/config"
	"github.com/momentics/aetherless/internal/domain"
	"github.com/momentics/aetherless/internal/httpmetrics"
	"github.com/momentics/aetherless/internal/orchestrator"
	"github.com/momentics/aetherless/internal/router"
	"github.com/momentics/aetherless/internal/stats"
	"github.com/momentics/aetherless/internal/tui"
)

// Exit codes the commands report back through setExit.
const (
	exitSuccess          = 0
	exitHardValidation   = 1
	exitRuntimeFailure   = 2
	exitLatencyViolation = 3
)

// pidFilePath is where `up` records its pid so `down` and `deploy`
// can signal the running orchestrator.
const pidFilePath = "/dev/shm/aetherless.pid"

func logWarn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "aetherlessd: "+format+"\n", args...)
}

var (
	configPath string
	verbose    bool
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "aetherlessd",
		Short:         "single-host serverless function orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/aetherless/config.yaml", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	exitCode := exitSuccess
	setExit := func(code int) { exitCode = code }

	root.AddCommand(
		newUpCommand(setExit),
		newDownCommand(setExit),
		newDeployCommand(setExit),
		newListCommand(setExit),
		newStatsCommand(setExit),
		newValidateCommand(setExit),
	)

	if err := root.Execute(); err != nil {
		logWarn("%v", err)
		if exitCode == exitSuccess {
			exitCode = exitRuntimeFailure
		}
	}
	return exitCode
}

// newLogger builds the process logger: JSON at the configured level
// for normal operation, human-readable text at debug under -v.
func newLogger(level string) *slog.Logger {
	if verbose {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	lv := slog.LevelInfo
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

func routerMode(mode string) router.Mode {
	if mode == config.ModeStrict {
		return router.ModeStrict
	}
	return router.ModePermissive
}

func writePidFile() error {
	return os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readDaemonPid() (int, error) {
	raw, err := os.ReadFile(pidFilePath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %q: %w", pidFilePath, err)
	}
	return pid, nil
}

func classifyExit(err error, setExit func(int)) {
	if kind, ok := apperr.KindOf(err); ok {
		switch kind {
		case apperr.KindHardValidation:
			setExit(exitHardValidation)
		case apperr.KindLatencyViolation:
			setExit(exitLatencyViolation)
		default:
			setExit(exitRuntimeFailure)
		}
		return
	}
	setExit(exitRuntimeFailure)
}

func newUpCommand(setExit func(int)) *cobra.Command {
	var foreground bool
	var warmPool bool
	cmd := &cobra.Command{
		Use:   "up",
		Short: "start the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				classifyExit(err, setExit)
				return err
			}
			log := newLogger(cfg.LogLevel)
			if warmPool {
				// Functions without their own warm_pool_size inherit
				// the orchestrator-level pool size on startup.
				for i := range cfg.Functions {
					if cfg.Functions[i].WarmPoolSize == 0 {
						cfg.Functions[i].WarmPoolSize = cfg.WarmPoolSize
					}
				}
			}

			attach := orchestrator.RouterAttachConfig{
				ObjectPath: cfg.Router.ProgramPath,
				Interface:  cfg.Router.Interface,
				Mode:       routerMode(cfg.Router.Mode),
			}
			orch, err := orchestrator.New(cfg, log, attach)
			if err != nil {
				classifyExit(err, setExit)
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := orch.Start(ctx); err != nil {
				classifyExit(err, setExit)
				return err
			}
			log.Info("aetherless orchestrator started")

			if err := writePidFile(); err != nil {
				log.Warn("write pid file failed", "path", pidFilePath, "error", err)
			} else {
				defer os.Remove(pidFilePath)
			}

			metricsSrv := httpmetrics.NewServer(cfg.MetricsAddr, orch.Metrics())
			go metricsSrv.Run(ctx)

			if !foreground {
				log.Info("running in background mode is not yet implemented; staying in foreground")
			}

			// SIGHUP re-reads the config file and applies the function
			// diff (add/update/remove) through the store's listeners.
			store := config.NewStore(cfg)
			store.OnReload(orch.ApplyConfig)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			for sig := range sigCh {
				if sig != syscall.SIGHUP {
					break
				}
				reloaded, err := config.Load(configPath)
				if err != nil {
					log.Error("config reload rejected", "error", err)
					continue
				}
				store.Replace(reloaded)
			}

			log.Info("shutting down")
			return orch.Stop(ctx)
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground")
	cmd.Flags().BoolVar(&warmPool, "warm-pool", false, "force warm-pool hydration on startup")
	return cmd
}

func newDownCommand(setExit func(int)) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "stop the running orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readDaemonPid()
			if err != nil {
				setExit(exitRuntimeFailure)
				return fmt.Errorf("no running orchestrator found: %w", err)
			}
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				setExit(exitRuntimeFailure)
				return fmt.Errorf("signal orchestrator pid %d: %w", pid, err)
			}
			fmt.Fprintf(os.Stdout, "sent SIGTERM to orchestrator (pid %d)\n", pid)
			return nil
		},
	}
}

func newDeployCommand(setExit func(int)) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "deploy <file>",
		Short: "validate a configuration file and hot-reload it into the running orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := config.Load(args[0])
			if err != nil {
				classifyExit(err, setExit)
				return err
			}

			// Diff against the config the running orchestrator was
			// started from (its registry mirrors that file between
			// reloads). A missing current file means everything in
			// the new one is an addition.
			var currentFns []domain.FunctionConfig
			if current, err := config.Load(configPath); err == nil {
				currentFns = current.Functions
			}
			diff := config.DiffFunctions(currentFns, next.Functions)

			if len(diff.PortChanged) > 0 && !force {
				ids := make([]string, 0, len(diff.PortChanged))
				for _, id := range diff.PortChanged {
					ids = append(ids, id.String())
				}
				err := apperr.New(apperr.KindHardValidation, "trigger_port changes require --force").
					WithContext("functions", strings.Join(ids, ","))
				classifyExit(err, setExit)
				return err
			}
			if diff.Empty() {
				fmt.Fprintln(os.Stdout, "no function changes")
				return nil
			}

			// Install the new config where the daemon's SIGHUP reload
			// (and the next `up`) read it, then wake the daemon.
			if args[0] != configPath {
				raw, err := os.ReadFile(args[0])
				if err != nil {
					classifyExit(err, setExit)
					return err
				}
				if err := os.WriteFile(configPath, raw, 0o644); err != nil {
					setExit(exitRuntimeFailure)
					return fmt.Errorf("install config at %s: %w", configPath, err)
				}
			}

			fmt.Fprintf(os.Stdout, "deploying: %d added, %d changed, %d removed\n",
				len(diff.Added), len(diff.Changed), len(diff.Removed))

			pid, err := readDaemonPid()
			if err != nil {
				logWarn("no running orchestrator found; changes take effect on the next `up`")
				return nil
			}
			if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
				setExit(exitRuntimeFailure)
				return fmt.Errorf("signal orchestrator pid %d: %w", pid, err)
			}
			fmt.Fprintf(os.Stdout, "reload signalled to orchestrator (pid %d)\n", pid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "apply even when trigger ports change")
	return cmd
}

func newListCommand(setExit func(int)) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list registered functions from the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				classifyExit(err, setExit)
				return err
			}
			for _, fc := range cfg.Functions {
				fmt.Fprintf(os.Stdout, "%-32s port=%-6s memory_mb=%-6d timeout_ms=%d\n",
					fc.ID.String(), fc.TriggerPort.String(), fc.MemoryLimit, fc.Timeout)
			}
			return nil
		},
	}
}

func newStatsCommand(setExit func(int)) *cobra.Command {
	var dashboard bool
	var watch bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "print or watch the orchestrator's stats snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := stats.DefaultPath
			if cfg, err := config.Load(configPath); err == nil && cfg.StatsPath != "" {
				path = cfg.StatsPath
			}
			if dashboard || watch {
				d := tui.NewDashboard(path)
				stopCh := make(chan struct{})
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				go func() { <-sigCh; close(stopCh) }()
				return d.Run(stopCh)
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				classifyExit(err, setExit)
				return err
			}
			fmt.Fprintln(os.Stdout, string(raw))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dashboard, "dashboard", false, "render a live lipgloss dashboard")
	cmd.Flags().BoolVar(&watch, "watch", false, "alias for --dashboard")
	return cmd
}

func newValidateCommand(setExit func(int)) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "validate a configuration file without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				classifyExit(err, setExit)
				return err
			}
			fmt.Fprintf(os.Stdout, "ok: %d function(s) valid\n", len(cfg.Functions))
			return nil
		},
	}
}
