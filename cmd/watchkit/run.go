package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/watchkit/audit"
	"github.com/vinayprograms/watchkit/config"
	"github.com/vinayprograms/watchkit/executor"
	"github.com/vinayprograms/watchkit/logging"
	"github.com/vinayprograms/watchkit/recovery"
	"github.com/vinayprograms/watchkit/shutdown"
	"github.com/vinayprograms/watchkit/supervisor"
	"github.com/vinayprograms/watchkit/syncbridge"
	"github.com/vinayprograms/watchkit/taskstore"
	"github.com/vinayprograms/watchkit/telemetry"
	"github.com/vinayprograms/watchkit/verdict"
	"github.com/vinayprograms/watchkit/watcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon for this zone",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

type daemon struct {
	cfgPath  string
	logger   *logging.Logger
	store    *taskstore.Store
	auditLog *audit.Log
	rec      *recovery.Recovery
	sup      *supervisor.Supervisor // nil without command watchers
	started  time.Time

	mu  sync.Mutex
	cfg *config.Config
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	d := &daemon{cfgPath: cfgPath, cfg: cfg, started: time.Now()}
	d.logger = logging.New().WithZone(cfg.Zone)
	d.logger.SetLevel(logLevel(cfg.LogLevel))

	for _, sub := range []string{"cursors", "heartbeats", "control"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, sub), 0o755); err != nil {
			return err
		}
	}

	coord := shutdown.NewCoordinator(shutdown.Config{})

	if cfg.Telemetry.Endpoint != "" {
		provider, err := telemetry.InitProvider(context.Background(), telemetry.ProviderConfig{
			Zone:     cfg.Zone,
			Endpoint: cfg.Telemetry.Endpoint,
			Protocol: cfg.Telemetry.Protocol,
			Insecure: cfg.Telemetry.Insecure,
		})
		if err != nil {
			return err
		}
		coord.RegisterFunc("telemetry", shutdown.PhaseStorage, provider.Shutdown)
	}

	var logOpts []audit.LogOption
	if cfg.Audit.IndexPath != "" {
		idx, err := audit.OpenIndex(resolve(cfg.DataDir, cfg.Audit.IndexPath))
		if err != nil {
			return err
		}
		logOpts = append(logOpts, audit.WithIndex(idx))
	}
	d.auditLog, err = audit.OpenLog(resolve(cfg.DataDir, cfg.Audit.Dir), logOpts...)
	if err != nil {
		return err
	}
	coord.RegisterFunc("audit", shutdown.PhaseStorage, func(context.Context) error {
		return d.auditLog.Close()
	})

	storeOpts := []taskstore.Option{taskstore.WithRecorder(d.auditLog)}
	if cfg.Zone == config.ZonePerception {
		storeOpts = append(storeOpts, taskstore.WithTransitionGuard(taskstore.PerceptionGuard()))
	}
	d.store, err = taskstore.Open(filepath.Join(cfg.DataDir, "tasks"), cfg.Zone, storeOpts...)
	if err != nil {
		return err
	}

	d.rec, err = recovery.New(
		recovery.WithRetryConfig(recovery.RetryConfig{
			BaseDelay:   cfg.Retry.BaseDelay.Std(),
			Multiplier:  cfg.Retry.Multiplier,
			Jitter:      cfg.Retry.Jitter,
			MaxDelay:    cfg.Retry.MaxDelay.Std(),
			MaxAttempts: cfg.Retry.MaxAttempts,
		}),
		recovery.WithBreakerConfig(recovery.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown.Std(),
			MaxCooldown:      cfg.Breaker.MaxCooldown.Std(),
		}),
		recovery.WithLogger(d.logger.WithComponent("recovery")),
		recovery.WithAlertFunc(func(endpoint string, err error) {
			d.logger.Error("endpoint paused until credentials are refreshed", map[string]interface{}{
				"endpoint": endpoint,
				"error":    err.Error(),
			})
		}),
	)
	if err != nil {
		return err
	}

	hbDir := filepath.Join(cfg.DataDir, "heartbeats")

	var specs []supervisor.WatcherSpec
	for _, w := range cfg.Watchers {
		if len(w.Command) == 0 {
			continue
		}
		specs = append(specs, supervisor.WatcherSpec{
			Name:     w.Name,
			Command:  w.Command,
			Critical: w.Critical,
			Disabled: w.Disabled,
		})
	}
	if len(specs) > 0 {
		d.sup, err = supervisor.New(supervisor.Config{
			HeartbeatDir:      hbDir,
			HeartbeatInterval: cfg.Supervisor.HeartbeatInterval.Std(),
			HeartbeatTimeout:  cfg.Supervisor.HeartbeatTimeout.Std(),
			RestartBaseDelay:  cfg.Supervisor.RestartBaseDelay.Std(),
			RestartMaxDelay:   cfg.Supervisor.RestartMaxDelay.Std(),
			MaxRestarts:       cfg.Supervisor.MaxRestarts,
			RestartWindow:     cfg.Supervisor.RestartWindow.Std(),
			MemoryBudgetMB:    cfg.Supervisor.MemoryBudgetMB,
			Logger:            d.logger.WithComponent("supervisor"),
		}, specs)
		if err != nil {
			return err
		}
		if err := d.sup.Start(context.Background()); err != nil {
			return err
		}
		coord.RegisterFunc("supervisor", shutdown.PhaseWatchers, func(context.Context) error {
			d.sup.Stop()
			return nil
		})
	}

	// Watchers without a command poll a drop directory in-process.
	for _, w := range cfg.Watchers {
		if len(w.Command) > 0 || w.Disabled {
			continue
		}
		dropDir := filepath.Join(cfg.DataDir, "drops", w.Name)
		if err := os.MkdirAll(dropDir, 0o755); err != nil {
			return err
		}
		dw := watcher.NewDirWatcher(dropDir, w.Kind)
		r, err := watcher.NewRunner(dw, watcher.RunnerConfig{
			Name:              w.Name,
			Endpoint:          w.Endpoint,
			Interval:          w.Interval.Std(),
			Store:             d.store,
			Recovery:          d.rec,
			CursorPath:        filepath.Join(cfg.DataDir, "cursors", w.Name+".cursor"),
			HeartbeatDir:      hbDir,
			HeartbeatInterval: cfg.Supervisor.HeartbeatInterval.Std(),
			Logger:            d.logger.WithComponent("watcher." + w.Name),
		})
		if err != nil {
			return err
		}
		startLoop(coord, d.logger, "watcher."+w.Name, shutdown.PhaseWatchers, r.Run)
	}

	if cfg.Zone == config.ZoneExecution {
		producer, err := buildProducer(cfg)
		if err != nil {
			return err
		}
		if producer != nil {
			rev, err := verdict.NewReviewer(verdict.ReviewerConfig{
				Store:    d.store,
				Producer: producer,
				Recovery: d.rec,
				Interval: cfg.Verdict.Interval.Std(),
				Logger:   d.logger.WithComponent("reviewer"),
			})
			if err != nil {
				return err
			}
			startLoop(coord, d.logger, "reviewer", shutdown.PhasePipeline, rev.Run)
		}

		if len(cfg.Actions) > 0 {
			routes := make([]executor.CommandRoute, len(cfg.Actions))
			for i, a := range cfg.Actions {
				routes[i] = executor.CommandRoute{
					Kind:         a.Kind,
					Command:      a.Command,
					Endpoint:     a.Endpoint,
					Irreversible: a.Irreversible,
				}
			}
			action, err := executor.NewCommandAction(routes)
			if err != nil {
				return err
			}
			host, _ := os.Hostname()
			ex, err := executor.New(executor.Config{
				Store:      d.store,
				Action:     action,
				Recovery:   d.rec,
				Audit:      d.auditLog,
				Actor:      fmt.Sprintf("executor:%s/%d", host, os.Getpid()),
				StuckAfter: cfg.Executor.StuckAfter.Std(),
				Interval:   cfg.Executor.Interval.Std(),
				Logger:     d.logger.WithComponent("executor"),
			})
			if err != nil {
				return err
			}
			startLoop(coord, d.logger, "executor", shutdown.PhasePipeline, ex.Run)
		}
	}

	if cfg.BackingDir != "" {
		backing, err := syncbridge.OpenBacking(cfg.BackingDir)
		if err != nil {
			return err
		}
		journal, err := syncbridge.OpenJournal(filepath.Join(cfg.DataDir, "sync.journal"))
		if err != nil {
			return err
		}
		coord.RegisterFunc("journal", shutdown.PhaseStorage, func(context.Context) error {
			return journal.Close()
		})
		bridge, err := syncbridge.New(syncbridge.Config{
			Store:    d.store,
			Backing:  backing,
			Journal:  journal,
			Zone:     cfg.Zone,
			Denylist: cfg.Sync.SecretsDenylist,
			Audit:    d.auditLog,
			Interval: cfg.Sync.Interval.Std(),
			Logger:   d.logger.WithComponent("syncbridge"),
		})
		if err != nil {
			return err
		}
		startLoop(coord, d.logger, "syncbridge", shutdown.PhaseSync, bridge.Run)
	}

	if cfg.Audit.Retention.Std() > 0 {
		startLoop(coord, d.logger, "audit-compact", shutdown.PhasePipeline, d.compactLoop)
	}

	startLoop(coord, d.logger, "config-watch", shutdown.PhasePipeline, func(ctx context.Context) error {
		return config.Watch(ctx, d.cfgPath, d.logger.WithComponent("config"), d.applyConfig)
	})
	startLoop(coord, d.logger, "control", shutdown.PhasePipeline, d.controlLoop)

	d.logger.Info("daemon started", map[string]interface{}{
		"zone": cfg.Zone,
		"pid":  os.Getpid(),
	})
	coord.HandleSignals()
	<-coord.Done()
	_ = os.Remove(statusPath(cfg.DataDir))
	d.logger.Info("daemon stopped")
	return coord.Err()
}

// startLoop runs fn until its phase shuts down, then waits for it to
// drain.
func startLoop(coord *shutdown.Coordinator, logger *logging.Logger, name string, phase int, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error(name+" exited", map[string]interface{}{"error": err.Error()})
		}
	}()
	coord.RegisterFunc(name, phase, func(sctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})
}

func buildProducer(cfg *config.Config) (verdict.Producer, error) {
	switch cfg.Verdict.Producer {
	case "none":
		return nil, nil
	case "rules":
		rules, err := verdict.LoadRules(resolve(cfg.DataDir, cfg.Verdict.RulesFile))
		if err != nil {
			return nil, err
		}
		return verdict.NewRuleProducer(*rules)
	case "anthropic":
		return verdict.NewAnthropicProducer(verdict.AnthropicConfig{
			APIKey:    os.Getenv("ANTHROPIC_API_KEY"),
			Model:     cfg.Verdict.Model,
			MaxTokens: cfg.Verdict.MaxTokens,
		})
	default:
		return nil, nil
	}
}

func (d *daemon) compactLoop(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			retention := d.config().Audit.Retention.Std()
			report, err := d.auditLog.Compact(retention, audit.StoreProbe(d.store))
			if err != nil {
				d.logger.Warn("audit compaction failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			d.logger.Info("audit compacted", map[string]interface{}{
				"removed":  len(report.Removed),
				"retained": len(report.Retained),
			})
		}
	}
}

func (d *daemon) controlLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	d.writeStatus()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.writeStatus()
			d.drainControl()
		}
	}
}

func (d *daemon) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// applyConfig takes over the cheap-to-change settings from a reloaded
// configuration. Watcher topology and storage paths need a restart.
func (d *daemon) applyConfig(next *config.Config) {
	d.logger.SetLevel(logLevel(next.LogLevel))

	if d.sup != nil {
		for _, w := range next.Watchers {
			if len(w.Command) == 0 {
				continue
			}
			if w.Disabled {
				_ = d.sup.Disable(w.Name, "disabled in configuration")
			} else {
				_ = d.sup.Enable(w.Name)
			}
		}
	}

	d.mu.Lock()
	d.cfg = next
	d.mu.Unlock()
	d.logger.Info("configuration reloaded")
}

func (d *daemon) writeStatus() {
	cfg := d.config()
	st := daemonStatus{
		PID:       os.Getpid(),
		Zone:      cfg.Zone,
		StartedAt: d.started,
		UpdatedAt: time.Now(),
		Paused:    d.rec.Paused(),
	}
	if d.sup != nil {
		st.Watchers = d.sup.Status()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	path := statusPath(cfg.DataDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		d.logger.Warn("status snapshot failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		d.logger.Warn("status snapshot failed", map[string]interface{}{"error": err.Error()})
	}
}

func (d *daemon) drainControl() {
	cfg := d.config()
	names, err := pendingControls(cfg.DataDir)
	if err != nil {
		d.logger.Warn("control scan failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, name := range names {
		path := filepath.Join(controlDir(cfg.DataDir), name)
		data, err := os.ReadFile(path)
		if err == nil {
			var req controlRequest
			if err := json.Unmarshal(data, &req); err == nil {
				d.handleControl(req)
			} else {
				d.logger.Warn("dropping malformed control request", map[string]interface{}{"file": name})
			}
		}
		_ = os.Remove(path)
	}
}

func (d *daemon) handleControl(req controlRequest) {
	d.logger.Info("control request", map[string]interface{}{"op": req.Op, "watcher": req.Watcher})
	switch req.Op {
	case "start-all":
		if d.sup != nil {
			d.sup.StartAll()
		}
	case "stop-all":
		if d.sup != nil {
			d.sup.StopAll()
		}
	case "enable":
		if d.sup != nil {
			if err := d.sup.Enable(req.Watcher); err != nil {
				d.logger.Warn("enable failed", map[string]interface{}{
					"watcher": req.Watcher,
					"error":   err.Error(),
				})
			}
		}
	case "disable":
		if d.sup != nil {
			if err := d.sup.Disable(req.Watcher, "operator request"); err != nil {
				d.logger.Warn("disable failed", map[string]interface{}{
					"watcher": req.Watcher,
					"error":   err.Error(),
				})
			}
		}
	case "reload":
		next, err := config.Load(d.cfgPath)
		if err != nil {
			d.logger.Warn("reload rejected", map[string]interface{}{"error": err.Error()})
			return
		}
		d.applyConfig(next)
	default:
		d.logger.Warn("unknown control op", map[string]interface{}{"op": req.Op})
	}
}

func logLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// resolve joins a configured path under the data directory unless it is
// absolute.
func resolve(dataDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dataDir, p)
}
