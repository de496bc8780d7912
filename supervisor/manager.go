package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/heartbeat"
	"github.com/vinayprograms/watchkit/logging"
)

// Supervisor manages watcher processes: launch, liveness via heartbeat
// files, restart with backoff, disable on restart storms, shed
// non-critical watchers under memory pressure.
type Supervisor struct {
	config  Config
	logger  *logging.Logger
	monitor *heartbeat.FileMonitor

	mu    sync.Mutex
	procs map[string]*process

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	clock   func() time.Time
}

// New creates a supervisor for the given watcher specs.
func New(config Config, specs []WatcherSpec) (*Supervisor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if config.RestartBaseDelay <= 0 {
		config.RestartBaseDelay = defaults.RestartBaseDelay
	}
	if config.RestartMaxDelay <= 0 {
		config.RestartMaxDelay = defaults.RestartMaxDelay
	}
	if config.MaxRestarts <= 0 {
		config.MaxRestarts = defaults.MaxRestarts
	}
	if config.RestartWindow <= 0 {
		config.RestartWindow = defaults.RestartWindow
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.New()
	}

	s := &Supervisor{
		config: config,
		logger: logger.WithComponent("supervisor"),
		procs:  make(map[string]*process),
		clock:  time.Now,
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, errors.InvalidInput("watcher spec without a name")
		}
		if _, dup := s.procs[spec.Name]; dup {
			return nil, errors.InvalidInput("duplicate watcher spec: " + spec.Name)
		}
		p := &process{
			spec:         spec,
			state:        StateStopped,
			restartDelay: config.RestartBaseDelay,
		}
		if spec.Disabled {
			p.state = StateDisabled
			p.disabledReason = "disabled in configuration"
		}
		s.procs[spec.Name] = p
	}
	return s, nil
}

// Start launches all enabled watchers and begins supervision. Returns
// when supervision is running; Stop tears it down.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.Conflict("supervisor already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	monitor, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{
		Dir:     s.config.HeartbeatDir,
		Timeout: s.config.HeartbeatTimeout,
	})
	if err != nil {
		return err
	}
	monitor.OnDead(func(name string) {
		s.markCrashed(name, errors.New(errors.CodeProcessCrash, "heartbeat lost"))
	})
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	s.monitor = monitor

	s.StartAll()
	go s.loop(ctx)
	return nil
}

// Stop halts supervision and all managed watchers.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.StopAll()
	if s.monitor != nil {
		s.monitor.Stop()
	}
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick retries due restarts, detects silent starts, resets backoff for
// sustained health, and applies the memory budget.
func (s *Supervisor) tick() {
	now := s.clock()

	s.mu.Lock()
	var due, silent []string
	for name, p := range s.procs {
		p.noteHealthy(now, s.config)
		if p.state == StateCrashed && !now.Before(p.restartAt) {
			due = append(due, name)
		}
		// A watcher that started but never wrote its first heartbeat is
		// invisible to the monitor; presume it dead once the timeout has
		// passed since launch.
		if p.state == StateRunning && s.monitor != nil &&
			now.Sub(p.lastStart) > s.config.HeartbeatTimeout &&
			s.monitor.LastHeartbeat(name) == nil {
			silent = append(silent, name)
		}
	}
	s.mu.Unlock()

	for _, name := range silent {
		s.markCrashed(name, errors.New(errors.CodeProcessCrash,
			"no heartbeat since start"))
	}

	for _, name := range due {
		if err := s.StartWatcher(name); err != nil {
			s.logger.Warn("restart failed", map[string]interface{}{
				"watcher": name, "error": err.Error(),
			})
		}
	}

	s.applyMemoryBudget()
}

// StartWatcher launches one watcher.
func (s *Supervisor) StartWatcher(name string) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("unknown watcher: " + name)
	}
	switch p.state {
	case StateRunning, StateStarting:
		s.mu.Unlock()
		return nil
	case StateDisabled:
		s.mu.Unlock()
		return errors.Conflict("watcher is disabled: " + name)
	}
	if len(p.spec.Command) == 0 {
		s.mu.Unlock()
		return errors.InvalidInput("watcher has no command: " + name)
	}

	p.state = StateStarting
	cmd := exec.Command(p.spec.Command[0], p.spec.Command[1:]...)
	cmd.Env = append(cmd.Environ(),
		"WATCHKIT_WATCHER="+name,
		"WATCHKIT_HEARTBEAT_DIR="+s.config.HeartbeatDir,
		fmt.Sprintf("WATCHKIT_HEARTBEAT_INTERVAL=%s", s.config.HeartbeatInterval),
	)
	if err := cmd.Start(); err != nil {
		p.state = StateCrashed
		p.lastErr = err
		p.recordCrash(s.clock(), s.config)
		s.mu.Unlock()
		return errors.WrapWithCode(err, errors.CodeProcessCrash, "launch watcher "+name)
	}
	p.cmd = cmd
	p.state = StateRunning
	p.lastStart = s.clock()
	s.mu.Unlock()

	s.logger.WatcherState(name, string(StateRunning), s.restartCount(name))

	go func() {
		err := cmd.Wait()
		s.onExit(name, cmd, err)
	}()
	return nil
}

// onExit handles a watcher process ending on its own.
func (s *Supervisor) onExit(name string, cmd *exec.Cmd, err error) {
	s.mu.Lock()
	p, ok := s.procs[name]
	if !ok || p.cmd != cmd {
		// A newer incarnation owns the slot.
		s.mu.Unlock()
		return
	}
	if p.state == StateStopping || p.state == StateStopped {
		p.state = StateStopped
		p.cmd = nil
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	cause := errors.New(errors.CodeProcessCrash, "watcher process exited")
	if err != nil {
		cause = errors.WrapWithCode(err, errors.CodeProcessCrash, "watcher process exited")
	}
	s.markCrashed(name, cause)
}

// markCrashed transitions a watcher to crashed and decides whether it
// may restart or has stormed.
func (s *Supervisor) markCrashed(name string, cause error) {
	now := s.clock()

	s.mu.Lock()
	p, ok := s.procs[name]
	if !ok || p.state == StateDisabled || p.state == StateStopped || p.state == StateStopping {
		s.mu.Unlock()
		return
	}
	if p.state == StateCrashed {
		s.mu.Unlock()
		return
	}
	s.kill(p)
	p.state = StateCrashed
	p.lastErr = cause
	storm := p.recordCrash(now, s.config)
	if storm {
		p.state = StateDisabled
		p.disabledReason = "restart storm: exceeded restart budget"
	}
	restarts := len(p.restarts)
	s.mu.Unlock()

	if s.monitor != nil {
		s.monitor.Forget(name)
	}

	if storm {
		s.logger.Error("watcher disabled after restart storm", map[string]interface{}{
			"watcher": name, "restarts": restarts, "cause": cause.Error(),
		})
		return
	}
	s.logger.Warn("watcher crashed", map[string]interface{}{
		"watcher": name, "restarts": restarts, "cause": cause.Error(),
	})
}

// StopWatcher stops one watcher without marking it crashed.
func (s *Supervisor) StopWatcher(name string) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("unknown watcher: " + name)
	}
	if p.state != StateRunning && p.state != StateStarting && p.state != StateCrashed {
		s.mu.Unlock()
		return nil
	}
	p.state = StateStopping
	s.kill(p)
	p.state = StateStopped
	p.cmd = nil
	s.mu.Unlock()

	if s.monitor != nil {
		s.monitor.Forget(name)
	}
	s.logger.WatcherState(name, string(StateStopped), s.restartCount(name))
	return nil
}

// kill terminates the underlying process if present. Caller holds the
// lock.
func (s *Supervisor) kill(p *process) {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// StartAll launches every watcher that is not disabled.
func (s *Supervisor) StartAll() {
	for _, name := range s.names() {
		s.mu.Lock()
		p := s.procs[name]
		skip := p.state == StateDisabled || len(p.spec.Command) == 0
		s.mu.Unlock()
		if skip {
			continue
		}
		if err := s.StartWatcher(name); err != nil {
			s.logger.Warn("start failed", map[string]interface{}{
				"watcher": name, "error": err.Error(),
			})
		}
	}
}

// StopAll stops every watcher.
func (s *Supervisor) StopAll() {
	for _, name := range s.names() {
		_ = s.StopWatcher(name)
	}
}

// Enable clears a disabled watcher and starts it.
func (s *Supervisor) Enable(name string) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("unknown watcher: " + name)
	}
	if p.state == StateDisabled {
		p.state = StateStopped
		p.disabledReason = ""
		p.degraded = false
		p.restarts = nil
		p.restartDelay = s.config.RestartBaseDelay
	}
	hasCommand := len(p.spec.Command) > 0
	s.mu.Unlock()

	if !hasCommand {
		return nil
	}
	return s.StartWatcher(name)
}

// Disable stops a watcher and keeps it down until Enable.
func (s *Supervisor) Disable(name, reason string) error {
	if err := s.StopWatcher(name); err != nil {
		return err
	}
	s.mu.Lock()
	p := s.procs[name]
	p.state = StateDisabled
	if reason == "" {
		reason = "disabled by operator"
	}
	p.disabledReason = reason
	s.mu.Unlock()
	return nil
}

// applyMemoryBudget sums self-reported memory and sheds non-critical
// watchers while over budget. Pressure easing below 80% of the budget
// re-enables what it shed.
func (s *Supervisor) applyMemoryBudget() {
	if s.config.MemoryBudgetMB <= 0 || s.monitor == nil {
		return
	}

	total := 0
	usage := make(map[string]int)
	for _, name := range s.names() {
		if hb := s.monitor.LastHeartbeat(name); hb != nil {
			usage[name] = hb.MemoryMB
			total += hb.MemoryMB
		}
	}

	if total > s.config.MemoryBudgetMB {
		victim := s.pickVictim(usage)
		if victim == "" {
			s.logger.Error("memory over budget with no sheddable watcher", map[string]interface{}{
				"total_mb": total, "budget_mb": s.config.MemoryBudgetMB,
			})
			return
		}
		s.logger.Warn("memory pressure: shedding watcher", map[string]interface{}{
			"watcher": victim, "total_mb": total, "budget_mb": s.config.MemoryBudgetMB,
		})
		if err := s.Disable(victim, "memory pressure"); err == nil {
			s.mu.Lock()
			s.procs[victim].degraded = true
			s.mu.Unlock()
		}
		return
	}

	if total <= s.config.MemoryBudgetMB*8/10 {
		for _, name := range s.names() {
			s.mu.Lock()
			p := s.procs[name]
			revive := p.state == StateDisabled && p.degraded
			s.mu.Unlock()
			if revive {
				s.logger.Info("memory pressure eased: reviving watcher", map[string]interface{}{
					"watcher": name,
				})
				_ = s.Enable(name)
				return // one per tick
			}
		}
	}
}

// pickVictim selects the largest running non-critical watcher.
func (s *Supervisor) pickVictim(usage map[string]int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	victim := ""
	largest := -1
	for name, p := range s.procs {
		if p.spec.Critical || p.state != StateRunning {
			continue
		}
		if usage[name] > largest {
			largest = usage[name]
			victim = name
		}
	}
	return victim
}

// Status reports a read-only snapshot of every managed watcher, sorted
// by name.
func (s *Supervisor) Status() []WatcherStatus {
	names := s.names()

	s.mu.Lock()
	out := make([]WatcherStatus, 0, len(names))
	for _, name := range names {
		p := s.procs[name]
		st := WatcherStatus{
			Name:           name,
			State:          p.state,
			PID:            p.pid(),
			Critical:       p.spec.Critical,
			Restarts:       len(p.restarts),
			DisabledReason: p.disabledReason,
		}
		if p.lastErr != nil {
			st.LastError = p.lastErr.Error()
		}
		out = append(out, st)
	}
	s.mu.Unlock()

	if s.monitor != nil {
		for i := range out {
			if hb := s.monitor.LastHeartbeat(out[i].Name); hb != nil {
				out[i].LastHeartbeat = hb.Timestamp
				out[i].MemoryMB = hb.MemoryMB
			}
		}
	}
	return out
}

func (s *Supervisor) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) restartCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[name]; ok {
		return len(p.restarts)
	}
	return 0
}
