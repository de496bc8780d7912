package supervisor

import (
	"os/exec"
	"time"
)

// process is the supervisor's view of one managed watcher. All fields
// are guarded by the supervisor's mutex.
type process struct {
	spec  WatcherSpec
	state ProcState
	cmd   *exec.Cmd

	// restarts holds the times of recent restarts, pruned to the
	// rolling window.
	restarts []time.Time

	// restartDelay is the current backoff; doubles per crash, resets
	// after a healthy window.
	restartDelay time.Duration

	// restartAt is when a crashed watcher may start again.
	restartAt time.Time

	lastStart      time.Time
	lastErr        error
	disabledReason string

	// degraded marks a watcher disabled by memory pressure rather than
	// by an operator or a restart storm. Pressure easing re-enables it.
	degraded bool
}

func (p *process) pid() int {
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// pruneWindow drops restart records older than the window.
func (p *process) pruneWindow(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(p.restarts) && now.Sub(p.restarts[cut]) > window {
		cut++
	}
	p.restarts = p.restarts[cut:]
}

// recordCrash notes a crash and returns true when the restart budget
// for the window is exhausted.
func (p *process) recordCrash(now time.Time, cfg Config) (storm bool) {
	p.restarts = append(p.restarts, now)
	p.pruneWindow(now, cfg.RestartWindow)
	if len(p.restarts) > cfg.MaxRestarts {
		return true
	}

	p.restartAt = now.Add(p.restartDelay)
	p.restartDelay *= 2
	if p.restartDelay > cfg.RestartMaxDelay {
		p.restartDelay = cfg.RestartMaxDelay
	}
	return false
}

// noteHealthy resets the backoff once the watcher has run a full
// window without crashing.
func (p *process) noteHealthy(now time.Time, cfg Config) {
	if p.state != StateRunning {
		return
	}
	if now.Sub(p.lastStart) < cfg.RestartWindow {
		return
	}
	p.restarts = nil
	p.restartDelay = cfg.RestartBaseDelay
}
