package supervisor

import (
	"time"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/logging"
)

// ProcState is a managed watcher's lifecycle state.
type ProcState string

// Watcher process states.
const (
	StateStopped  ProcState = "stopped"
	StateStarting ProcState = "starting"
	StateRunning  ProcState = "running"
	StateCrashed  ProcState = "crashed"
	StateStopping ProcState = "stopping"
	StateDisabled ProcState = "disabled"
)

// WatcherSpec declares one watcher process to manage.
type WatcherSpec struct {
	// Name identifies the watcher and its heartbeat file.
	Name string

	// Command is the argv to launch.
	Command []string

	// Critical watchers survive degraded mode.
	Critical bool

	// Disabled watchers are configured but never started.
	Disabled bool
}

// Config configures a supervisor.
type Config struct {
	// HeartbeatDir is where managed watchers write their heartbeats.
	HeartbeatDir string

	// HeartbeatInterval managed watchers are told to beat at.
	// Default: 10 seconds
	HeartbeatInterval time.Duration

	// HeartbeatTimeout after which a silent watcher is presumed dead.
	// Default: 30 seconds
	HeartbeatTimeout time.Duration

	// RestartBaseDelay is the first restart backoff.
	// Default: 1 second
	RestartBaseDelay time.Duration

	// RestartMaxDelay caps the backoff doubling.
	// Default: 5 minutes
	RestartMaxDelay time.Duration

	// MaxRestarts within RestartWindow disables the watcher.
	// Default: 5
	MaxRestarts int

	// RestartWindow is the rolling window for the restart counter. A
	// watcher healthy for a full window gets its counter and backoff
	// reset.
	// Default: 10 minutes
	RestartWindow time.Duration

	// MemoryBudgetMB is the global budget across all managed watchers,
	// summed from self-reported heartbeats. Zero disables the check.
	MemoryBudgetMB int

	// Logger for lifecycle events.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.HeartbeatDir == "" {
		return errors.InvalidInput("supervisor requires a heartbeat directory")
	}
	if c.MemoryBudgetMB < 0 {
		return errors.InvalidInput("memory budget must be non-negative")
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		RestartBaseDelay:  1 * time.Second,
		RestartMaxDelay:   5 * time.Minute,
		MaxRestarts:       5,
		RestartWindow:     10 * time.Minute,
	}
}

// WatcherStatus is a read-only snapshot of one managed watcher.
type WatcherStatus struct {
	Name           string    `json:"name"`
	State          ProcState `json:"state"`
	PID            int       `json:"pid,omitempty"`
	Critical       bool      `json:"critical"`
	Restarts       int       `json:"restarts"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitempty"`
	MemoryMB       int       `json:"memory_mb,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	DisabledReason string    `json:"disabled_reason,omitempty"`
}
