package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/watchkit/errors"
)

// Zone roles.
const (
	ZonePerception = "perception"
	ZoneExecution  = "execution"
)

// Duration is a time.Duration that reads from TOML as a string like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// WatcherConfig declares one managed watcher process.
type WatcherConfig struct {
	// Name identifies the watcher. Must be unique.
	Name string `toml:"name"`

	// Kind is the task kind the watcher emits.
	Kind string `toml:"kind"`

	// Command is the argv to launch the watcher process.
	Command []string `toml:"command"`

	// Interval is the polling period for in-process watchers.
	Interval Duration `toml:"interval"`

	// Endpoint names the external collaborator the watcher talks to.
	Endpoint string `toml:"endpoint"`

	// Critical watchers survive degraded mode.
	Critical bool `toml:"critical"`

	// Disabled watchers are configured but never started.
	Disabled bool `toml:"disabled"`
}

// RetryConfig mirrors the backoff policy in TOML form.
type RetryConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	Multiplier  float64  `toml:"multiplier"`
	Jitter      float64  `toml:"jitter"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
}

// BreakerConfig mirrors the circuit breaker policy in TOML form.
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	Cooldown         Duration `toml:"cooldown"`
	MaxCooldown      Duration `toml:"max_cooldown"`
}

// SupervisorConfig tunes process management.
type SupervisorConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
	RestartBaseDelay  Duration `toml:"restart_base_delay"`
	RestartMaxDelay   Duration `toml:"restart_max_delay"`
	MaxRestarts       int      `toml:"max_restarts"`
	RestartWindow     Duration `toml:"restart_window"`
	MemoryBudgetMB    int      `toml:"memory_budget_mb"`
}

// SyncConfig tunes cross-zone reconciliation.
type SyncConfig struct {
	Interval Duration `toml:"interval"`

	// SecretsDenylist holds glob patterns for payload keys that must
	// never cross the zone boundary.
	SecretsDenylist []string `toml:"secrets_denylist"`
}

// VerdictConfig selects and tunes the verdict producer.
type VerdictConfig struct {
	// Producer is "rules", "anthropic" or "none".
	Producer string `toml:"producer"`

	// RulesFile is the rule table for the rules producer.
	RulesFile string `toml:"rules_file"`

	// Model for the anthropic producer. Empty uses the SDK default.
	Model string `toml:"model"`

	// MaxTokens for the anthropic producer.
	MaxTokens int `toml:"max_tokens"`

	// Interval between reviewer passes.
	Interval Duration `toml:"interval"`
}

// ExecutorConfig tunes approved-task execution.
type ExecutorConfig struct {
	Interval   Duration `toml:"interval"`
	StuckAfter Duration `toml:"stuck_after"`
}

// ActionConfig routes one class of approved tasks to a command.
type ActionConfig struct {
	// Kind is a glob over task kinds.
	Kind string `toml:"kind"`

	// Command is the argv to run. The task record arrives on stdin.
	Command []string `toml:"command"`

	// Endpoint names the collaborator for the recovery policy.
	Endpoint string `toml:"endpoint"`

	// Irreversible actions are never attempted while a breaker is open.
	Irreversible bool `toml:"irreversible"`
}

// TelemetryConfig enables OTLP trace export. Empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint"`
	Protocol string `toml:"protocol"`
	Insecure bool   `toml:"insecure"`
}

// AuditConfig tunes the audit log.
type AuditConfig struct {
	Dir       string   `toml:"dir"`
	IndexPath string   `toml:"index_path"`
	Retention Duration `toml:"retention"`
}

// Config is the full runtime configuration for one zone.
type Config struct {
	// Zone is this process's role: perception or execution.
	Zone string `toml:"zone"`

	// DataDir is the root of the task store bucket tree.
	DataDir string `toml:"data_dir"`

	// BackingDir is the shared replicated directory both zones sync
	// against. Empty disables the sync bridge.
	BackingDir string `toml:"backing_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	Audit      AuditConfig      `toml:"audit"`
	Retry      RetryConfig      `toml:"retry"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Sync       SyncConfig       `toml:"sync"`
	Verdict    VerdictConfig    `toml:"verdict"`
	Executor   ExecutorConfig   `toml:"executor"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`

	Watchers []WatcherConfig `toml:"watchers"`
	Actions  []ActionConfig  `toml:"actions"`
}

// Default returns configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Zone:     ZonePerception,
		DataDir:  "data",
		LogLevel: "info",
		Audit: AuditConfig{
			Dir:       "audit",
			Retention: Duration(90 * 24 * time.Hour),
		},
		Retry: RetryConfig{
			BaseDelay:   Duration(1 * time.Second),
			Multiplier:  2.0,
			Jitter:      0.2,
			MaxDelay:    Duration(60 * time.Second),
			MaxAttempts: 5,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         Duration(30 * time.Second),
			MaxCooldown:      Duration(10 * time.Minute),
		},
		Supervisor: SupervisorConfig{
			HeartbeatInterval: Duration(10 * time.Second),
			HeartbeatTimeout:  Duration(30 * time.Second),
			RestartBaseDelay:  Duration(1 * time.Second),
			RestartMaxDelay:   Duration(5 * time.Minute),
			MaxRestarts:       5,
			RestartWindow:     Duration(10 * time.Minute),
			MemoryBudgetMB:    0,
		},
		Sync: SyncConfig{
			Interval: Duration(30 * time.Second),
			SecretsDenylist: []string{
				"*token*", "*secret*", "*password*", "*credential*", "*api_key*",
			},
		},
		Verdict: VerdictConfig{
			Producer:  "none",
			MaxTokens: 1024,
			Interval:  Duration(15 * time.Second),
		},
		Executor: ExecutorConfig{
			Interval:   Duration(10 * time.Second),
			StuckAfter: Duration(10 * time.Minute),
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
	}
}

// Load reads and validates a TOML configuration file. Missing keys fall
// back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("configuration file not found",
				errors.WithMetadata("path", path))
		}
		return nil, errors.New(errors.CodeParseFailure, "parse configuration",
			errors.WithCause(err), errors.WithMetadata("path", path))
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.InvalidInput("unknown configuration key: " + undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Zone != ZonePerception && c.Zone != ZoneExecution {
		return errors.InvalidInput("zone must be perception or execution")
	}
	if c.DataDir == "" {
		return errors.InvalidInput("data_dir is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.InvalidInput("log_level must be debug, info, warn or error")
	}
	if c.Audit.Retention < 0 {
		return errors.InvalidInput("audit retention must be non-negative")
	}
	if c.Supervisor.HeartbeatTimeout.Std() <= c.Supervisor.HeartbeatInterval.Std() {
		return errors.InvalidInput("heartbeat timeout must exceed the interval")
	}

	seen := make(map[string]bool)
	for _, w := range c.Watchers {
		if w.Name == "" {
			return errors.InvalidInput("watcher name is required")
		}
		if seen[w.Name] {
			return errors.InvalidInput("duplicate watcher name: " + w.Name)
		}
		seen[w.Name] = true
		if w.Kind == "" {
			return errors.InvalidInput("watcher kind is required: " + w.Name)
		}
		if len(w.Command) == 0 && w.Interval.Std() <= 0 {
			return errors.InvalidInput("watcher needs a command or a poll interval: " + w.Name)
		}
	}

	switch c.Verdict.Producer {
	case "none", "anthropic":
	case "rules":
		if c.Verdict.RulesFile == "" {
			return errors.InvalidInput("verdict rules_file is required for the rules producer")
		}
	default:
		return errors.InvalidInput("verdict producer must be rules, anthropic or none")
	}

	for _, a := range c.Actions {
		if a.Kind == "" {
			return errors.InvalidInput("action kind is required")
		}
		if len(a.Command) == 0 {
			return errors.InvalidInput("action needs a command: " + a.Kind)
		}
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return errors.InvalidInput("telemetry protocol must be grpc or http")
	}
	return nil
}

// Watcher returns the configuration for a named watcher, or nil.
func (c *Config) Watcher(name string) *WatcherConfig {
	for i := range c.Watchers {
		if c.Watchers[i].Name == name {
			return &c.Watchers[i]
		}
	}
	return nil
}
