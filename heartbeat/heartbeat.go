package heartbeat

import (
	"encoding/json"
	"errors"
	"time"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// FileSuffix is the suffix for heartbeat files.
const FileSuffix = ".hb"

// Heartbeat is one liveness report from a watcher process. It lives as a
// small JSON file in a shared directory; the write replaces the previous
// report atomically.
type Heartbeat struct {
	// Name uniquely identifies the sending watcher.
	Name string `json:"name"`

	// PID of the sending process.
	PID int `json:"pid"`

	// Timestamp when the heartbeat was written.
	Timestamp time.Time `json:"timestamp"`

	// Status of the watcher (e.g., "idle", "checking", "degraded").
	Status string `json:"status"`

	// MemoryMB is the watcher's self-reported resident set, in MiB.
	// Zero means unreported.
	MemoryMB int `json:"memory_mb,omitempty"`

	// Metadata contains additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// FileName returns the heartbeat file name for a watcher.
func FileName(name string) string {
	return name + FileSuffix
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Dir is the directory heartbeat files are written to.
	Dir string

	// Name is the unique identifier for this watcher.
	Name string

	// Interval between heartbeats.
	// Default: 10 seconds
	Interval time.Duration

	// InitialStatus is the starting status.
	// Default: "idle"
	InitialStatus string
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Dir == "" {
		return ErrInvalidConfig
	}
	if c.Name == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval:      10 * time.Second,
		InitialStatus: "idle",
	}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Dir is the directory heartbeat files are read from.
	Dir string

	// Timeout for considering a watcher dead.
	// Should be 2-3x the expected heartbeat interval.
	// Default: 30 seconds
	Timeout time.Duration

	// CheckInterval for the dead watcher checker.
	// Default: 1 second
	CheckInterval time.Duration
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Dir == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       30 * time.Second,
		CheckInterval: 1 * time.Second,
	}
}
