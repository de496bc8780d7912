package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileMonitor scans a heartbeat directory and detects dead watchers.
type FileMonitor struct {
	config MonitorConfig

	mu        sync.Mutex
	lastSeen  map[string]*Heartbeat
	reported  map[string]bool
	callbacks []func(name string)
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(config MonitorConfig) (*FileMonitor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultMonitorConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	return &FileMonitor{
		config:   config,
		lastSeen: make(map[string]*Heartbeat),
		reported: make(map[string]bool),
	}, nil
}

// Start begins scanning for heartbeats. Returns ErrAlreadyStarted if
// already running.
func (m *FileMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
	return nil
}

func (m *FileMonitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan()
			m.checkDead()
		}
	}
}

// Scan reads every heartbeat file once. Exposed so callers can force a
// scan between ticks.
func (m *FileMonitor) Scan() {
	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, FileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.config.Dir, name))
		if err != nil {
			continue
		}
		hb, err := Unmarshal(data)
		if err != nil || hb.Name == "" {
			continue
		}

		m.mu.Lock()
		prev := m.lastSeen[hb.Name]
		if prev == nil || hb.Timestamp.After(prev.Timestamp) {
			m.lastSeen[hb.Name] = hb
			delete(m.reported, hb.Name)
		}
		m.mu.Unlock()
	}
}

func (m *FileMonitor) checkDead() {
	now := time.Now()

	m.mu.Lock()
	var dead []string
	for name, hb := range m.lastSeen {
		if m.reported[name] {
			continue
		}
		if now.Sub(hb.Timestamp) > m.config.Timeout {
			m.reported[name] = true
			dead = append(dead, name)
		}
	}
	callbacks := make([]func(string), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, name := range dead {
		for _, cb := range callbacks {
			cb(name)
		}
	}
}

// IsAlive checks if a watcher has written a heartbeat within timeout.
func (m *FileMonitor) IsAlive(name string, timeout time.Duration) bool {
	m.mu.Lock()
	hb := m.lastSeen[name]
	m.mu.Unlock()
	if hb == nil {
		return false
	}
	return time.Since(hb.Timestamp) <= timeout
}

// LastHeartbeat returns the last heartbeat from a watcher, if any.
func (m *FileMonitor) LastHeartbeat(name string) *Heartbeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen[name]
}

// Watchers returns the names of all watchers seen so far.
func (m *FileMonitor) Watchers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.lastSeen))
	for name := range m.lastSeen {
		out = append(out, name)
	}
	return out
}

// OnDead registers a callback for when a watcher is presumed dead. The
// callback fires once per death; a fresh heartbeat re-arms it.
func (m *FileMonitor) OnDead(callback func(name string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Forget drops all state for a watcher, so a stopped watcher is not
// reported dead.
func (m *FileMonitor) Forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastSeen, name)
	delete(m.reported, name)
}

// Stop stops monitoring. Returns ErrNotStarted if not running.
func (m *FileMonitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	if done != nil {
		<-done
	}
	return nil
}
