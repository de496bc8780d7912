package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSender writes periodic heartbeat files.
type FileSender struct {
	config SenderConfig

	mu       sync.Mutex
	status   string
	memoryMB int
	metadata map[string]string
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSender creates a heartbeat sender.
func NewSender(config SenderConfig) (*FileSender, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultSenderConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.InitialStatus == "" {
		config.InitialStatus = defaults.InitialStatus
	}
	return &FileSender{
		config:   config,
		status:   config.InitialStatus,
		metadata: make(map[string]string),
	}, nil
}

// Start begins writing heartbeats at the configured interval. The first
// beat is written immediately. Returns ErrAlreadyStarted if running.
func (s *FileSender) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := os.MkdirAll(s.config.Dir, 0o755); err != nil {
		s.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)

	if err := s.Beat(); err != nil {
		s.Stop()
		return err
	}
	return nil
}

func (s *FileSender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Best effort: a full disk shows up as a stale file and the
			// monitor reports us dead, which is the right outcome.
			_ = s.Beat()
		}
	}
}

// Beat writes one heartbeat file now.
func (s *FileSender) Beat() error {
	s.mu.Lock()
	hb := Heartbeat{
		Name:      s.config.Name,
		PID:       os.Getpid(),
		Timestamp: time.Now().UTC(),
		Status:    s.status,
		MemoryMB:  s.memoryMB,
	}
	if len(s.metadata) > 0 {
		hb.Metadata = make(map[string]string, len(s.metadata))
		for k, v := range s.metadata {
			hb.Metadata[k] = v
		}
	}
	s.mu.Unlock()

	data, err := hb.Marshal()
	if err != nil {
		return err
	}

	path := filepath.Join(s.config.Dir, FileName(s.config.Name))
	tmp, err := os.CreateTemp(s.config.Dir, "."+s.config.Name+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SetStatus updates the status included in heartbeats.
func (s *FileSender) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SetMemoryMB updates the self-reported resident set.
func (s *FileSender) SetMemoryMB(mb int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memoryMB = mb
}

// SetMetadata updates a metadata field.
func (s *FileSender) SetMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Stop stops sending heartbeats and removes this watcher's heartbeat
// file. Returns ErrNotStarted if not running.
func (s *FileSender) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	if done != nil {
		<-done
	}
	os.Remove(filepath.Join(s.config.Dir, FileName(s.config.Name)))
	return nil
}
