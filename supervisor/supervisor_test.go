package supervisor

import (
	"testing"
	"time"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/heartbeat"
)

var errTest = errors.New(errors.CodeProcessCrash, "test crash")

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.HeartbeatDir = t.TempDir()
	cfg.MaxRestarts = 3
	cfg.RestartBaseDelay = time.Second
	cfg.RestartMaxDelay = 8 * time.Second
	cfg.RestartWindow = time.Minute
	return cfg
}

func TestRestartBackoffDoublesAndCaps(t *testing.T) {
	cfg := testConfig(t)
	p := &process{restartDelay: cfg.RestartBaseDelay}
	now := time.Now()

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		before := p.restartDelay
		if storm := p.recordCrash(now, cfg); storm {
			t.Fatalf("crash %d flagged as storm", i)
		}
		if got := p.restartAt.Sub(now); got != before {
			t.Errorf("crash %d: scheduled after %v, want %v", i, got, before)
		}
		if before != w {
			t.Errorf("crash %d: delay %v, want %v", i, before, w)
		}
		now = now.Add(100 * time.Millisecond)
	}

	// Fourth crash in the window exceeds MaxRestarts=3.
	if storm := p.recordCrash(now, cfg); !storm {
		t.Fatal("restart storm not detected")
	}

	// Delay never exceeds the cap.
	p2 := &process{restartDelay: cfg.RestartBaseDelay}
	far := time.Now()
	for i := 0; i < 10; i++ {
		p2.restarts = nil // keep under the storm budget
		p2.recordCrash(far, cfg)
		if p2.restartDelay > cfg.RestartMaxDelay {
			t.Fatalf("delay %v above cap", p2.restartDelay)
		}
		far = far.Add(2 * time.Minute)
	}
}

func TestRestartWindowPrunes(t *testing.T) {
	cfg := testConfig(t)
	p := &process{restartDelay: cfg.RestartBaseDelay}
	base := time.Now()

	// Two crashes long ago, then two recent: old ones fall out of the
	// window, so no storm.
	p.recordCrash(base, cfg)
	p.recordCrash(base.Add(time.Second), cfg)
	later := base.Add(5 * time.Minute)
	if storm := p.recordCrash(later, cfg); storm {
		t.Fatal("pruned crashes still counted")
	}
	if len(p.restarts) != 1 {
		t.Errorf("window holds %d crashes, want 1", len(p.restarts))
	}
}

func TestHealthyWindowResetsBackoff(t *testing.T) {
	cfg := testConfig(t)
	p := &process{
		state:        StateRunning,
		restartDelay: 8 * time.Second,
		restarts:     []time.Time{time.Now().Add(-2 * time.Minute)},
		lastStart:    time.Now().Add(-2 * time.Minute),
	}
	p.noteHealthy(time.Now(), cfg)
	if p.restartDelay != cfg.RestartBaseDelay {
		t.Errorf("delay = %v after healthy window", p.restartDelay)
	}
	if len(p.restarts) != 0 {
		t.Errorf("restart counter not reset")
	}

	// A watcher that just started keeps its history.
	p2 := &process{
		state:        StateRunning,
		restartDelay: 8 * time.Second,
		restarts:     []time.Time{time.Now()},
		lastStart:    time.Now(),
	}
	p2.noteHealthy(time.Now(), cfg)
	if len(p2.restarts) != 1 {
		t.Error("young watcher's history cleared")
	}
}

func TestDisabledWatcherNeverStarts(t *testing.T) {
	s, err := New(testConfig(t), []WatcherSpec{
		{Name: "mail", Command: []string{"sleep", "60"}, Disabled: true},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.StartWatcher("mail"); err == nil {
		t.Fatal("disabled watcher started")
	}
	st := s.Status()
	if len(st) != 1 || st[0].State != StateDisabled {
		t.Fatalf("status = %+v", st)
	}
}

func TestEnableClearsDisable(t *testing.T) {
	s, err := New(testConfig(t), []WatcherSpec{
		{Name: "mail", Command: []string{"sleep", "60"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.StartWatcher("mail"); err != nil {
		t.Fatalf("StartWatcher: %v", err)
	}
	if err := s.Disable("mail", "maintenance"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	st := s.Status()
	if st[0].State != StateDisabled || st[0].DisabledReason != "maintenance" {
		t.Fatalf("status after disable = %+v", st[0])
	}

	if err := s.Enable("mail"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	st = s.Status()
	if st[0].State != StateRunning {
		t.Fatalf("status after enable = %+v", st[0])
	}
	s.StopAll()
}

func TestProcessLifecycle(t *testing.T) {
	s, err := New(testConfig(t), []WatcherSpec{
		{Name: "mail", Command: []string{"sleep", "60"}, Critical: true},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.StartWatcher("mail"); err != nil {
		t.Fatalf("StartWatcher: %v", err)
	}
	st := s.Status()
	if st[0].State != StateRunning || st[0].PID == 0 {
		t.Fatalf("status = %+v", st[0])
	}
	if !st[0].Critical {
		t.Error("critical flag lost")
	}

	if err := s.StopWatcher("mail"); err != nil {
		t.Fatalf("StopWatcher: %v", err)
	}
	st = s.Status()
	if st[0].State != StateStopped {
		t.Fatalf("status after stop = %+v", st[0])
	}
}

func TestCrashSchedulesRestart(t *testing.T) {
	s, err := New(testConfig(t), []WatcherSpec{
		{Name: "mail", Command: []string{"sleep", "60"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.mu.Lock()
	s.procs["mail"].state = StateRunning
	s.mu.Unlock()

	s.markCrashed("mail", errTest)
	st := s.Status()
	if st[0].State != StateCrashed {
		t.Fatalf("state = %v, want crashed", st[0].State)
	}
	if st[0].Restarts != 1 {
		t.Errorf("restarts = %d", st[0].Restarts)
	}
	if st[0].LastError != errTest.Error() {
		t.Errorf("last error = %q, want the crash cause", st[0].LastError)
	}

	s.mu.Lock()
	restartAt := s.procs["mail"].restartAt
	s.mu.Unlock()
	if restartAt.IsZero() {
		t.Error("no restart scheduled")
	}
}

func TestSilentStartMarkedCrashed(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, []WatcherSpec{
		{Name: "mail", Command: []string{"sleep", "60"}},
		{Name: "calendar", Command: []string{"sleep", "60"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	monitor, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{
		Dir:     cfg.HeartbeatDir,
		Timeout: cfg.HeartbeatTimeout,
	})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	s.monitor = monitor

	if err := s.StartWatcher("mail"); err != nil {
		t.Fatalf("StartWatcher: %v", err)
	}
	if err := s.StartWatcher("calendar"); err != nil {
		t.Fatalf("StartWatcher: %v", err)
	}
	defer s.StopAll()

	// mail launched a heartbeat-timeout ago and never wrote a beat;
	// calendar just started and is still within its grace period.
	s.mu.Lock()
	s.procs["mail"].lastStart = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	s.tick()

	st := s.Status()
	for _, w := range st {
		switch w.Name {
		case "mail":
			if w.State != StateCrashed {
				t.Errorf("silent watcher state = %v, want crashed", w.State)
			}
			if w.Restarts != 1 {
				t.Errorf("restarts = %d, want 1", w.Restarts)
			}
			if w.LastError == "" {
				t.Error("crash cause not surfaced")
			}
		case "calendar":
			if w.State != StateRunning {
				t.Errorf("fresh watcher state = %v, want running", w.State)
			}
		}
	}
}

func TestVictimSelectionSparesCritical(t *testing.T) {
	s, err := New(testConfig(t), []WatcherSpec{
		{Name: "mail", Command: []string{"sleep", "60"}, Critical: true},
		{Name: "calendar", Command: []string{"sleep", "60"}},
		{Name: "tickets", Command: []string{"sleep", "60"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.mu.Lock()
	for _, p := range s.procs {
		p.state = StateRunning
	}
	s.mu.Unlock()

	victim := s.pickVictim(map[string]int{"mail": 900, "calendar": 300, "tickets": 120})
	if victim != "calendar" {
		t.Errorf("victim = %q, want the largest non-critical watcher", victim)
	}
}
