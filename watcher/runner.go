package watcher

import (
	"context"
	"time"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/heartbeat"
	"github.com/vinayprograms/watchkit/logging"
	"github.com/vinayprograms/watchkit/recovery"
	"github.com/vinayprograms/watchkit/taskstore"
	"github.com/vinayprograms/watchkit/telemetry"
)

// RunnerConfig configures a watcher runner.
type RunnerConfig struct {
	// Name identifies the watcher in logs, heartbeats and audit actors.
	Name string

	// Endpoint names the external collaborator Check talks to, for the
	// recovery policy. Default: the watcher name.
	Endpoint string

	// Interval between checks.
	// Default: 30 seconds
	Interval time.Duration

	// Store receives created tasks.
	Store *taskstore.Store

	// Recovery wraps every Check call.
	Recovery *recovery.Recovery

	// CursorPath is where the dedupe cursor is persisted. Empty
	// disables persistence.
	CursorPath string

	// HeartbeatDir enables heartbeat files when non-empty.
	HeartbeatDir string

	// HeartbeatInterval between beats.
	// Default: 10 seconds
	HeartbeatInterval time.Duration

	// Logger for cycle outcomes.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *RunnerConfig) Validate() error {
	if c.Name == "" {
		return errors.InvalidInput("runner name is required")
	}
	if c.Store == nil {
		return errors.InvalidInput("runner requires a task store")
	}
	if c.Recovery == nil {
		return errors.InvalidInput("runner requires a recovery policy")
	}
	return nil
}

// Runner drives one watcher: poll on an interval, convert events to
// tasks, persist the cursor, heartbeat throughout.
type Runner struct {
	config RunnerConfig
	w      Watcher
	sender *heartbeat.FileSender
	logger *logging.Logger
}

// NewRunner creates a runner for a watcher.
func NewRunner(w Watcher, config RunnerConfig) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Endpoint == "" {
		config.Endpoint = config.Name
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Runner{
		config: config,
		w:      w,
		logger: logger.WithComponent("watcher." + config.Name),
	}, nil
}

// Run polls until the context ends. The cursor is restored before the
// first cycle and persisted after each successful one.
func (r *Runner) Run(ctx context.Context) error {
	if ca, ok := r.w.(CursorAware); ok && r.config.CursorPath != "" {
		cursor, err := loadCursor(r.config.CursorPath)
		if err != nil {
			return errors.Wrap(err, "restore watcher cursor")
		}
		ca.SetCursor(cursor)
	}

	if r.config.HeartbeatDir != "" {
		sender, err := heartbeat.NewSender(heartbeat.SenderConfig{
			Dir:      r.config.HeartbeatDir,
			Name:     r.config.Name,
			Interval: r.config.HeartbeatInterval,
		})
		if err != nil {
			return err
		}
		if err := sender.Start(ctx); err != nil {
			return err
		}
		r.sender = sender
		defer sender.Stop()
	}

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		if created, err := r.RunCycle(ctx); err != nil {
			r.logger.Warn("check cycle failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else if created > 0 {
			r.logger.Info("tasks created", map[string]interface{}{
				"count": created,
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one check. It returns how many tasks were created;
// events the store already knows are collapsed silently.
func (r *Runner) RunCycle(ctx context.Context) (int, error) {
	r.setStatus("checking")
	defer r.setStatus("idle")

	var events []RawEvent
	spanCtx, span := telemetry.StartCheck(ctx, r.config.Name, r.config.Endpoint)
	err := r.config.Recovery.Do(spanCtx, r.config.Endpoint, func(ctx context.Context) error {
		var cerr error
		events, cerr = r.w.Check(ctx)
		return cerr
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, ev := range events {
		kind, dedupeKey, payload, body := r.w.ToTask(ev)
		_, cerr := r.config.Store.Create(kind, dedupeKey, payload,
			taskstore.WithBody(body))
		if cerr != nil {
			if errors.Is(cerr, errors.CodeDuplicate) {
				continue
			}
			return created, cerr
		}
		created++
	}

	if ca, ok := r.w.(CursorAware); ok && r.config.CursorPath != "" {
		if err := saveCursor(r.config.CursorPath, ca.Cursor()); err != nil {
			return created, errors.Wrap(err, "persist watcher cursor")
		}
	}
	return created, nil
}

func (r *Runner) setStatus(status string) {
	if r.sender != nil {
		r.sender.SetStatus(status)
	}
}
