package executor

import (
	"context"
	"time"

	"github.com/vinayprograms/watchkit/audit"
	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/logging"
	"github.com/vinayprograms/watchkit/recovery"
	"github.com/vinayprograms/watchkit/taskstore"
	"github.com/vinayprograms/watchkit/telemetry"
)

// Action performs the side effect for an approved task.
type Action interface {
	// Endpoint names the collaborator the action talks to, for the
	// recovery policy.
	Endpoint(t *taskstore.Task) string

	// Irreversible reports whether the side effect cannot be undone.
	// Irreversible actions are never deferred behind an open circuit
	// and never retried on an ambiguous outcome.
	Irreversible(t *taskstore.Task) bool

	// Execute performs the side effect. A nil return is a confirmed
	// success; an ambiguous error means the outcome is unknown.
	Execute(ctx context.Context, t *taskstore.Task) error
}

// Config configures an executor.
type Config struct {
	// Store holds the tasks.
	Store *taskstore.Store

	// Action performs the side effects.
	Action Action

	// Recovery wraps every Execute call.
	Recovery *recovery.Recovery

	// Audit records call outcomes. Optional.
	Audit *audit.Log

	// Actor is this executor's identity, written into claimed_by and
	// the audit trail.
	Actor string

	// StuckAfter is how long a task may sit in in_progress before the
	// report flags it for a human.
	// Default: 10 minutes
	StuckAfter time.Duration

	// Interval between passes for Run.
	// Default: 10 seconds
	Interval time.Duration

	// Logger for pass outcomes.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Store == nil || c.Action == nil || c.Recovery == nil {
		return errors.InvalidInput("executor requires a store, action and recovery policy")
	}
	if c.Actor == "" {
		return errors.InvalidInput("executor requires an actor identity")
	}
	return nil
}

// ExecutionReport summarizes one executor pass.
type ExecutionReport struct {
	// Executed counts confirmed successes (moved to done).
	Executed int

	// Failed counts confirmed failures (moved to error).
	Failed int

	// Ambiguous counts unknown outcomes, left in in_progress for a
	// human to resolve.
	Ambiguous int

	// LostRaces counts claims that another executor won.
	LostRaces int

	// Stuck lists task ids sitting in in_progress past the threshold.
	Stuck []string
}

// Executor acts on approved tasks, at most once each. The claim is the
// rename into in_progress: whoever wins that rename owns the task, and
// an unknown outcome freezes the task rather than risking a second
// side effect.
type Executor struct {
	config Config
	logger *logging.Logger
}

// New creates an executor.
func New(config Config) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = 10 * time.Minute
	}
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Executor{
		config: config,
		logger: logger.WithComponent("executor"),
	}, nil
}

// Run executes on the configured interval until the context ends.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()
	for {
		if report, err := e.RunOnce(ctx); err != nil {
			e.logger.Warn("execution pass failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else if report.Executed+report.Failed+report.Ambiguous+len(report.Stuck) > 0 {
			e.logger.Info("execution pass", map[string]interface{}{
				"executed":  report.Executed,
				"failed":    report.Failed,
				"ambiguous": report.Ambiguous,
				"stuck":     len(report.Stuck),
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one executor pass.
func (e *Executor) RunOnce(ctx context.Context) (*ExecutionReport, error) {
	report := &ExecutionReport{}

	approved, err := e.config.Store.List(taskstore.BucketApproved)
	if err != nil {
		return report, err
	}
	for _, t := range approved {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		e.executeOne(ctx, t.ID, report)
	}

	e.findStuck(report)
	return report, nil
}

// executeOne claims and runs a single approved task.
func (e *Executor) executeOne(ctx context.Context, id string, report *ExecutionReport) {
	claimed, err := e.config.Store.Move(id,
		taskstore.BucketApproved, taskstore.BucketInProgress,
		taskstore.WithActor(e.config.Actor),
		taskstore.WithClaimedBy(e.config.Actor))
	if err != nil {
		if errors.Is(err, errors.CodeConflict) || errors.Is(err, errors.CodeNotFound) {
			report.LostRaces++
			return
		}
		e.logger.Warn("claim failed", map[string]interface{}{
			"task_id": id, "error": err.Error(),
		})
		return
	}

	endpoint := e.config.Action.Endpoint(claimed)
	opts := []recovery.CallOption{recovery.ForTask(id)}
	if e.config.Action.Irreversible(claimed) {
		opts = append(opts, recovery.Irreversible())
	}

	spanCtx, span := telemetry.StartExecution(ctx, id, claimed.Kind, endpoint)
	execErr := e.config.Recovery.Do(spanCtx, endpoint, func(ctx context.Context) error {
		return e.config.Action.Execute(ctx, claimed)
	}, opts...)
	telemetry.EndSpan(span, execErr)

	if e.config.Audit != nil {
		if aerr := e.config.Audit.RecordCall(id, endpoint, e.config.Actor, execErr); aerr != nil {
			e.logger.Error("call audit failed", map[string]interface{}{
				"task_id": id, "error": aerr.Error(),
			})
		}
	}

	switch {
	case execErr == nil:
		if _, err := e.config.Store.Move(id,
			taskstore.BucketInProgress, taskstore.BucketDone,
			taskstore.WithActor(e.config.Actor)); err != nil {
			e.logger.Error("completed task not moved to done", map[string]interface{}{
				"task_id": id, "error": err.Error(),
			})
			return
		}
		report.Executed++

	case errors.IsAmbiguous(execErr):
		// The side effect may or may not have happened. The task stays
		// claimed in in_progress until a human decides; a blind retry
		// could repeat a payment or a message.
		report.Ambiguous++
		e.logger.Error("ambiguous outcome, task frozen", map[string]interface{}{
			"task_id": id, "endpoint": endpoint, "error": execErr.Error(),
		})

	default:
		if _, err := e.config.Store.Update(id, e.config.Actor, func(task *taskstore.Task) error {
			task.AttemptCount++
			return nil
		}); err != nil {
			e.logger.Error("attempt count not recorded", map[string]interface{}{
				"task_id": id, "error": err.Error(),
			})
		}
		if _, err := e.config.Store.Move(id,
			taskstore.BucketInProgress, taskstore.BucketError,
			taskstore.WithActor(e.config.Actor)); err != nil {
			e.logger.Error("failed task not moved to error", map[string]interface{}{
				"task_id": id, "error": err.Error(),
			})
			return
		}
		report.Failed++
	}
}

// findStuck flags tasks sitting in in_progress past the threshold.
func (e *Executor) findStuck(report *ExecutionReport) {
	inProgress, err := e.config.Store.List(taskstore.BucketInProgress)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-e.config.StuckAfter)
	for _, t := range inProgress {
		if t.UpdatedAt.Before(cutoff) {
			report.Stuck = append(report.Stuck, t.ID)
		}
	}
}
