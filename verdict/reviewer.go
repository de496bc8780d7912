package verdict

import (
	"context"
	"time"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/logging"
	"github.com/vinayprograms/watchkit/recovery"
	"github.com/vinayprograms/watchkit/taskstore"
)

// payload keys the reviewer writes when a verdict defers.
const (
	keyVerdict       = "verdict"
	keyVerdictReason = "verdict_reason"
)

// ReviewerConfig configures a reviewer.
type ReviewerConfig struct {
	// Store holds the tasks under review.
	Store *taskstore.Store

	// Producer renders the verdicts.
	Producer Producer

	// Recovery wraps every Evaluate call.
	Recovery *recovery.Recovery

	// Endpoint names the producer's collaborator for the recovery
	// policy. Default: the producer name.
	Endpoint string

	// Interval between passes for Run.
	// Default: 15 seconds
	Interval time.Duration

	// Logger for pass outcomes.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *ReviewerConfig) Validate() error {
	if c.Store == nil || c.Producer == nil || c.Recovery == nil {
		return errors.InvalidInput("reviewer requires a store, producer and recovery policy")
	}
	return nil
}

// Report summarizes one review pass.
type Report struct {
	Queued   int // needs_action → pending_approval
	Approved int
	Rejected int
	Deferred int
	Failed   int // evaluations that produced no verdict
}

// Reviewer advances fresh tasks into pending_approval and applies
// producer verdicts: approve and reject move the task, defer marks it
// for a human and leaves it in place.
type Reviewer struct {
	config ReviewerConfig
	actor  string
	logger *logging.Logger
}

// NewReviewer creates a reviewer.
func NewReviewer(config ReviewerConfig) (*Reviewer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Endpoint == "" {
		config.Endpoint = config.Producer.Name()
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Reviewer{
		config: config,
		actor:  "verdict:" + config.Producer.Name(),
		logger: logger.WithComponent("reviewer"),
	}, nil
}

// Run reviews on the configured interval until the context ends.
func (r *Reviewer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		if report, err := r.RunOnce(ctx); err != nil {
			r.logger.Warn("review pass failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else if report.Queued+report.Approved+report.Rejected+report.Deferred > 0 {
			r.logger.Info("review pass", map[string]interface{}{
				"queued":   report.Queued,
				"approved": report.Approved,
				"rejected": report.Rejected,
				"deferred": report.Deferred,
				"failed":   report.Failed,
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one review pass.
func (r *Reviewer) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{}

	fresh, err := r.config.Store.List(taskstore.BucketNeedsAction)
	if err != nil {
		return report, err
	}
	for _, t := range fresh {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, err := r.config.Store.Move(t.ID,
			taskstore.BucketNeedsAction, taskstore.BucketPendingApproval,
			taskstore.WithActor("reviewer"))
		if err != nil {
			// Lost a race with another mover; the task is wherever it is.
			if errors.Is(err, errors.CodeConflict) {
				continue
			}
			return report, err
		}
		report.Queued++
	}

	pending, err := r.config.Store.List(taskstore.BucketPendingApproval)
	if err != nil {
		return report, err
	}
	for _, t := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		// A deferred task waits for a human, not for the next pass.
		if t.Payload[keyVerdict] == string(Defer) {
			continue
		}
		r.review(ctx, t, report)
	}
	return report, nil
}

// review evaluates one task and applies the verdict.
func (r *Reviewer) review(ctx context.Context, t *taskstore.Task, report *Report) {
	var decision Decision
	var reason string
	err := r.config.Recovery.Do(ctx, r.config.Endpoint, func(ctx context.Context) error {
		var verr error
		decision, reason, verr = r.config.Producer.Evaluate(ctx, t)
		return verr
	}, recovery.ForTask(t.ID))
	if err != nil {
		report.Failed++
		r.logger.Warn("verdict unavailable", map[string]interface{}{
			"task_id": t.ID, "error": err.Error(),
		})
		return
	}

	switch decision {
	case Approve:
		if r.move(t.ID, taskstore.BucketApproved) {
			report.Approved++
		}
	case Reject:
		if r.move(t.ID, taskstore.BucketRejected) {
			report.Rejected++
		}
	case Defer:
		_, uerr := r.config.Store.Update(t.ID, r.actor, func(task *taskstore.Task) error {
			if task.Payload == nil {
				task.Payload = make(map[string]interface{})
			}
			task.Payload[keyVerdict] = string(Defer)
			task.Payload[keyVerdictReason] = reason
			return nil
		})
		if uerr == nil {
			report.Deferred++
		}
	default:
		report.Failed++
		r.logger.Error("producer returned unknown decision", map[string]interface{}{
			"task_id": t.ID, "decision": string(decision),
		})
	}
}

func (r *Reviewer) move(id string, to taskstore.Bucket) bool {
	_, err := r.config.Store.Move(id, taskstore.BucketPendingApproval, to,
		taskstore.WithActor(r.actor))
	if err != nil {
		if !errors.Is(err, errors.CodeConflict) {
			r.logger.Warn("verdict apply failed", map[string]interface{}{
				"task_id": id, "error": err.Error(),
			})
		}
		return false
	}
	return true
}
