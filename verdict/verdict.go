package verdict

import (
	"context"

	"github.com/vinayprograms/watchkit/taskstore"
)

// Decision is a producer's verdict on a pending task.
type Decision string

// Verdicts.
const (
	// Approve moves the task to approved; the executor will act on it.
	Approve Decision = "approve"

	// Reject moves the task to rejected, terminally.
	Reject Decision = "reject"

	// Defer leaves the task in pending_approval for a human.
	Defer Decision = "defer"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case Approve, Reject, Defer:
		return true
	}
	return false
}

// Producer evaluates a pending task and renders a verdict. Evaluation
// must be side-effect free: producers decide, the reviewer acts.
type Producer interface {
	// Name identifies the producer in audit actors ("verdict:rules").
	Name() string

	// Evaluate renders a decision and a human-readable reason. An error
	// means no verdict could be produced; the task stays pending.
	Evaluate(ctx context.Context, t *taskstore.Task) (Decision, string, error)
}
