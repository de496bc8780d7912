package syncbridge

import (
	"context"
	"time"

	"github.com/vinayprograms/watchkit/audit"
	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/logging"
	"github.com/vinayprograms/watchkit/taskstore"
	"github.com/vinayprograms/watchkit/telemetry"
)

// zoneExecution is the only zone whose revisions may carry
// execution-bucket states.
const zoneExecution = "execution"

// Config configures a sync bridge.
type Config struct {
	// Store is this zone's task store.
	Store *taskstore.Store

	// Backing is the shared replicated directory.
	Backing *Backing

	// Journal is the zone-local progress record.
	Journal *Journal

	// Zone is this side's role: perception or execution.
	Zone string

	// Denylist holds glob patterns for payload keys that must never
	// cross the zone boundary, applied in both directions.
	Denylist []string

	// Audit receives conflict records. Optional.
	Audit *audit.Log

	// Interval between cycles for Run.
	// Default: 30 seconds
	Interval time.Duration

	// Logger for cycle outcomes.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Store == nil || c.Backing == nil || c.Journal == nil {
		return errors.InvalidInput("bridge requires a store, backing and journal")
	}
	if c.Zone == "" {
		return errors.InvalidInput("bridge requires a zone")
	}
	return nil
}

// Report summarizes one sync cycle.
type Report struct {
	// Pulled counts remote revisions applied locally.
	Pulled int

	// Pushed counts local records written to the backing store.
	Pushed int

	// Conflicts counts revisions rejected by the merge rules.
	Conflicts int

	// Skipped counts revisions that were already reflected locally
	// (terminal records the remote tried to displace included).
	Skipped int
}

// Bridge reconciles one zone's task store with the shared backing
// store: pull remote revisions, merge them under the zone rules, push
// local changes.
type Bridge struct {
	config Config
	logger *logging.Logger
}

// New creates a sync bridge.
func New(config Config) (*Bridge, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Bridge{
		config: config,
		logger: logger.WithComponent("syncbridge").WithZone(config.Zone),
	}, nil
}

// Run reconciles on the configured interval until the context ends.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()
	for {
		report, err := b.RunOnce(ctx)
		if report == nil {
			report = &Report{}
		}
		b.logger.SyncCycle(report.Pulled, report.Pushed, report.Conflicts, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one pull-merge-push cycle.
func (b *Bridge) RunOnce(ctx context.Context) (*Report, error) {
	ctx, span := telemetry.StartSyncCycle(ctx, b.config.Zone)
	report := &Report{}
	if err := b.pull(ctx, report); err != nil {
		telemetry.EndSpan(span, err)
		return report, err
	}
	err := b.push(ctx, report)
	telemetry.EndSpan(span, err)
	if err != nil {
		return report, err
	}
	return report, nil
}

// pull applies unseen remote revisions under the merge rules.
func (b *Bridge) pull(ctx context.Context, report *Report) error {
	ids, err := b.config.Backing.TaskIDs()
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		revs, err := b.config.Backing.Revisions(id)
		if err != nil {
			return err
		}
		for _, rev := range revs {
			done, err := b.config.Journal.Applied(rev)
			if err != nil {
				return err
			}
			if done {
				continue
			}
			if rev.Zone == b.config.Zone {
				// Our own push, already reflected locally.
				if err := b.config.Journal.MarkApplied(rev); err != nil {
					return err
				}
				continue
			}
			if err := b.merge(rev, report); err != nil {
				return err
			}
		}
	}
	return nil
}

// merge applies one remote revision, or rejects it.
func (b *Bridge) merge(rev Revision, report *Report) error {
	remote, err := b.config.Backing.Read(rev)
	if err != nil {
		// A poison revision never becomes readable; note it and move on.
		b.logger.Warn("unreadable revision", map[string]interface{}{
			"task_id": rev.TaskID, "revision": rev.Name(), "error": err.Error(),
		})
		return b.config.Journal.MarkApplied(rev)
	}

	// Only the execution zone may produce execution-bucket states.
	if taskstore.ExecutionBuckets[remote.State] && rev.Zone != zoneExecution {
		report.Conflicts++
		b.recordConflict(rev.TaskID,
			"revision "+rev.Name()+" puts task in "+string(remote.State)+" from zone "+rev.Zone)
		return b.config.Journal.MarkApplied(rev)
	}

	// Concurrent approvals: the first one to land locally wins.
	if remote.State == taskstore.BucketApproved {
		if local, lerr := b.config.Store.Read(rev.TaskID); lerr == nil &&
			taskstore.ExecutionBuckets[local.State] {
			report.Conflicts++
			b.recordConflict(rev.TaskID,
				"concurrent approval in revision "+rev.Name()+" rejected, local task already "+string(local.State))
			return b.config.Journal.MarkApplied(rev)
		}
	}

	remote.Payload, _ = scrubPayload(remote.Payload, b.config.Denylist)

	if err := b.config.Store.Apply(remote); err != nil {
		if errors.Is(err, errors.CodeImmutable) {
			// Local terminal record wins; the revision is settled.
			report.Skipped++
			return b.config.Journal.MarkApplied(rev)
		}
		// Transient store trouble: leave the revision unapplied and let
		// the next cycle retry.
		return err
	}
	report.Pulled++
	return b.config.Journal.MarkApplied(rev)
}

// push writes changed local records to the backing store.
func (b *Bridge) push(ctx context.Context, report *Report) error {
	tasks, err := b.config.Store.Snapshot()
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Perception may create and enrich, never advance tasks into
		// the execution buckets — and never replicate such a state.
		if b.config.Zone != zoneExecution && taskstore.ExecutionBuckets[t.State] {
			continue
		}

		out := t.Clone()
		out.Payload, _ = scrubPayload(out.Payload, b.config.Denylist)

		data, err := taskstore.EncodeRecord(out)
		if err != nil {
			return err
		}
		hash := contentHash(data)
		last, err := b.config.Journal.LastPushed(out.ID)
		if err != nil {
			return err
		}
		if last == hash {
			continue
		}

		rev, err := b.config.Backing.Push(b.config.Zone, out)
		if err != nil {
			return err
		}
		if err := b.config.Journal.MarkApplied(rev); err != nil {
			return err
		}
		if err := b.config.Journal.SetLastPushed(out.ID, hash); err != nil {
			return err
		}
		report.Pushed++
	}
	return nil
}

func (b *Bridge) recordConflict(taskID, detail string) {
	if b.config.Audit == nil {
		return
	}
	if err := b.config.Audit.RecordConflict(taskID, detail); err != nil {
		b.logger.Error("conflict record failed", map[string]interface{}{
			"task_id": taskID, "error": err.Error(),
		})
	}
}
