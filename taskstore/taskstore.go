package taskstore

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Bucket is a named state-partition of the store. A task's current state
// is defined by which bucket directory holds its record file; the embedded
// state field is only a redundant cross-check.
type Bucket string

const (
	// BucketNeedsAction holds freshly detected tasks awaiting review.
	BucketNeedsAction Bucket = "needs_action"

	// BucketPendingApproval holds tasks waiting for a verdict.
	BucketPendingApproval Bucket = "pending_approval"

	// BucketApproved holds tasks cleared for execution.
	BucketApproved Bucket = "approved"

	// BucketRejected holds tasks a verdict declined. Terminal.
	BucketRejected Bucket = "rejected"

	// BucketInProgress holds tasks claimed by exactly one executor.
	BucketInProgress Bucket = "in_progress"

	// BucketDone holds successfully executed tasks. Terminal.
	BucketDone Bucket = "done"

	// BucketError holds failed tasks awaiting human triage. Terminal for
	// the core; a human exits it through Requeue.
	BucketError Bucket = "error"
)

// Buckets lists every bucket in lifecycle order.
var Buckets = []Bucket{
	BucketNeedsAction,
	BucketPendingApproval,
	BucketApproved,
	BucketRejected,
	BucketInProgress,
	BucketDone,
	BucketError,
}

// String returns the bucket name.
func (b Bucket) String() string {
	return string(b)
}

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	for _, known := range Buckets {
		if b == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether records in this bucket are immutable.
// error is terminal too: the only exit is an explicit, audited Requeue.
func (b Bucket) IsTerminal() bool {
	return b == BucketDone || b == BucketRejected || b == BucketError
}

// ExecutionBuckets are the buckets only the execution zone may move tasks
// into. The perception zone creates and enriches; it never approves,
// claims, or completes.
var ExecutionBuckets = map[Bucket]bool{
	BucketApproved:   true,
	BucketInProgress: true,
	BucketDone:       true,
	BucketError:      true,
}

// Priority orders tasks for human triage. It carries no execution-ordering
// guarantee.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task is the unit of work.
type Task struct {
	// ID is the content-derived identifier: hex of the first 16 bytes of
	// sha256(kind NUL dedupe_key). Re-detection of the same external event
	// resolves to the same id.
	ID string

	// Kind is the enumerated origin/category (e.g. "mail-event").
	Kind string

	// DedupeKey is the caller-supplied deduplication key the id derives from.
	DedupeKey string

	// State mirrors the containing bucket. The bucket is authoritative.
	State Bucket

	// Priority orders human triage.
	Priority Priority

	// Payload is opaque structured data from the originating watcher.
	// The store never interprets it.
	Payload map[string]interface{}

	// Body is the free-text portion of the record, readable and editable
	// by a human approver.
	Body string

	// ClaimedBy identifies the executor holding the task in in_progress.
	ClaimedBy string

	// OriginZone is the replica that created the record.
	OriginZone string

	CreatedAt    time.Time
	UpdatedAt    time.Time
	AttemptCount int
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Payload != nil {
		clone.Payload = make(map[string]interface{}, len(t.Payload))
		for k, v := range t.Payload {
			clone.Payload[k] = v
		}
	}
	return &clone
}

// TaskID derives the stable task id for a kind and dedupe key.
func TaskID(kind, dedupeKey string) string {
	sum := sha256.Sum256([]byte(kind + "\x00" + dedupeKey))
	return hex.EncodeToString(sum[:16])
}

// TransitionEvent describes one observable mutation of the store. Every
// Create, Move, Update and Requeue emits exactly one event to the
// configured Recorder before the mutation is considered committed.
type TransitionEvent struct {
	TaskID string
	Action string // "create", "move", "enrich", "requeue", "sync_apply"
	From   Bucket // empty for create
	To     Bucket
	Actor  string
	Time   time.Time
	Err    error // failure context, when the transition records one
}

// Recorder receives transition events. The store rolls a mutation back
// when the recorder fails: no transition may be observable without its
// audit trail.
type Recorder interface {
	RecordTransition(ev TransitionEvent) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ev TransitionEvent) error

// RecordTransition implements Recorder.
func (f RecorderFunc) RecordTransition(ev TransitionEvent) error {
	return f(ev)
}

// TransitionGuard vets a move before it is attempted. The perception zone
// installs a guard that forbids moves into execution buckets; replication
// applies (actor "syncbridge") pass through unguarded.
type TransitionGuard func(from, to Bucket, actor string) error
