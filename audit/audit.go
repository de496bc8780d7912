package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/taskstore"
)

// Actions recorded in the trail.
const (
	ActionCreate    = "create"
	ActionMove      = "move"
	ActionEnrich    = "enrich"
	ActionRequeue   = "requeue"
	ActionSyncApply = "sync_apply"
	ActionCall      = "call"     // external collaborator invocation
	ActionConflict  = "conflict" // sync merge rejected a revision
)

// Results recorded for an action.
const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultAmbiguous = "ambiguous"
	ResultRejected  = "rejected"
)

// Entry is one append-only audit record. Entries referencing a task id
// remain valid even after the task's record file is archived.
type Entry struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	TaskID         string    `json:"task_id"`
	Action         string    `json:"action"`
	Actor          string    `json:"actor"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to,omitempty"`
	Endpoint       string    `json:"endpoint,omitempty"`
	ApprovalStatus string    `json:"approval_status,omitempty"`
	Result         string    `json:"result"`
	Error          string    `json:"error,omitempty"`
}

// Log is an append-only, time-partitioned audit trail: one JSONL file per
// UTC day under a single directory.
type Log struct {
	dir   string
	clock func() time.Time

	mu    sync.Mutex
	index *Index // optional bleve index, nil when disabled
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) LogOption {
	return func(l *Log) {
		l.clock = clock
	}
}

// WithIndex attaches a bleve index that accelerates task-id queries.
func WithIndex(idx *Index) LogOption {
	return func(l *Log) {
		l.index = idx
	}
}

// OpenLog creates or opens an audit log rooted at dir.
func OpenLog(dir string, opts ...LogOption) (*Log, error) {
	if dir == "" {
		return nil, errors.InvalidInput("audit directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "create audit directory")
	}
	l := &Log{
		dir:   dir,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dir returns the log directory.
func (l *Log) Dir() string {
	return l.dir
}

// Append writes one entry to the current day partition. The write is an
// O_APPEND of a single line, which the OS applies atomically for lines
// well under the pipe buffer size.
func (l *Log) Append(e Entry) error {
	if e.TaskID == "" || e.Action == "" {
		return errors.InvalidInput("audit entry requires task_id and action")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Result == "" {
		e.Result = ResultOK
	}

	line, err := json.Marshal(e)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeInternal, "encode audit entry")
	}
	line = append(line, '\n')

	partition := partitionName(e.Timestamp)

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(l.dir, partition), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeResourceExhausted, "open audit partition")
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return errors.WrapWithCode(err, errors.CodeResourceExhausted, "append audit entry")
	}
	if err := f.Sync(); err != nil {
		return errors.WrapWithCode(err, errors.CodeResourceExhausted, "sync audit partition")
	}

	if l.index != nil {
		// Index failures do not fail the append; the scan path still finds
		// the entry.
		_ = l.index.Add(e, partition)
	}
	return nil
}

// RecordTransition implements taskstore.Recorder, making the log the
// store's mandatory witness for every mutation.
func (l *Log) RecordTransition(ev taskstore.TransitionEvent) error {
	e := Entry{
		Timestamp: ev.Time,
		TaskID:    ev.TaskID,
		Action:    ev.Action,
		Actor:     ev.Actor,
		From:      string(ev.From),
		To:        string(ev.To),
		Result:    ResultOK,
	}
	switch taskstore.Bucket(ev.To) {
	case taskstore.BucketApproved:
		e.ApprovalStatus = "approved"
	case taskstore.BucketRejected:
		e.ApprovalStatus = "rejected"
	}
	if ev.Err != nil {
		e.Result = ResultFailed
		e.Error = ev.Err.Error()
	}
	return l.Append(e)
}

// RecordCall writes the outcome of one external collaborator invocation.
func (l *Log) RecordCall(taskID, endpoint, actor string, callErr error) error {
	e := Entry{
		TaskID:   taskID,
		Action:   ActionCall,
		Actor:    actor,
		Endpoint: endpoint,
		Result:   ResultOK,
	}
	if callErr != nil {
		e.Error = callErr.Error()
		if errors.IsAmbiguous(callErr) {
			e.Result = ResultAmbiguous
		} else {
			e.Result = ResultFailed
		}
	}
	return l.Append(e)
}

// RecordConflict notes a sync merge rejecting a revision.
func (l *Log) RecordConflict(taskID, detail string) error {
	return l.Append(Entry{
		TaskID: taskID,
		Action: ActionConflict,
		Actor:  "syncbridge",
		Result: ResultRejected,
		Error:  detail,
	})
}

// Close releases the attached index, if any.
func (l *Log) Close() error {
	if l.index != nil {
		return l.index.Close()
	}
	return nil
}

// partitionName returns the partition file name for a timestamp.
func partitionName(ts time.Time) string {
	return "audit-" + ts.UTC().Format("2006-01-02") + ".jsonl"
}

// partitionDate parses a partition file name back to its UTC day.
func partitionDate(name string) (time.Time, bool) {
	if len(name) != len("audit-2006-01-02.jsonl") {
		return time.Time{}, false
	}
	t, err := time.Parse("audit-2006-01-02.jsonl", name)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
