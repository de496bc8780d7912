package taskstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/watchkit/errors"
)

// Store is a bucket-directory task state machine rooted at a single
// directory. Bucket membership is the canonical state; os.Rename between
// bucket directories is the only mutual-exclusion primitive, so a crash
// mid-operation leaves a record in exactly one bucket, never duplicated
// and never lost.
type Store struct {
	root  string
	zone  string
	clock func() time.Time

	// mu serializes mutations within this process. Cross-process and
	// cross-zone exclusion comes from rename atomicity and the claim-by-move
	// protocol, not from this lock.
	mu sync.Mutex

	recorder Recorder
	guard    TransitionGuard
}

// Option configures a Store.
type Option func(*Store)

// WithRecorder sets the transition recorder. Mutations roll back when the
// recorder fails.
func WithRecorder(r Recorder) Option {
	return func(s *Store) {
		s.recorder = r
	}
}

// WithTransitionGuard installs a guard consulted before every Move.
func WithTransitionGuard(g TransitionGuard) Option {
	return func(s *Store) {
		s.guard = g
	}
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// Open creates or opens a store rooted at dir for the named zone.
func Open(dir, zone string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.InvalidInput("store directory is required")
	}
	if zone == "" {
		return nil, errors.InvalidInput("zone name is required")
	}

	s := &Store{
		root:  dir,
		zone:  zone,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, b := range Buckets {
		if err := os.MkdirAll(filepath.Join(dir, string(b)), 0o755); err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "create bucket directory")
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, ".tmp"), 0o755); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "create temp directory")
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Zone returns the zone this replica belongs to.
func (s *Store) Zone() string {
	return s.zone
}

// CreateOption configures task creation.
type CreateOption func(*Task)

// WithPriority sets the triage priority (default medium).
func WithPriority(p Priority) CreateOption {
	return func(t *Task) {
		t.Priority = p
	}
}

// WithBody sets the free-text body of the record.
func WithBody(body string) CreateOption {
	return func(t *Task) {
		t.Body = body
	}
}

// Create registers a new task in needs_action. Creation is idempotent: if
// a task with the derived id already exists in any bucket (terminal ones
// included), the existing task is returned together with a DUPLICATE
// error, and no file is written. This is what makes repeated watcher
// polling safe.
func (s *Store) Create(kind, dedupeKey string, payload map[string]interface{}, opts ...CreateOption) (*Task, error) {
	if kind == "" || dedupeKey == "" {
		return nil, errors.InvalidInput("kind and dedupe key are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := TaskID(kind, dedupeKey)
	existing, _, err := s.locate(id)
	if err == nil {
		return existing, errors.Duplicate(id, errors.WithZone(s.zone))
	}
	if !errors.Is(err, errors.CodeNotFound) {
		// An unreadable record may well be this id in another bucket;
		// creating alongside it would break exclusive membership.
		return nil, err
	}

	now := s.clock()
	t := &Task{
		ID:         id,
		Kind:       kind,
		DedupeKey:  dedupeKey,
		State:      BucketNeedsAction,
		Priority:   PriorityMedium,
		Payload:    payload,
		OriginZone: s.zone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if !t.Priority.Valid() {
		return nil, errors.InvalidInput(fmt.Sprintf("invalid priority %q", t.Priority))
	}

	if err := s.writeRecord(t, BucketNeedsAction); err != nil {
		return nil, err
	}

	if err := s.record(TransitionEvent{
		TaskID: id,
		Action: "create",
		To:     BucketNeedsAction,
		Actor:  s.zone,
		Time:   now,
	}); err != nil {
		// The mutation must not be observable without its audit trail.
		_ = os.Remove(s.path(BucketNeedsAction, id))
		return nil, errors.Wrap(err, "audit write failed, create rolled back",
			errors.WithTaskID(id))
	}
	return t.Clone(), nil
}

// Read returns the task with the given id from whichever bucket holds it.
func (s *Store) Read(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, _, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List returns all tasks currently in the bucket, ordered by creation
// time. Records that fail to parse are skipped: a half-edited human record
// must not wedge the whole bucket.
func (s *Store) List(bucket Bucket) ([]*Task, error) {
	if !bucket.Valid() {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown bucket %q", bucket))
	}

	entries, err := os.ReadDir(filepath.Join(s.root, string(bucket)))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "read bucket directory")
	}

	var tasks []*Task
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".task") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, string(bucket), entry.Name()))
		if err != nil {
			continue
		}
		t, err := DecodeRecord(data, bucket)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Snapshot returns every task in every bucket.
func (s *Store) Snapshot() ([]*Task, error) {
	var all []*Task
	for _, b := range Buckets {
		tasks, err := s.List(b)
		if err != nil {
			return nil, err
		}
		all = append(all, tasks...)
	}
	return all, nil
}

// MoveOption configures a Move.
type MoveOption func(*moveOptions)

type moveOptions struct {
	actor     string
	claimedBy string
}

// WithActor names the identity performing the move (for the audit trail).
func WithActor(actor string) MoveOption {
	return func(o *moveOptions) {
		o.actor = actor
	}
}

// WithClaimedBy sets the claiming executor. Only valid when moving into
// in_progress.
func WithClaimedBy(claimer string) MoveOption {
	return func(o *moveOptions) {
		o.claimedBy = claimer
	}
}

// Move atomically relocates a task from one bucket to another. It fails
// with CONFLICT when the task is not currently in from — this is what
// prevents lost or duplicated transitions when two movers race: the rename
// succeeds for exactly one of them.
func (s *Store) Move(id string, from, to Bucket, opts ...MoveOption) (*Task, error) {
	if !from.Valid() || !to.Valid() {
		return nil, errors.InvalidInput("unknown bucket")
	}
	if from == to {
		return nil, errors.InvalidInput("move requires distinct buckets")
	}
	if from.IsTerminal() {
		return nil, errors.Immutable(id)
	}

	var o moveOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.actor == "" {
		o.actor = s.zone
	}
	if o.claimedBy != "" && to != BucketInProgress {
		return nil, errors.InvalidInput("claimed_by may only be set when moving into in_progress")
	}
	if to == BucketInProgress && o.claimedBy == "" {
		return nil, errors.InvalidInput("moving into in_progress requires a claimer")
	}

	if s.guard != nil {
		if err := s.guard(from, to, o.actor); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.move(id, from, to, o)
}

// move performs the rename + metadata rewrite + audit sequence. Caller
// holds s.mu.
func (s *Store) move(id string, from, to Bucket, o moveOptions) (*Task, error) {
	src := s.path(from, id)
	dst := s.path(to, id)

	original, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s.conflictFor(id, from)
		}
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "read record")
	}

	t, err := DecodeRecord(original, from)
	if err != nil {
		return nil, errors.Wrap(err, "record unreadable", errors.WithTaskID(id))
	}

	// The atomic step. Everything after it is ordered behind a committed
	// bucket change and can be rolled back by renaming back.
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil, s.conflictFor(id, from)
		}
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "rename record")
	}

	now := s.clock()
	t.State = to
	t.UpdatedAt = now
	if to == BucketInProgress {
		t.ClaimedBy = o.claimedBy
	}

	if err := s.rewrite(t, to); err != nil {
		// Metadata is a redundant check; bucket membership already moved.
		// Keep going rather than lose the committed transition.
		t.State = to
	}

	if err := s.record(TransitionEvent{
		TaskID: id,
		Action: "move",
		From:   from,
		To:     to,
		Actor:  o.actor,
		Time:   now,
	}); err != nil {
		_ = s.writeBytes(dst, original)
		_ = os.Rename(dst, src)
		return nil, errors.Wrap(err, "audit write failed, move rolled back",
			errors.WithTaskID(id))
	}
	return t.Clone(), nil
}

// Requeue is the sole exit from the error bucket: a human returns a failed
// task to needs_action. The move is audited with the acting identity.
func (s *Store) Requeue(id, actor string) (*Task, error) {
	if actor == "" {
		return nil, errors.InvalidInput("requeue requires an actor")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.path(BucketError, id)
	dst := s.path(BucketNeedsAction, id)

	original, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s.conflictFor(id, BucketError)
		}
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "read record")
	}
	t, err := DecodeRecord(original, BucketError)
	if err != nil {
		return nil, errors.Wrap(err, "record unreadable", errors.WithTaskID(id))
	}

	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil, s.conflictFor(id, BucketError)
		}
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "rename record")
	}

	now := s.clock()
	t.State = BucketNeedsAction
	t.ClaimedBy = ""
	t.UpdatedAt = now
	_ = s.rewrite(t, BucketNeedsAction)

	if err := s.record(TransitionEvent{
		TaskID: id,
		Action: "requeue",
		From:   BucketError,
		To:     BucketNeedsAction,
		Actor:  actor,
		Time:   now,
	}); err != nil {
		_ = s.writeBytes(dst, original)
		_ = os.Rename(dst, src)
		return nil, errors.Wrap(err, "audit write failed, requeue rolled back",
			errors.WithTaskID(id))
	}
	return t.Clone(), nil
}

// Update rewrites a task's payload and body in place without changing its
// bucket (read-only enrichment). Terminal tasks cannot be updated.
func (s *Store) Update(id, actor string, fn func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, bucket, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if bucket.IsTerminal() {
		return nil, errors.Immutable(id)
	}

	before := t.Clone()
	if err := fn(t); err != nil {
		return nil, err
	}

	// Enrichment never changes identity or position.
	t.ID = before.ID
	t.Kind = before.Kind
	t.DedupeKey = before.DedupeKey
	t.State = bucket
	t.ClaimedBy = before.ClaimedBy
	t.CreatedAt = before.CreatedAt
	t.UpdatedAt = s.clock()

	if err := s.rewrite(t, bucket); err != nil {
		return nil, err
	}

	if err := s.record(TransitionEvent{
		TaskID: id,
		Action: "enrich",
		From:   bucket,
		To:     bucket,
		Actor:  actor,
		Time:   t.UpdatedAt,
	}); err != nil {
		beforeBytes, encErr := EncodeRecord(before)
		if encErr == nil {
			_ = s.writeBytes(s.path(bucket, id), beforeBytes)
		}
		return nil, errors.Wrap(err, "audit write failed, enrich rolled back",
			errors.WithTaskID(id))
	}
	return t.Clone(), nil
}

// Apply installs a replicated record into the bucket it claims, used by
// the sync bridge when reconciling remote revisions. Local terminal
// records are never displaced. The transition guard is not consulted:
// replication reflects decisions already committed elsewhere.
func (s *Store) Apply(remote *Task) error {
	if remote == nil || remote.ID == "" || !remote.State.Valid() {
		return errors.InvalidInput("invalid replicated record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	local, bucket, err := s.locate(remote.ID)
	if err == nil {
		if bucket == remote.State {
			// Same position; refresh content only when newer.
			if !remote.UpdatedAt.After(local.UpdatedAt) {
				return nil
			}
			return s.rewrite(remote, bucket)
		}
		if bucket.IsTerminal() {
			return errors.Immutable(remote.ID, errors.WithZone(s.zone))
		}

		src := s.path(bucket, remote.ID)
		dst := s.path(remote.State, remote.ID)
		original, readErr := os.ReadFile(src)
		if readErr != nil {
			return errors.WrapWithCode(readErr, errors.CodeResourceExhausted, "read record")
		}
		if err := os.Rename(src, dst); err != nil {
			return errors.WrapWithCode(err, errors.CodeResourceExhausted, "rename record")
		}
		if err := s.rewrite(remote, remote.State); err != nil {
			return err
		}
		if err := s.record(TransitionEvent{
			TaskID: remote.ID,
			Action: "sync_apply",
			From:   bucket,
			To:     remote.State,
			Actor:  "syncbridge",
			Time:   s.clock(),
		}); err != nil {
			_ = s.writeBytes(dst, original)
			_ = os.Rename(dst, src)
			return errors.Wrap(err, "audit write failed, sync apply rolled back",
				errors.WithTaskID(remote.ID))
		}
		return nil
	}

	// New record replicated from the other zone.
	if err := s.writeRecord(remote, remote.State); err != nil {
		return err
	}
	if err := s.record(TransitionEvent{
		TaskID: remote.ID,
		Action: "sync_apply",
		To:     remote.State,
		Actor:  "syncbridge",
		Time:   s.clock(),
	}); err != nil {
		_ = os.Remove(s.path(remote.State, remote.ID))
		return errors.Wrap(err, "audit write failed, sync apply rolled back",
			errors.WithTaskID(remote.ID))
	}
	return nil
}

// --- internals ---

func (s *Store) path(bucket Bucket, id string) string {
	return filepath.Join(s.root, string(bucket), recordFileName(id))
}

// locate finds a task in any bucket. Caller holds s.mu.
func (s *Store) locate(id string) (*Task, Bucket, error) {
	for _, b := range Buckets {
		data, err := os.ReadFile(s.path(b, id))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, b, errors.WrapWithCode(err, errors.CodeResourceExhausted,
				"record unreadable", errors.WithTaskID(id))
		}
		t, err := DecodeRecord(data, b)
		if err != nil {
			return nil, b, errors.Wrap(err, "record unreadable", errors.WithTaskID(id))
		}
		return t, b, nil
	}
	return nil, "", errors.NotFound(fmt.Sprintf("task %s not found", id), errors.WithTaskID(id))
}

// conflictFor distinguishes "wrong bucket" from "gone entirely".
func (s *Store) conflictFor(id string, expected Bucket) error {
	if _, actual, err := s.locate(id); err == nil {
		return errors.Conflict(
			fmt.Sprintf("task %s is in %s, not %s", id, actual, expected),
			errors.WithTaskID(id),
			errors.WithMetadata("actual_bucket", string(actual)),
		)
	}
	return errors.NotFound(fmt.Sprintf("task %s not found", id), errors.WithTaskID(id))
}

// writeRecord writes a fresh record into bucket via temp file + rename.
func (s *Store) writeRecord(t *Task, bucket Bucket) error {
	data, err := EncodeRecord(t)
	if err != nil {
		return err
	}
	return s.writeBytes(s.path(bucket, t.ID), data)
}

// rewrite replaces a record's content in place. Bucket membership is
// already settled; this only refreshes the redundant metadata.
func (s *Store) rewrite(t *Task, bucket Bucket) error {
	return s.writeRecord(t, bucket)
}

// writeBytes writes data to path atomically (temp file in .tmp, rename).
func (s *Store) writeBytes(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(s.root, ".tmp"), "record-*")
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeResourceExhausted, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapWithCode(err, errors.CodeResourceExhausted, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapWithCode(err, errors.CodeResourceExhausted, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.WrapWithCode(err, errors.CodeResourceExhausted, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.WrapWithCode(err, errors.CodeResourceExhausted, "install record")
	}
	return nil
}

func (s *Store) record(ev TransitionEvent) error {
	if s.recorder == nil {
		return nil
	}
	return s.recorder.RecordTransition(ev)
}

// PerceptionGuard returns a TransitionGuard for perception-zone replicas:
// it forbids any locally initiated move into an execution bucket, which
// converts the cross-zone execution race into a single-writer problem.
// Replication applies are performed through Apply and bypass the guard.
func PerceptionGuard() TransitionGuard {
	return func(from, to Bucket, actor string) error {
		if ExecutionBuckets[to] {
			return errors.New(errors.CodeForbidden,
				fmt.Sprintf("perception zone may not move tasks into %s", to),
				errors.WithMetadata("actor", actor))
		}
		return nil
	}
}
