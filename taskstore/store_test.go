package taskstore

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/vinayprograms/watchkit/errors"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "execution", opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestCreateIdempotent(t *testing.T) {
	s := openTestStore(t)

	payload := map[string]interface{}{"subject": "invoice 42"}
	first, err := s.Create("mail-event", "msg-42", payload)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	// Duplicate poll of the same external event.
	second, err := s.Create("mail-event", "msg-42", payload)
	if !errors.Is(err, errors.CodeDuplicate) {
		t.Fatalf("second create err = %v, want DUPLICATE", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("duplicate create should return the existing task")
	}

	tasks, err := s.List(BucketNeedsAction)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("needs_action holds %d tasks, want 1", len(tasks))
	}
}

func TestDuplicateDetectedInTerminalBucket(t *testing.T) {
	s := openTestStore(t)

	first, err := s.Create("mail-event", "msg-1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustMove(t, s, first.ID, BucketNeedsAction, BucketPendingApproval)
	mustMove(t, s, first.ID, BucketPendingApproval, BucketRejected)

	// Re-detection after the task went terminal must still collapse.
	again, err := s.Create("mail-event", "msg-1", nil)
	if !errors.Is(err, errors.CodeDuplicate) {
		t.Fatalf("err = %v, want DUPLICATE", err)
	}
	if again.ID != first.ID {
		t.Fatalf("id mismatch: %s vs %s", again.ID, first.ID)
	}
}

func TestCreateRefusedWhenExistingRecordUnreadable(t *testing.T) {
	s := openTestStore(t)

	first, err := s.Create("mail-event", "msg-3", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustMove(t, s, first.ID, BucketNeedsAction, BucketPendingApproval)

	// A half-edited record in another bucket: the id may still be taken,
	// so creation must refuse rather than spawn a sibling.
	path := filepath.Join(s.Root(), string(BucketPendingApproval), first.ID+".task")
	if err := os.WriteFile(path, []byte("+++\nnot toml"), 0o644); err != nil {
		t.Fatalf("corrupt record: %v", err)
	}

	_, err = s.Create("mail-event", "msg-3", nil)
	if err == nil {
		t.Fatal("create succeeded over an unreadable record")
	}
	if errors.Is(err, errors.CodeDuplicate) || errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("err = %v, want an unreadable-record failure", err)
	}

	tasks, err := s.List(BucketNeedsAction)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("needs_action gained %d tasks alongside the broken record", len(tasks))
	}
}

func TestExclusiveBucketMembership(t *testing.T) {
	s := openTestStore(t)

	task, err := s.Create("schedule-event", "evt-7", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustMove(t, s, task.ID, BucketNeedsAction, BucketPendingApproval)
	mustMove(t, s, task.ID, BucketPendingApproval, BucketApproved)

	count := 0
	for _, b := range Buckets {
		if _, err := os.Stat(filepath.Join(s.Root(), string(b), task.ID+".task")); err == nil {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("task present in %d buckets, want exactly 1", count)
	}
}

func TestMoveConflictWhenNotInFrom(t *testing.T) {
	s := openTestStore(t)

	task, err := s.Create("mail-event", "msg-2", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustMove(t, s, task.ID, BucketNeedsAction, BucketPendingApproval)

	// A second mover still believes the task is in needs_action.
	_, err = s.Move(task.ID, BucketNeedsAction, BucketPendingApproval)
	if !errors.Is(err, errors.CodeConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}

	_, err = s.Move("deadbeefdeadbeefdeadbeefdeadbeef", BucketNeedsAction, BucketPendingApproval)
	if !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	s := openTestStore(t)

	task, err := s.Create("ledger-event", "tx-9", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustMove(t, s, task.ID, BucketNeedsAction, BucketPendingApproval)
	mustMove(t, s, task.ID, BucketPendingApproval, BucketApproved)

	_, errA := s.Move(task.ID, BucketApproved, BucketInProgress, WithClaimedBy("exec-a"))
	_, errB := s.Move(task.ID, BucketApproved, BucketInProgress, WithClaimedBy("exec-b"))

	if (errA == nil) == (errB == nil) {
		t.Fatalf("exactly one claim must win: errA=%v errB=%v", errA, errB)
	}

	got, err := s.Read(task.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.State != BucketInProgress {
		t.Fatalf("state = %s, want in_progress", got.State)
	}
	if got.ClaimedBy != "exec-a" && got.ClaimedBy != "exec-b" {
		t.Fatalf("claimed_by = %q", got.ClaimedBy)
	}
}

func TestClaimedByRules(t *testing.T) {
	s := openTestStore(t)

	task, err := s.Create("mail-event", "msg-3", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// claimed_by outside in_progress is rejected.
	_, err = s.Move(task.ID, BucketNeedsAction, BucketPendingApproval, WithClaimedBy("x"))
	if !errors.Is(err, errors.CodeInvalidInput) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}

	// in_progress without a claimer is rejected.
	mustMove(t, s, task.ID, BucketNeedsAction, BucketPendingApproval)
	mustMove(t, s, task.ID, BucketPendingApproval, BucketApproved)
	_, err = s.Move(task.ID, BucketApproved, BucketInProgress)
	if !errors.Is(err, errors.CodeInvalidInput) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
}

func TestTerminalImmutability(t *testing.T) {
	s := openTestStore(t)

	task, err := s.Create("mail-event", "msg-4", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustMove(t, s, task.ID, BucketNeedsAction, BucketPendingApproval)
	mustMove(t, s, task.ID, BucketPendingApproval, BucketRejected)

	_, err = s.Move(task.ID, BucketRejected, BucketApproved)
	if !errors.Is(err, errors.CodeImmutable) {
		t.Fatalf("err = %v, want IMMUTABLE", err)
	}

	_, err = s.Update(task.ID, "human", func(t *Task) error { return nil })
	if !errors.Is(err, errors.CodeImmutable) {
		t.Fatalf("update err = %v, want IMMUTABLE", err)
	}
}

func TestRequeueFromError(t *testing.T) {
	s := openTestStore(t)

	task, err := s.Create("ledger-event", "tx-1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustMove(t, s, task.ID, BucketNeedsAction, BucketPendingApproval)
	mustMove(t, s, task.ID, BucketPendingApproval, BucketApproved)
	if _, err := s.Move(task.ID, BucketApproved, BucketInProgress, WithClaimedBy("exec")); err != nil {
		t.Fatalf("claim: %v", err)
	}
	mustMove(t, s, task.ID, BucketInProgress, BucketError)

	// Generic Move out of error is refused.
	_, err = s.Move(task.ID, BucketError, BucketNeedsAction)
	if !errors.Is(err, errors.CodeImmutable) {
		t.Fatalf("err = %v, want IMMUTABLE", err)
	}

	got, err := s.Requeue(task.ID, "operator@example")
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if got.State != BucketNeedsAction {
		t.Fatalf("state = %s, want needs_action", got.State)
	}
	if got.ClaimedBy != "" {
		t.Fatalf("claimed_by should be cleared, got %q", got.ClaimedBy)
	}
}

func TestAuditFailureRollsBackCreate(t *testing.T) {
	fail := true
	rec := RecorderFunc(func(ev TransitionEvent) error {
		if fail {
			return fmt.Errorf("audit disk full")
		}
		return nil
	})
	s := openTestStore(t, WithRecorder(rec))

	_, err := s.Create("mail-event", "msg-5", nil)
	if err == nil {
		t.Fatal("create should fail when audit fails")
	}

	fail = false
	task, err := s.Create("mail-event", "msg-5", nil)
	if err != nil {
		t.Fatalf("create after audit recovery: %v", err)
	}
	if task.State != BucketNeedsAction {
		t.Fatalf("state = %s", task.State)
	}
}

func TestAuditFailureRollsBackMove(t *testing.T) {
	fail := false
	rec := RecorderFunc(func(ev TransitionEvent) error {
		if fail && ev.Action == "move" {
			return fmt.Errorf("audit unavailable")
		}
		return nil
	})
	s := openTestStore(t, WithRecorder(rec))

	task, err := s.Create("mail-event", "msg-6", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fail = true
	_, err = s.Move(task.ID, BucketNeedsAction, BucketPendingApproval)
	if err == nil {
		t.Fatal("move should fail when audit fails")
	}

	got, err := s.Read(task.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.State != BucketNeedsAction {
		t.Fatalf("rolled-back task in %s, want needs_action", got.State)
	}
}

func TestPerceptionGuardBlocksExecutionBuckets(t *testing.T) {
	s, err := Open(t.TempDir(), "perception", WithTransitionGuard(PerceptionGuard()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	task, err := s.Create("mail-event", "msg-7", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Move(task.ID, BucketNeedsAction, BucketPendingApproval); err != nil {
		t.Fatalf("move to pending_approval should be allowed: %v", err)
	}

	_, err = s.Move(task.ID, BucketPendingApproval, BucketApproved)
	if !errors.Is(err, errors.CodeForbidden) {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}

	// Replication applies bypass the guard: an execution-zone decision
	// must still land in the perception replica.
	remote := task.Clone()
	remote.State = BucketApproved
	remote.UpdatedAt = remote.UpdatedAt.Add(1)
	if err := s.Apply(remote); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, err := s.Read(task.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.State != BucketApproved {
		t.Fatalf("state = %s, want approved", got.State)
	}
}

func TestApplyNeverDisplacesTerminal(t *testing.T) {
	s := openTestStore(t)

	task, err := s.Create("mail-event", "msg-8", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustMove(t, s, task.ID, BucketNeedsAction, BucketPendingApproval)
	mustMove(t, s, task.ID, BucketPendingApproval, BucketRejected)

	remote := task.Clone()
	remote.State = BucketApproved
	err = s.Apply(remote)
	if !errors.Is(err, errors.CodeImmutable) {
		t.Fatalf("err = %v, want IMMUTABLE", err)
	}
}

func TestHumanEditedRecordSurvives(t *testing.T) {
	s := openTestStore(t)

	task, err := s.Create("mail-event", "msg-9",
		map[string]interface{}{"from": "a@example"},
		WithBody("Invoice from vendor.\n"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A human moves the file by hand; the store follows the directory.
	src := filepath.Join(s.Root(), "needs_action", task.ID+".task")
	dst := filepath.Join(s.Root(), "pending_approval", task.ID+".task")
	if err := os.Rename(src, dst); err != nil {
		t.Fatalf("manual move: %v", err)
	}

	got, err := s.Read(task.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.State != BucketPendingApproval {
		t.Fatalf("state = %s, want pending_approval (bucket wins over metadata)", got.State)
	}
	if got.Body != "Invoice from vendor.\n" {
		t.Fatalf("body = %q", got.Body)
	}
}

func TestTaskIDStable(t *testing.T) {
	a := TaskID("mail-event", "msg-1")
	b := TaskID("mail-event", "msg-1")
	c := TaskID("schedule-event", "msg-1")
	if a != b {
		t.Error("same kind+key must derive the same id")
	}
	if a == c {
		t.Error("different kinds must derive different ids")
	}
	if len(a) != 32 {
		t.Errorf("id length = %d, want 32 hex chars", len(a))
	}
}

func mustMove(t *testing.T, s *Store, id string, from, to Bucket) {
	t.Helper()
	if _, err := s.Move(id, from, to); err != nil {
		t.Fatalf("move %s %s->%s: %v", id, from, to, err)
	}
}
