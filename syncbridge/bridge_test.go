package syncbridge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vinayprograms/watchkit/taskstore"
)

type fixture struct {
	store   *taskstore.Store
	backing *Backing
	bridge  *Bridge
}

func newFixture(t *testing.T, zone, backingRoot string) *fixture {
	t.Helper()
	store, err := taskstore.Open(t.TempDir(), zone)
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	backing, err := OpenBacking(backingRoot)
	if err != nil {
		t.Fatalf("OpenBacking: %v", err)
	}
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	bridge, err := New(Config{
		Store:    store,
		Backing:  backing,
		Journal:  journal,
		Zone:     zone,
		Denylist: []string{"*token*", "*secret*"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{store: store, backing: backing, bridge: bridge}
}

func runOnce(t *testing.T, f *fixture) *Report {
	t.Helper()
	report, err := f.bridge.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return report
}

func TestRoundTripAcrossZones(t *testing.T) {
	backingRoot := t.TempDir()
	perception := newFixture(t, "perception", backingRoot)
	execution := newFixture(t, "execution", backingRoot)

	task, err := perception.store.Create("mail.message", "msg-1",
		map[string]interface{}{"subject": "hello"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	report := runOnce(t, perception)
	if report.Pushed != 1 {
		t.Fatalf("perception pushed %d, want 1", report.Pushed)
	}

	report = runOnce(t, execution)
	if report.Pulled != 1 {
		t.Fatalf("execution pulled %d, want 1", report.Pulled)
	}
	replica, err := execution.store.Read(task.ID)
	if err != nil {
		t.Fatalf("replica missing: %v", err)
	}
	if replica.State != taskstore.BucketNeedsAction {
		t.Errorf("replica state = %v", replica.State)
	}
	if replica.Payload["subject"] != "hello" {
		t.Errorf("replica payload = %v", replica.Payload)
	}
}

func TestExecutionStatesReplicateBack(t *testing.T) {
	backingRoot := t.TempDir()
	perception := newFixture(t, "perception", backingRoot)
	execution := newFixture(t, "execution", backingRoot)

	task, err := perception.store.Create("mail.message", "msg-1", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	runOnce(t, perception)
	runOnce(t, execution)

	for _, step := range []struct{ from, to taskstore.Bucket }{
		{taskstore.BucketNeedsAction, taskstore.BucketPendingApproval},
		{taskstore.BucketPendingApproval, taskstore.BucketApproved},
	} {
		if _, err := execution.store.Move(task.ID, step.from, step.to,
			taskstore.WithActor("operator")); err != nil {
			t.Fatalf("Move %v->%v: %v", step.from, step.to, err)
		}
	}

	runOnce(t, execution)
	report := runOnce(t, perception)
	if report.Pulled == 0 {
		t.Fatalf("perception pulled nothing: %+v", report)
	}
	if report.Conflicts != 0 {
		t.Fatalf("legitimate approval rejected: %+v", report)
	}
	replica, err := perception.store.Read(task.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if replica.State != taskstore.BucketApproved {
		t.Errorf("replica state = %v, want approved", replica.State)
	}
}

func TestExecutionBucketRevisionFromPerceptionRejected(t *testing.T) {
	backingRoot := t.TempDir()
	execution := newFixture(t, "execution", backingRoot)

	// A forged or buggy perception-zone revision claims approval.
	forged := &taskstore.Task{
		ID:         taskstore.TaskID("mail.message", "msg-1"),
		Kind:       "mail.message",
		DedupeKey:  "msg-1",
		State:      taskstore.BucketApproved,
		Priority:   taskstore.PriorityMedium,
		OriginZone: "perception",
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if _, err := execution.backing.Push("perception", forged); err != nil {
		t.Fatalf("Push: %v", err)
	}

	report := runOnce(t, execution)
	if report.Conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", report.Conflicts)
	}
	if _, err := execution.store.Read(forged.ID); err == nil {
		t.Fatal("forged approval was applied")
	}

	// The rejection is remembered: the next cycle is clean.
	report = runOnce(t, execution)
	if report.Conflicts != 0 || report.Pulled != 0 {
		t.Errorf("second cycle = %+v, want empty", report)
	}
}

func TestConcurrentApprovalFirstWins(t *testing.T) {
	backingRoot := t.TempDir()
	perception := newFixture(t, "perception", backingRoot)

	task, err := perception.store.Create("mail.message", "msg-1", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// First approval lands through replication.
	approvedA := task.Clone()
	approvedA.State = taskstore.BucketApproved
	approvedA.ClaimedBy = ""
	approvedA.UpdatedAt = time.Now().UTC()
	if _, err := perception.backing.Push("execution", approvedA); err != nil {
		t.Fatalf("Push: %v", err)
	}
	report := runOnce(t, perception)
	if report.Pulled != 1 {
		t.Fatalf("first approval not applied: %+v", report)
	}

	// A second, concurrent approval revision arrives later.
	approvedB := task.Clone()
	approvedB.State = taskstore.BucketApproved
	approvedB.UpdatedAt = time.Now().UTC().Add(time.Second)
	approvedB.Payload = map[string]interface{}{"approver": "someone-else"}
	if _, err := perception.backing.Push("execution", approvedB); err != nil {
		t.Fatalf("Push: %v", err)
	}

	report = runOnce(t, perception)
	if report.Conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", report.Conflicts)
	}
	replica, err := perception.store.Read(task.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if replica.Payload["approver"] != nil {
		t.Error("losing approval's content leaked into the store")
	}
}

func TestTerminalRecordsNeverDisplaced(t *testing.T) {
	backingRoot := t.TempDir()
	execution := newFixture(t, "execution", backingRoot)

	task, err := execution.store.Create("mail.message", "msg-1", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, step := range []struct{ from, to taskstore.Bucket }{
		{taskstore.BucketNeedsAction, taskstore.BucketPendingApproval},
		{taskstore.BucketPendingApproval, taskstore.BucketRejected},
	} {
		if _, err := execution.store.Move(task.ID, step.from, step.to,
			taskstore.WithActor("operator")); err != nil {
			t.Fatalf("Move: %v", err)
		}
	}

	// A stale remote revision tries to pull it back to needs_action.
	stale := task.Clone()
	stale.State = taskstore.BucketNeedsAction
	stale.UpdatedAt = time.Now().UTC().Add(time.Hour)
	if _, err := execution.backing.Push("perception", stale); err != nil {
		t.Fatalf("Push: %v", err)
	}

	report := runOnce(t, execution)
	if report.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", report.Skipped)
	}
	replica, _ := execution.store.Read(task.ID)
	if replica.State != taskstore.BucketRejected {
		t.Errorf("terminal record displaced to %v", replica.State)
	}
}

func TestSecretsNeverCrossTheBoundary(t *testing.T) {
	backingRoot := t.TempDir()
	perception := newFixture(t, "perception", backingRoot)
	execution := newFixture(t, "execution", backingRoot)

	task, err := perception.store.Create("mail.message", "msg-1",
		map[string]interface{}{
			"subject":   "hello",
			"api_token": "tok-123",
			"auth":      map[string]interface{}{"client_secret": "sec-456"},
		})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	runOnce(t, perception)

	// The backing revision itself is clean.
	revs, err := perception.backing.Revisions(task.ID)
	if err != nil || len(revs) != 1 {
		t.Fatalf("revisions = %v, %v", revs, err)
	}
	pushed, err := perception.backing.Read(revs[0])
	if err != nil {
		t.Fatalf("Read revision: %v", err)
	}
	if pushed.Payload["api_token"] != nil {
		t.Error("token leaked into the backing store")
	}
	if auth, ok := pushed.Payload["auth"].(map[string]interface{}); ok {
		if auth["client_secret"] != nil {
			t.Error("nested secret leaked into the backing store")
		}
	}
	if pushed.Payload["subject"] != "hello" {
		t.Error("innocent payload scrubbed")
	}

	runOnce(t, execution)
	replica, err := execution.store.Read(task.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if replica.Payload["api_token"] != nil {
		t.Error("token leaked into the other zone")
	}
}

func TestCyclesAreIdempotent(t *testing.T) {
	backingRoot := t.TempDir()
	perception := newFixture(t, "perception", backingRoot)

	if _, err := perception.store.Create("mail.message", "msg-1", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	report := runOnce(t, perception)
	if report.Pushed != 1 {
		t.Fatalf("pushed = %d", report.Pushed)
	}

	for i := 0; i < 3; i++ {
		report = runOnce(t, perception)
		if report.Pushed != 0 || report.Pulled != 0 {
			t.Fatalf("cycle %d not idempotent: %+v", i, report)
		}
	}
}

func TestScrubPayload(t *testing.T) {
	payload := map[string]interface{}{
		"subject":      "hi",
		"oauth_token":  "x",
		"credentials":  map[string]interface{}{"password": "y", "user": "z"},
		"refresh_data": map[string]interface{}{"session_secret": "w"},
	}
	out, removed := scrubPayload(payload, []string{"*token*", "password", "*secret*"})
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	if out["oauth_token"] != nil {
		t.Error("token kept")
	}
	creds := out["credentials"].(map[string]interface{})
	if creds["password"] != nil || creds["user"] != "z" {
		t.Errorf("credentials scrub = %v", creds)
	}
}
