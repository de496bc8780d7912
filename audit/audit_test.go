package audit

import (
	"testing"
	"time"

	"github.com/vinayprograms/watchkit/taskstore"
)

func TestAppendAndQueryByTask(t *testing.T) {
	log, err := OpenLog(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer log.Close()

	for _, action := range []string{ActionCreate, ActionMove, ActionMove} {
		if err := log.Append(Entry{TaskID: "t1", Action: action, Actor: "test"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := log.Append(Entry{TaskID: "t2", Action: ActionCreate, Actor: "test"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := log.QueryByTask("t1")
	if err != nil {
		t.Fatalf("QueryByTask: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries for t1, want 3", len(entries))
	}
	for _, e := range entries {
		if e.TaskID != "t1" {
			t.Errorf("stray entry: %+v", e)
		}
		if e.ID == "" {
			t.Error("entry id not assigned")
		}
	}
}

func TestQueryByRange(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	log, err := OpenLog(t.TempDir(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer log.Close()

	old := Entry{TaskID: "t1", Action: ActionCreate, Actor: "test",
		Timestamp: now.Add(-72 * time.Hour)}
	recent := Entry{TaskID: "t2", Action: ActionCreate, Actor: "test",
		Timestamp: now.Add(-1 * time.Hour)}
	for _, e := range []Entry{old, recent} {
		if err := log.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := log.QueryByRange(now.Add(-24*time.Hour), now)
	if err != nil {
		t.Fatalf("QueryByRange: %v", err)
	}
	if len(entries) != 1 || entries[0].TaskID != "t2" {
		t.Fatalf("range query returned %+v, want only t2", entries)
	}
}

func TestRecordTransitionApprovalStatus(t *testing.T) {
	log, err := OpenLog(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer log.Close()

	ev := taskstore.TransitionEvent{
		TaskID: "t1",
		Action: "move",
		From:   taskstore.BucketPendingApproval,
		To:     taskstore.BucketApproved,
		Actor:  "operator",
		Time:   time.Now(),
	}
	if err := log.RecordTransition(ev); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}

	entries, err := log.QueryByTask("t1")
	if err != nil {
		t.Fatalf("QueryByTask: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].ApprovalStatus != "approved" {
		t.Errorf("approval_status = %q, want approved", entries[0].ApprovalStatus)
	}
	if entries[0].Actor != "operator" {
		t.Errorf("actor = %q", entries[0].Actor)
	}
}

func TestCompactRespectsLiveTasks(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	log, err := OpenLog(t.TempDir(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer log.Close()

	// Two old partitions: one pinned by a live task, one fully terminal.
	pinned := Entry{TaskID: "live", Action: ActionCreate, Actor: "test",
		Timestamp: now.Add(-200 * 24 * time.Hour)}
	free := Entry{TaskID: "finished", Action: ActionMove, Actor: "test",
		Timestamp: now.Add(-150 * 24 * time.Hour)}
	current := Entry{TaskID: "t3", Action: ActionCreate, Actor: "test", Timestamp: now}
	for _, e := range []Entry{pinned, free, current} {
		if err := log.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	report, err := log.Compact(90*24*time.Hour, func(taskID string) bool {
		return taskID != "live"
	})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(report.Removed) != 1 {
		t.Fatalf("removed = %v, want one partition", report.Removed)
	}
	if len(report.Retained) != 1 {
		t.Fatalf("retained = %v, want one pinned partition", report.Retained)
	}

	// The pinned entry is still queryable.
	entries, err := log.QueryByTask("live")
	if err != nil {
		t.Fatalf("QueryByTask: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("pinned entry lost")
	}
}

func TestIndexAcceleratedQuery(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenIndex(dir + "/index.bleve")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}

	log, err := OpenLog(dir, WithIndex(idx))
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer log.Close()

	if err := log.Append(Entry{TaskID: "abc123", Action: ActionCreate, Actor: "test"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	partitions, err := idx.Partitions("abc123")
	if err != nil {
		t.Fatalf("Partitions: %v", err)
	}
	if len(partitions) != 1 {
		t.Fatalf("index found %d partitions, want 1", len(partitions))
	}

	entries, err := log.QueryByTask("abc123")
	if err != nil {
		t.Fatalf("QueryByTask: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
}
