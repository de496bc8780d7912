package syncbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/taskstore"
)

// Revision identifies one immutable record revision in the backing
// store.
type Revision struct {
	TaskID string
	Seq    int
	Zone   string
}

// Name returns the revision's file name.
func (r Revision) Name() string {
	return fmt.Sprintf("r%06d-%s.task", r.Seq, r.Zone)
}

// Key returns the journal key for this revision.
func (r Revision) Key() string {
	return r.TaskID + "/" + r.Name()
}

// parseRevisionName parses "r000042-execution.task".
func parseRevisionName(taskID, name string) (Revision, bool) {
	if !strings.HasPrefix(name, "r") || !strings.HasSuffix(name, ".task") {
		return Revision{}, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, "r"), ".task")
	seqStr, zone, ok := strings.Cut(body, "-")
	if !ok || zone == "" {
		return Revision{}, false
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		return Revision{}, false
	}
	return Revision{TaskID: taskID, Seq: seq, Zone: zone}, true
}

// Backing is the shared replicated directory both zones reconcile
// against. Every push appends a new immutable revision file under
// tasks/<id>/; nothing is ever overwritten or deleted, so a reader
// mid-push sees either the complete previous state or the complete new
// revision.
type Backing struct {
	root string
}

// OpenBacking opens (creating if needed) a backing directory.
func OpenBacking(root string) (*Backing, error) {
	if root == "" {
		return nil, errors.InvalidInput("backing directory is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "tasks"), 0o755); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "create backing store")
	}
	if err := os.MkdirAll(filepath.Join(root, ".tmp"), 0o755); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "create backing store")
	}
	return &Backing{root: root}, nil
}

// TaskIDs lists every task id present in the backing store.
func (b *Backing) TaskIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "tasks"))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "list backing store")
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Revisions lists a task's revisions ordered by sequence number.
func (b *Backing) Revisions(taskID string) ([]Revision, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "tasks", taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "list revisions")
	}
	var revs []Revision
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if rev, ok := parseRevisionName(taskID, entry.Name()); ok {
			revs = append(revs, rev)
		}
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].Seq < revs[j].Seq })
	return revs, nil
}

// Read decodes the task carried by a revision.
func (b *Backing) Read(rev Revision) (*taskstore.Task, error) {
	data, err := os.ReadFile(filepath.Join(b.root, "tasks", rev.TaskID, rev.Name()))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "read revision")
	}
	return taskstore.DecodeRecord(data, "")
}

// Push appends a new revision for a task and returns it. Sequence
// numbers continue from the highest present.
func (b *Backing) Push(zone string, t *taskstore.Task) (Revision, error) {
	data, err := taskstore.EncodeRecord(t)
	if err != nil {
		return Revision{}, err
	}

	dir := filepath.Join(b.root, "tasks", t.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Revision{}, errors.WrapWithCode(err, errors.CodeResourceExhausted, "create revision dir")
	}

	revs, err := b.Revisions(t.ID)
	if err != nil {
		return Revision{}, err
	}
	next := 1
	if len(revs) > 0 {
		next = revs[len(revs)-1].Seq + 1
	}
	rev := Revision{TaskID: t.ID, Seq: next, Zone: zone}

	tmp, err := os.CreateTemp(filepath.Join(b.root, ".tmp"), "rev-*")
	if err != nil {
		return Revision{}, errors.WrapWithCode(err, errors.CodeResourceExhausted, "stage revision")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Revision{}, errors.WrapWithCode(err, errors.CodeResourceExhausted, "stage revision")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Revision{}, errors.WrapWithCode(err, errors.CodeResourceExhausted, "stage revision")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Revision{}, errors.WrapWithCode(err, errors.CodeResourceExhausted, "stage revision")
	}

	dst := filepath.Join(dir, rev.Name())
	if _, err := os.Stat(dst); err == nil {
		// Another zone claimed the sequence number between list and
		// rename. Retry with the next one.
		os.Remove(tmp.Name())
		return b.Push(zone, t)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return Revision{}, errors.WrapWithCode(err, errors.CodeResourceExhausted, "commit revision")
	}
	return rev, nil
}
