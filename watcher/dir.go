package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DirWatcher treats a drop directory as an event source: every regular
// file is one event, keyed by file name. The cursor is the modification
// time of the newest file already handed out, so a restart does not
// replay the whole directory.
type DirWatcher struct {
	dir  string
	kind string

	seenUpTo time.Time
}

// NewDirWatcher watches a drop directory, emitting tasks of the given
// kind.
func NewDirWatcher(dir, kind string) *DirWatcher {
	return &DirWatcher{dir: dir, kind: kind}
}

// Check lists files newer than the cursor. A drop directory that does
// not exist yet is simply empty, not an error.
func (w *DirWatcher) Check(ctx context.Context) ([]RawEvent, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []RawEvent
	newest := w.seenUpTo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if !mod.After(w.seenUpTo) {
			continue
		}
		if mod.After(newest) {
			newest = mod
		}
		events = append(events, RawEvent{
			ID:       entry.Name(),
			Observed: mod,
			Data: map[string]interface{}{
				"file": filepath.Join(w.dir, entry.Name()),
				"size": info.Size(),
			},
		})
	}
	w.seenUpTo = newest

	sort.Slice(events, func(i, j int) bool {
		return events[i].Observed.Before(events[j].Observed)
	})
	return events, nil
}

// ToTask maps a dropped file to a task keyed by its name.
func (w *DirWatcher) ToTask(ev RawEvent) (string, string, map[string]interface{}, string) {
	return w.kind, ev.ID, ev.Data, ""
}

// Cursor returns the newest observed modification time.
func (w *DirWatcher) Cursor() string {
	if w.seenUpTo.IsZero() {
		return ""
	}
	return w.seenUpTo.UTC().Format(time.RFC3339Nano)
}

// SetCursor restores the cursor.
func (w *DirWatcher) SetCursor(cursor string) {
	if cursor == "" {
		w.seenUpTo = time.Time{}
		return
	}
	if t, err := time.Parse(time.RFC3339Nano, cursor); err == nil {
		w.seenUpTo = t
	}
}
