package audit

import (
	"os"
	"path/filepath"
	"time"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/taskstore"
)

// TerminalProbe reports whether a task id has reached a terminal state.
// Compaction consults it so that no entry referenced by a still-live task
// is ever removed.
type TerminalProbe func(taskID string) bool

// CompactReport describes one compaction pass.
type CompactReport struct {
	Removed  []string // partitions deleted
	Retained []string // partitions old enough but pinned by live tasks
}

// Compact removes partitions older than the retention window, skipping
// any partition that mentions a task the probe reports as non-terminal.
// The newest partition is never touched regardless of age.
func (l *Log) Compact(retention time.Duration, probe TerminalProbe) (*CompactReport, error) {
	if retention <= 0 {
		return nil, errors.InvalidInput("retention window must be positive")
	}
	if probe == nil {
		return nil, errors.InvalidInput("compaction requires a terminal probe")
	}

	names, err := l.partitions()
	if err != nil {
		return nil, err
	}
	if len(names) <= 1 {
		return &CompactReport{}, nil
	}

	cutoff := l.clock().UTC().Add(-retention)
	report := &CompactReport{}

	// names is sorted oldest first; the last one stays.
	for _, name := range names[:len(names)-1] {
		day, ok := partitionDate(name)
		if !ok {
			continue
		}
		// The partition's entries span its whole day.
		if !day.Add(24 * time.Hour).Before(cutoff) {
			continue
		}

		entries, err := l.scanPartition(name, nil)
		if err != nil {
			return nil, err
		}
		pinned := false
		for _, e := range entries {
			if !probe(e.TaskID) {
				pinned = true
				break
			}
		}
		if pinned {
			report.Retained = append(report.Retained, name)
			continue
		}

		l.mu.Lock()
		err = os.Remove(filepath.Join(l.dir, name))
		l.mu.Unlock()
		if err != nil && !os.IsNotExist(err) {
			return report, errors.WrapWithCode(err, errors.CodeResourceExhausted, "remove audit partition")
		}
		report.Removed = append(report.Removed, name)
	}
	return report, nil
}

// StoreProbe builds a probe over a task store. Ids the store no longer
// knows count as terminal: their record files were archived, and audit
// entries for them stay valid without pinning the partition.
func StoreProbe(s *taskstore.Store) TerminalProbe {
	return func(taskID string) bool {
		t, err := s.Read(taskID)
		if err != nil {
			return true
		}
		return t.State.IsTerminal()
	}
}
