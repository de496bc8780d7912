package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vinayprograms/watchkit/errors"
)

// The query surface is read-only: nothing here mutates partitions.

// QueryByTask returns every entry for a task id, oldest first. With an
// index attached only the partitions known to mention the task are
// scanned; otherwise all partitions are.
func (l *Log) QueryByTask(taskID string) ([]Entry, error) {
	if taskID == "" {
		return nil, errors.InvalidInput("task id is required")
	}

	var partitions []string
	if l.index != nil {
		hits, err := l.index.Partitions(taskID)
		if err == nil {
			partitions = hits
		}
	}
	if partitions == nil {
		all, err := l.partitions()
		if err != nil {
			return nil, err
		}
		partitions = all
	}

	var out []Entry
	for _, p := range partitions {
		entries, err := l.scanPartition(p, func(e *Entry) bool {
			return e.TaskID == taskID
		})
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	sortEntries(out)
	return out, nil
}

// QueryByRange returns entries with from <= timestamp < to, oldest first.
// Only partitions whose day overlaps the range are opened.
func (l *Log) QueryByRange(from, to time.Time) ([]Entry, error) {
	if !to.After(from) {
		return nil, errors.InvalidInput("query range is empty")
	}

	all, err := l.partitions()
	if err != nil {
		return nil, err
	}

	fromDay := from.UTC().Truncate(24 * time.Hour)
	var out []Entry
	for _, p := range all {
		day, ok := partitionDate(p)
		if !ok {
			continue
		}
		if day.Before(fromDay) || !day.Before(to.UTC()) {
			continue
		}
		entries, err := l.scanPartition(p, func(e *Entry) bool {
			return !e.Timestamp.Before(from) && e.Timestamp.Before(to)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	sortEntries(out)
	return out, nil
}

// partitions lists partition file names, oldest first.
func (l *Log) partitions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "read audit directory")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := partitionDate(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// scanPartition reads one partition, keeping entries the filter accepts.
// Truncated or corrupt lines are skipped, not fatal: a crash mid-append
// may leave a partial final line.
func (l *Log) scanPartition(name string, keep func(*Entry) bool) ([]Entry, error) {
	f, err := os.Open(filepath.Join(l.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "open audit partition")
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if keep == nil || keep(&e) {
			out = append(out, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "scan audit partition")
	}
	return out, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
