// Package audit is the append-only, queryable record of every state
// transition and external-call outcome. It is the forensic source of
// truth: the task store refuses to commit a mutation the log did not
// witness, and the executor's at-most-one-execution property is checked
// against it.
//
// Entries live in one JSONL file per UTC day. Queries are read-only, by
// task id or by date range; an optional bleve index narrows task-id
// queries to the partitions that mention the task. Compaction removes
// partitions past the retention window unless they reference a task that
// has not reached a terminal state.
package audit
