// Package watcher defines the contract for event-source observers and
// the runner that drives them. A watcher polls its source and maps each
// observation to (kind, dedupe key, payload); the runner routes every
// poll through the recovery policy, writes the resulting tasks into the
// store, heartbeats for the supervisor, and persists an opaque cursor so
// restarts do not replay the source. Duplicate observations are a
// non-event: creation is idempotent on (kind, dedupe key).
package watcher
