// Package taskstore implements the canonical task state machine as a set
// of bucket directories on a filesystem.
//
// A task is one record file living in exactly one bucket directory at a
// time; the directory is the source of truth for the task's state. All
// mutation goes through three primitives:
//
//   - Create: temp file + rename into needs_action, idempotent by
//     content-derived id (duplicate detection collapses to the existing
//     record, wherever it lives)
//   - Move: os.Rename between bucket directories — atomic claim-by-move;
//     a racing second mover loses with a CONFLICT error
//   - Update: in-place enrichment that never changes bucket membership
//
// Every primitive emits exactly one transition event to the configured
// Recorder before reporting success; when the recorder fails the mutation
// is rolled back, so no transition is observable without its audit trail.
// The audit write is ordered after the rename: a crash between the two
// leaves the record in its new bucket with a missing audit entry, which
// the next reconciliation surfaces, rather than an audit entry describing
// a move that never happened.
//
// Records are TOML front matter plus a free-text body and stay
// human-editable: moving a file between bucket directories by hand is a
// legitimate approval action, picked up on the next List.
package taskstore
