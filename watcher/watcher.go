package watcher

import (
	"context"
	"time"
)

// RawEvent is one observation from an event source, before it becomes a
// task.
type RawEvent struct {
	// ID distinguishes the event within its source.
	ID string

	// Observed is when the source produced the event.
	Observed time.Time

	// Data is the source-specific payload.
	Data map[string]interface{}

	// Body is free text carried alongside the structured payload.
	Body string
}

// Watcher observes one event source. Implementations must be safe to
// call from a single goroutine; the runner never calls Check
// concurrently with itself.
type Watcher interface {
	// Check polls the source and returns new events. Returning an event
	// that was already returned is harmless: task creation is
	// idempotent on (kind, dedupe key).
	Check(ctx context.Context) ([]RawEvent, error)

	// ToTask maps an event to the task that should represent it.
	ToTask(ev RawEvent) (kind, dedupeKey string, payload map[string]interface{}, body string)
}

// CursorAware is implemented by watchers that track their position in
// the source. The runner persists the cursor after every successful
// cycle and restores it before the first.
type CursorAware interface {
	// Cursor returns an opaque position marker.
	Cursor() string

	// SetCursor restores a previously persisted marker. An empty string
	// means start from scratch.
	SetCursor(cursor string)
}
