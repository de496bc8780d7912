package shutdown

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrAlreadyShutdown = errors.New("shutdown already initiated")
	ErrTimeout         = errors.New("shutdown timeout exceeded")
	ErrHandlerFailed   = errors.New("one or more handlers failed")
)

// Shutdown phases for the daemon. Lower phases stop first: observation
// ends before the pipeline drains, the pipeline drains before the last
// reconcile, and storage closes last so everything above it can still
// write.
const (
	PhaseWatchers = 10 // supervisor and watcher runners
	PhasePipeline = 20 // reviewer and executor
	PhaseSync     = 30 // final sync bridge cycle
	PhaseStorage  = 40 // journals, indexes, audit log
)

// Handler is implemented by components that need graceful shutdown.
// The context is cancelled when the shutdown timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds the whole shutdown.
	// Default: 30 seconds
	Timeout time.Duration

	// OnProgress is called as each handler completes. Can be used for
	// logging.
	OnProgress func(result HandlerResult)
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
	}
}

// registration holds a registered handler with its metadata.
type registration struct {
	name    string
	handler Handler
	phase   int
}
