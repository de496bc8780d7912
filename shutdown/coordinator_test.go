package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPhasesStopInOrder(t *testing.T) {
	c := NewCoordinator(Config{})

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	c.RegisterFunc("audit", PhaseStorage, record("audit"))
	c.RegisterFunc("supervisor", PhaseWatchers, record("supervisor"))
	c.RegisterFunc("executor", PhasePipeline, record("executor"))
	c.RegisterFunc("bridge", PhaseSync, record("bridge"))

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{"supervisor", "executor", "bridge", "audit"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestHandlersInPhaseRunConcurrently(t *testing.T) {
	c := NewCoordinator(Config{})

	release := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(2)
	for _, name := range []string{"a", "b"} {
		c.RegisterFunc(name, PhasePipeline, func(ctx context.Context) error {
			arrived.Done()
			<-release
			return nil
		})
	}

	go func() {
		// Both handlers must be in flight before either finishes.
		arrived.Wait()
		close(release)
	}()

	done := make(chan error, 1)
	go func() { done <- c.Shutdown(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handlers in one phase did not run concurrently")
	}
}

func TestHandlerFailureReported(t *testing.T) {
	c := NewCoordinator(Config{})
	c.RegisterFunc("ok", PhaseWatchers, func(ctx context.Context) error { return nil })
	c.RegisterFunc("broken", PhasePipeline, func(ctx context.Context) error {
		return errors.New("boom")
	})

	var after bool
	c.RegisterFunc("after", PhaseStorage, func(ctx context.Context) error {
		after = true
		return nil
	})

	if err := c.Shutdown(context.Background()); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("Shutdown = %v, want ErrHandlerFailed", err)
	}
	if !after {
		t.Error("later phase skipped after a failure")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	c := NewCoordinator(Config{})
	calls := 0
	c.RegisterFunc("once", PhaseWatchers, func(ctx context.Context) error {
		calls++
		return nil
	})

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times", calls)
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestTimeoutAbortsRemainingPhases(t *testing.T) {
	c := NewCoordinator(Config{})
	c.RegisterFunc("slow", PhaseWatchers, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var reached bool
	c.RegisterFunc("late", PhaseStorage, func(ctx context.Context) error {
		reached = true
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Shutdown(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Shutdown = %v, want ErrTimeout", err)
	}
	if reached {
		t.Error("phase ran after the deadline")
	}
}

func TestTriggerInitiatesShutdown(t *testing.T) {
	c := NewCoordinator(Config{Timeout: time.Second})
	c.RegisterFunc("x", PhaseWatchers, func(ctx context.Context) error { return nil })
	c.HandleSignals()
	c.Trigger()

	select {
	case <-c.Done():
		if err := c.Err(); err != nil {
			t.Fatalf("Err: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("trigger did not shut down")
	}
}
