package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/vinayprograms/watchkit/errors"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newTestRecovery(t *testing.T, opts ...Option) *Recovery {
	t.Helper()
	opts = append([]Option{
		WithRetryConfig(RetryConfig{
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
			MaxDelay:    10 * time.Millisecond,
			MaxAttempts: 3,
		}),
		WithBreakerConfig(BreakerConfig{
			FailureThreshold: 3,
			Cooldown:         30 * time.Second,
			MaxCooldown:      2 * time.Minute,
		}),
		WithSleep(noSleep),
	}, opts...)
	r, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	r := newTestRecovery(t)

	calls := 0
	err := r.Do(context.Background(), "mail", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.Timeout("mail fetch timed out")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	r := newTestRecovery(t)

	calls := 0
	err := r.Do(context.Background(), "mail", func(ctx context.Context) error {
		calls++
		return errors.Timeout("still down")
	})
	if !errors.Is(err, errors.CodeRetryExhausted) {
		t.Fatalf("err = %v, want RETRY_EXHAUSTED", err)
	}
	if !errors.IsCategory(err, errors.CategorySystem) {
		t.Errorf("exhausted retries should escalate to the system category")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoDoesNotRetryLogicErrors(t *testing.T) {
	r := newTestRecovery(t)

	calls := 0
	err := r.Do(context.Background(), "mail", func(ctx context.Context) error {
		calls++
		return errors.InvalidInput("malformed request")
	})
	if !errors.IsCategory(err, errors.CategoryLogic) {
		t.Fatalf("err = %v, want logic category", err)
	}
	if calls != 1 {
		t.Errorf("logic error retried: calls = %d", calls)
	}
}

func TestDoNeverRetriesAmbiguous(t *testing.T) {
	r := newTestRecovery(t)

	calls := 0
	err := r.Do(context.Background(), "payments", func(ctx context.Context) error {
		calls++
		return context.DeadlineExceeded
	}, Irreversible())
	if !errors.IsAmbiguous(err) {
		t.Fatalf("err = %v, want ambiguous", err)
	}
	if errors.IsRetryable(err) {
		t.Error("ambiguous outcome marked retryable")
	}
	if calls != 1 {
		t.Errorf("ambiguous outcome retried: calls = %d", calls)
	}
}

func TestDoAuthPausesEndpointAndAlerts(t *testing.T) {
	var alerted string
	r := newTestRecovery(t, WithAlertFunc(func(endpoint string, err error) {
		alerted = endpoint
	}))

	err := r.Do(context.Background(), "calendar", func(ctx context.Context) error {
		return errors.CredentialsExpired("calendar")
	})
	if !errors.IsAuth(err) {
		t.Fatalf("err = %v, want auth", err)
	}
	if alerted != "calendar" {
		t.Errorf("alert endpoint = %q", alerted)
	}

	// Subsequent calls fail fast without invoking the operation.
	calls := 0
	err = r.Do(context.Background(), "calendar", func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, errors.CodeCredentialsExpired) {
		t.Fatalf("paused endpoint err = %v", err)
	}
	if calls != 0 {
		t.Error("paused endpoint still invoked the operation")
	}

	r.Resume("calendar")
	if err := r.Do(context.Background(), "calendar", func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("resumed endpoint: %v", err)
	}
}

func TestOpenBreakerDefersReversibleCalls(t *testing.T) {
	now := time.Now()
	var deferred int
	r := newTestRecovery(t,
		WithClock(func() time.Time { return now }),
		WithDeferFunc(func(endpoint string, err error) { deferred++ }))

	// Trip the breaker with system failures.
	for i := 0; i < 3; i++ {
		r.Do(context.Background(), "mail", func(ctx context.Context) error {
			return errors.Internal("daemon wedged")
		})
	}
	if r.BreakerState("mail") != StateOpen {
		t.Fatalf("breaker state = %v, want open", r.BreakerState("mail"))
	}

	calls := 0
	err := r.Do(context.Background(), "mail", func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, errors.CodeDeferred) {
		t.Fatalf("err = %v, want DEFERRED", err)
	}
	if calls != 0 {
		t.Error("open breaker still invoked the operation")
	}
	if deferred != 1 {
		t.Errorf("defer callback fired %d times", deferred)
	}
}

func TestOpenBreakerSurfacesIrreversibleCalls(t *testing.T) {
	now := time.Now()
	r := newTestRecovery(t, WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		r.Do(context.Background(), "payments", func(ctx context.Context) error {
			return errors.Internal("gateway down")
		})
	}

	err := r.Do(context.Background(), "payments", func(ctx context.Context) error {
		return nil
	}, Irreversible())
	if !errors.Is(err, errors.CodeBreakerOpen) {
		t.Fatalf("err = %v, want BREAKER_OPEN", err)
	}
	if errors.IsRetryable(err) {
		t.Error("irreversible refusal marked retryable")
	}
}

func TestHalfOpenTrialReleasedOnNonTransientOutcome(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"ambiguous", errors.Ambiguous("send may have gone out")},
		{"auth", errors.CredentialsExpired("mail")},
		{"logic", errors.InvalidInput("malformed request")},
		{"data", errors.New(errors.CodeParseFailure, "unparseable response")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := time.Now()
			r := newTestRecovery(t, WithClock(func() time.Time { return now }))

			for i := 0; i < 3; i++ {
				r.Do(context.Background(), "mail", func(ctx context.Context) error {
					return errors.Internal("daemon wedged")
				})
			}
			if r.BreakerState("mail") != StateOpen {
				t.Fatalf("breaker state = %v, want open", r.BreakerState("mail"))
			}

			// Cooldown elapses; the trial ends with an outcome that says
			// nothing about the endpoint's health.
			now = now.Add(31 * time.Second)
			if err := r.Do(context.Background(), "mail", func(ctx context.Context) error {
				return tc.err
			}); err == nil {
				t.Fatal("trial error not surfaced")
			}

			// The trial slot must be free again: a healthy call closes
			// the circuit instead of being deferred.
			r.Resume("mail")
			calls := 0
			if err := r.Do(context.Background(), "mail", func(ctx context.Context) error {
				calls++
				return nil
			}); err != nil {
				t.Fatalf("follow-up call: %v", err)
			}
			if calls != 1 {
				t.Fatal("follow-up call not invoked")
			}
			if r.BreakerState("mail") != StateClosed {
				t.Errorf("breaker state = %v, want closed", r.BreakerState("mail"))
			}
		})
	}
}

func TestBackoffDelayMonotonicUpToCeiling(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}
	var prev time.Duration
	for attempt := 0; attempt < 6; attempt++ {
		d := backoffDelay(cfg, attempt)
		if d < prev && prev < cfg.MaxDelay {
			t.Errorf("attempt %d: delay %v below previous %v", attempt, d, prev)
		}
		if d > cfg.MaxDelay {
			t.Errorf("attempt %d: delay %v above ceiling", attempt, d)
		}
		prev = d
	}
}
