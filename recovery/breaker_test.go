package recovery

import (
	"testing"
	"time"
)

func testBreaker(clock func() time.Time) *Breaker {
	return NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		MaxCooldown:      2 * time.Minute,
		clock:            clock,
	})
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Now()
	b := testBreaker(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		b.Failure()
		if b.State() != StateClosed {
			t.Fatalf("opened after %d failures", i+1)
		}
	}
	b.Failure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v after threshold, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker admitted a call before cooldown")
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	now := time.Now()
	b := testBreaker(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		b.Failure()
	}
	now = now.Add(31 * time.Second)

	if !b.Allow() {
		t.Fatal("cooldown elapsed, trial call refused")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
	if b.Allow() {
		t.Fatal("second call admitted while trial in flight")
	}

	b.Success()
	if b.State() != StateClosed {
		t.Fatalf("state = %v after trial success, want closed", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker refused a call")
	}
}

func TestBreakerCancelTrialReleasesSlot(t *testing.T) {
	now := time.Now()
	b := testBreaker(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		b.Failure()
	}
	now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("cooldown elapsed, trial call refused")
	}

	b.CancelTrial()
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v after cancelled trial, want half_open", b.State())
	}
	if !b.Allow() {
		t.Fatal("cancelled trial did not release the slot")
	}
	b.Success()
	if b.State() != StateClosed {
		t.Fatalf("state = %v after trial success, want closed", b.State())
	}
}

func TestBreakerCooldownDoublesCapped(t *testing.T) {
	now := time.Now()
	b := testBreaker(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		b.Failure()
	}
	want := []time.Duration{
		60 * time.Second,
		2 * time.Minute,
		2 * time.Minute, // capped
	}
	for i, w := range want {
		now = now.Add(b.Cooldown() + time.Second)
		if !b.Allow() {
			t.Fatalf("round %d: trial refused", i)
		}
		b.Failure()
		if b.State() != StateOpen {
			t.Fatalf("round %d: state = %v, want open", i, b.State())
		}
		if got := b.Cooldown(); got != w {
			t.Errorf("round %d: cooldown = %v, want %v", i, got, w)
		}
	}

	// Recovery resets the cooldown.
	now = now.Add(b.Cooldown() + time.Second)
	if !b.Allow() {
		t.Fatal("trial refused after final cooldown")
	}
	b.Success()
	if got := b.Cooldown(); got != 30*time.Second {
		t.Errorf("cooldown after recovery = %v, want base", got)
	}
}
