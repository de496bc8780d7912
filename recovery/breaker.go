package recovery

import (
	"sync"
	"time"

	"github.com/vinayprograms/watchkit/errors"
)

// State is the circuit state for one endpoint.
type State string

// Circuit states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig tunes the per-endpoint circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	// Default: 5
	FailureThreshold int

	// Cooldown is how long the circuit stays open before permitting a
	// trial call. Each failed trial doubles it.
	// Default: 30 seconds
	Cooldown time.Duration

	// MaxCooldown caps the doubling.
	// Default: 10 minutes
	MaxCooldown time.Duration

	clock func() time.Time
}

// Validate checks the configuration.
func (c *BreakerConfig) Validate() error {
	if c.FailureThreshold < 0 {
		return errors.InvalidInput("failure threshold must be non-negative")
	}
	if c.Cooldown < 0 || c.MaxCooldown < 0 {
		return errors.InvalidInput("cooldown must be non-negative")
	}
	if c.MaxCooldown != 0 && c.Cooldown > c.MaxCooldown {
		return errors.InvalidInput("cooldown exceeds its ceiling")
	}
	return nil
}

// DefaultBreakerConfig returns configuration with sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// Breaker is a circuit breaker for a single endpoint. Closed passes all
// calls. After FailureThreshold consecutive failures it opens and refuses
// calls until the cooldown elapses, then admits exactly one trial call:
// success closes the circuit, failure re-opens it with a doubled cooldown.
type Breaker struct {
	mu sync.Mutex

	state    State
	failures int
	openedAt time.Time

	threshold    int
	cooldown     time.Duration
	baseCooldown time.Duration
	maxCooldown  time.Duration

	trialInFlight bool

	clock func() time.Time
}

// NewBreaker creates a closed breaker with the given configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		state:        StateClosed,
		threshold:    cfg.FailureThreshold,
		cooldown:     cfg.Cooldown,
		baseCooldown: cfg.Cooldown,
		maxCooldown:  cfg.MaxCooldown,
		clock:        cfg.clock,
	}
	if b.threshold <= 0 {
		b.threshold = DefaultBreakerConfig().FailureThreshold
	}
	if b.baseCooldown <= 0 {
		b.baseCooldown = DefaultBreakerConfig().Cooldown
		b.cooldown = b.baseCooldown
	}
	if b.maxCooldown <= 0 {
		b.maxCooldown = DefaultBreakerConfig().MaxCooldown
	}
	if b.clock == nil {
		b.clock = time.Now
	}
	return b
}

// Allow reports whether a call may proceed, transitioning open circuits
// to half-open when the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		// One trial at a time.
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.cooldown = b.baseCooldown
	b.trialInFlight = false
}

// CancelTrial releases the half-open trial slot without judging the
// collaborator. Used when a trial ends with an outcome that says nothing
// about the endpoint's health: the circuit stays half-open and the next
// call gets the trial.
func (b *Breaker) CancelTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.clock()
		b.trialInFlight = false
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.clock()
		}
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Cooldown returns the current cooldown interval.
func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}
