package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/logging"
)

// RetryConfig tunes the exponential backoff applied to transient failures.
type RetryConfig struct {
	// BaseDelay is the first backoff interval.
	// Default: 1 second
	BaseDelay time.Duration

	// Multiplier grows the delay between attempts.
	// Default: 2.0
	Multiplier float64

	// Jitter is the random fraction (+/-) applied to each delay.
	// Default: 0.2
	Jitter float64

	// MaxDelay caps the backoff.
	// Default: 60 seconds
	MaxDelay time.Duration

	// MaxAttempts is the total attempt budget, first call included.
	// Default: 5
	MaxAttempts int
}

// Validate checks the configuration.
func (c *RetryConfig) Validate() error {
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.MaxAttempts < 0 {
		return errors.InvalidInput("retry configuration must be non-negative")
	}
	if c.Multiplier != 0 && c.Multiplier < 1 {
		return errors.InvalidInput("retry multiplier must be >= 1")
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return errors.InvalidInput("retry jitter must be within [0, 1]")
	}
	return nil
}

// DefaultRetryConfig returns configuration with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:   1 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 5,
	}
}

// AlertFunc is invoked when an endpoint is paused on an auth failure.
type AlertFunc func(endpoint string, err error)

// DeferFunc is invoked when an attempt is queued for a later cycle
// because the endpoint's circuit is open.
type DeferFunc func(endpoint string, err error)

// Recovery wraps calls to external collaborators with the error-handling
// policy: retry with backoff for transient failures, fail fast behind an
// open circuit, pause on auth failures, and surface logic/data/ambiguous
// failures untouched.
type Recovery struct {
	retry      RetryConfig
	breakerCfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
	paused   map[string]bool

	onAlert AlertFunc
	onDefer DeferFunc

	logger *logging.Logger
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Recovery.
type Option func(*Recovery)

// WithRetryConfig sets the retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(r *Recovery) {
		r.retry = cfg
	}
}

// WithBreakerConfig sets the circuit breaker policy.
func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(r *Recovery) {
		r.breakerCfg = cfg
	}
}

// WithAlertFunc registers the auth-pause alert callback.
func WithAlertFunc(fn AlertFunc) Option {
	return func(r *Recovery) {
		r.onAlert = fn
	}
}

// WithDeferFunc registers the open-circuit deferral callback.
func WithDeferFunc(fn DeferFunc) Option {
	return func(r *Recovery) {
		r.onDefer = fn
	}
}

// WithLogger attaches a logger for call outcomes.
func WithLogger(l *logging.Logger) Option {
	return func(r *Recovery) {
		r.logger = l
	}
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(r *Recovery) {
		r.clock = clock
		r.breakerCfg.clock = clock
	}
}

// WithSleep overrides the backoff sleep (tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Recovery) {
		r.sleep = sleep
	}
}

// New creates a Recovery with the given options.
func New(opts ...Option) (*Recovery, error) {
	r := &Recovery{
		retry:      DefaultRetryConfig(),
		breakerCfg: DefaultBreakerConfig(),
		breakers:   make(map[string]*Breaker),
		paused:     make(map[string]bool),
		clock:      time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.retry.Validate(); err != nil {
		return nil, err
	}
	if err := r.breakerCfg.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// CallOption configures a single call.
type CallOption func(*callOptions)

type callOptions struct {
	irreversible bool
	taskID       string
}

// Irreversible marks the call as one whose side effect cannot be undone
// (a payment, an outgoing message). Such calls are never deferred behind
// an open circuit and never blindly retried on ambiguity — they surface.
func Irreversible() CallOption {
	return func(o *callOptions) {
		o.irreversible = true
	}
}

// ForTask tags errors from this call with the owning task id.
func ForTask(taskID string) CallOption {
	return func(o *callOptions) {
		o.taskID = taskID
	}
}

// Do invokes op against the named endpoint under the recovery policy.
func (r *Recovery) Do(ctx context.Context, endpoint string, op func(context.Context) error, opts ...CallOption) error {
	if endpoint == "" {
		return errors.InvalidInput("endpoint name is required")
	}
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	if r.isPaused(endpoint) {
		return errors.New(errors.CodeCredentialsExpired,
			"endpoint paused awaiting credential refresh",
			errors.WithEndpoint(endpoint), errors.WithTaskID(o.taskID))
	}

	br := r.breaker(endpoint)
	attempts := r.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if !br.Allow() {
			return r.refuse(endpoint, o, lastErr)
		}

		start := r.clock()
		err := op(ctx)
		if r.logger != nil {
			r.logger.ExternalCall(endpoint, r.clock().Sub(start), err)
		}

		if err == nil {
			br.Success()
			return nil
		}
		lastErr = err

		if errors.AsRecoveryError(err) == nil {
			err = errors.Wrap(err, "unclassified collaborator failure",
				errors.WithEndpoint(endpoint), errors.WithTaskID(o.taskID))
			lastErr = err
		}

		// Ambiguity is not a collaborator fault and must never be retried:
		// the side effect may already have happened. The trial slot is
		// released so a half-open circuit can still probe the endpoint.
		if errors.IsAmbiguous(err) {
			br.CancelTrial()
			return err
		}

		switch errors.GetCategory(err) {
		case errors.CategoryAuth:
			br.CancelTrial()
			r.pause(endpoint)
			if r.onAlert != nil {
				r.onAlert(endpoint, err)
			}
			return err

		case errors.CategoryLogic, errors.CategoryData:
			// Our defect or theirs, retry will not help. The breaker is
			// untouched except for the trial slot: the collaborator did
			// not misbehave.
			br.CancelTrial()
			return err

		case errors.CategoryTransient:
			br.Failure()
			if attempt == attempts-1 {
				return errors.WrapWithCode(err, errors.CodeRetryExhausted,
					"retry budget exhausted",
					errors.WithEndpoint(endpoint), errors.WithTaskID(o.taskID))
			}
			if serr := r.sleep(ctx, backoffDelay(r.retry, attempt)); serr != nil {
				return errors.Wrap(serr, "backoff interrupted",
					errors.WithEndpoint(endpoint), errors.WithTaskID(o.taskID))
			}

		default: // CategorySystem
			br.Failure()
			return err
		}
	}
	return errors.WrapWithCode(lastErr, errors.CodeRetryExhausted, "retry budget exhausted",
		errors.WithEndpoint(endpoint), errors.WithTaskID(o.taskID))
}

// refuse handles a call blocked by an open circuit.
func (r *Recovery) refuse(endpoint string, o callOptions, lastErr error) error {
	if o.irreversible {
		return errors.BreakerOpen(endpoint,
			errors.WithTaskID(o.taskID),
			errors.WithMetadata("irreversible", "true"),
			errors.WithRetryable(false))
	}
	err := errors.Deferred(endpoint, errors.WithTaskID(o.taskID), errors.WithCause(lastErr))
	if r.onDefer != nil {
		r.onDefer(endpoint, err)
	}
	return err
}

// Resume lifts an auth pause after credentials were refreshed.
func (r *Recovery) Resume(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paused, endpoint)
}

// Paused lists endpoints currently paused on auth failures.
func (r *Recovery) Paused() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for ep := range r.paused {
		out = append(out, ep)
	}
	return out
}

// BreakerState reports the circuit state for an endpoint.
func (r *Recovery) BreakerState(endpoint string) State {
	return r.breaker(endpoint).State()
}

func (r *Recovery) isPaused(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused[endpoint]
}

func (r *Recovery) pause(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[endpoint] = true
}

// breaker returns the per-endpoint breaker, creating it on first use.
func (r *Recovery) breaker(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	br, ok := r.breakers[endpoint]
	if !ok {
		br = NewBreaker(r.breakerCfg)
		r.breakers[endpoint] = br
	}
	return br
}

// sleepContext sleeps for d or until the context ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
