package recovery

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay computes the wait before the next attempt. attempt is
// zero-based: the delay after the first failure uses attempt 0.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = DefaultRetryConfig().BaseDelay
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = DefaultRetryConfig().Multiplier
	}
	ceiling := cfg.MaxDelay
	if ceiling <= 0 {
		ceiling = DefaultRetryConfig().MaxDelay
	}

	d := time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
	if d <= 0 || d > ceiling {
		d = ceiling
	}

	if cfg.Jitter > 0 {
		span := float64(d) * cfg.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * span)
		if d < 0 {
			d = 0
		}
	}
	return d
}
