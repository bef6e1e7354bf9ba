package download

import (
	"math"
	"time"
)

// RetryPolicy shapes the backoff between failed attempts.
type RetryPolicy struct {
	Backoff    time.Duration
	Multiplier float64
	MaxBackoff time.Duration
}

// DefaultRetryPolicy starts at half a minute and doubles, capped at ten
// minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoff:    30 * time.Second,
		Multiplier: 2,
		MaxBackoff: 10 * time.Minute,
	}
}

// Delay returns the wait before the given attempt (1-based) is retried.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(backoff) * math.Pow(mult, float64(attempt-1)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
