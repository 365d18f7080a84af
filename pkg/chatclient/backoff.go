package chatclient

import (
	"math"
	"time"
)

// RetryPolicy drives reconnection scheduling: the delay before attempt n is
// min(Base * Multiplier^n, Cap).
type RetryPolicy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	// MaxAttempts limits consecutive failed attempts; 0 means retry for
	// as long as the client is alive.
	MaxAttempts int
}

// DefaultRetryPolicy reconnects after 1s, 2s, 4s, then every 5s, forever.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       time.Second,
		Multiplier: 2,
		Cap:        5 * time.Second,
	}
}

// Delay returns the wait before the given zero-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt))
	if capped := float64(p.Cap); p.Cap > 0 && delay > capped {
		return p.Cap
	}
	return time.Duration(delay)
}

// Exhausted reports whether the policy allows no further attempts.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
