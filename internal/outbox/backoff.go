// ABOUTME: Exponential backoff calculation for outbox replay scheduling
// ABOUTME: Doubles the delay per failed attempt, capped at a maximum

package outbox

import "time"

// Backoff computes the delay before the next replay attempt.
// The delay doubles with each failed attempt: Base * 2^(attempts-1),
// capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the next attempt, given the number of failed
// attempts so far (attempts >= 1). The result never exceeds Max and never
// decreases as attempts grows.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	shift := uint(attempts - 1)
	// Guard the shift itself before the overflow check below can run.
	if shift >= 63 {
		return b.Max
	}

	delay := b.Base << shift
	if delay <= 0 || delay > b.Max {
		return b.Max
	}
	return delay
}
