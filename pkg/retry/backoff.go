package retry

import (
	"math/rand"
	"time"
)

// After returns how long to wait before retry attempt k, using exponential
// backoff with base 2: attempt 1 waits 2s, attempt 2 waits 4s, attempt 3
// waits 8s. Attempts below 1 are clamped to 1 and the wait is capped at cap.
func After(attempt int) time.Duration {
	return AfterCapped(attempt, 5*time.Minute)
}

// AfterCapped is After with an explicit upper bound.
func AfterCapped(attempt int, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// WithJitter spreads d over [d/2, d) to avoid synchronized retries across
// workers.
func WithJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
