package fleet

import (
	"math/rand/v2"
	"time"
)

// NextBackoff returns the nominal backoff after the given number of
// consecutive failures: base doubled per failure, capped at max.
func NextBackoff(base, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		return base
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Jitter spreads a delay uniformly within ±25% so that machines failing
// in lockstep do not retry in lockstep. Never negative.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := d / 2 // total window: 25% each side
	j := d - d/4 + time.Duration(rand.Int64N(int64(spread)+1))
	if j < 0 {
		return 0
	}
	return j
}
