package channel

import (
	"math/rand"
	"time"
)

// backoff returns the delay before reconnection attempt n (1-based):
// base * 2^(n-1), jittered by factor and capped at max.
func backoff(attempt int, base, max time.Duration, factor float64, random func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}

	if factor > 0 {
		if random == nil {
			random = rand.Float64
		}
		r := random()
		deviation := time.Duration(r * factor * float64(delay))
		if int(r*10)&1 == 0 {
			delay -= deviation
		} else {
			delay += deviation
		}
	}

	if delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
