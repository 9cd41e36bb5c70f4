package queue

import (
	"math"
	"math/rand"
	"time"
)

// Retry backoff: 200ms doubling per attempt, ±25% random jitter so a burst
// of failing commands does not retry in lockstep, hard cap at 30s.
const (
	backoffBase    = 200 * time.Millisecond
	backoffFactor  = 2.0
	backoffCap     = 30 * time.Second
	jitterFraction = 0.25
)

// Backoff returns the delay before retry attempt n, where n is the message's
// attempt count after bumping (1 for the first retry).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(backoffBase) * math.Pow(backoffFactor, float64(attempt-1))
	jittered := raw * (1 + jitterFraction*(2*rand.Float64()-1))
	if jittered > float64(backoffCap) {
		jittered = float64(backoffCap)
	}
	return time.Duration(jittered)
}
