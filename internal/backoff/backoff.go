// Package backoff computes the publisher's exponential backoff wait
// between publish attempts, and the runner's retry delay for queue items
// re-enqueued after a transient failure. Both follow the same
// InitialBackoff * Multiplier^attempt, capped at MaxBackoff shape.
package backoff

import (
	"math"
	"time"
)

// Policy is a resolved exponential backoff schedule.
type Policy struct {
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// PublishBackoff is the publisher's fixed backoff policy (spec step 6):
// min(2^attempt_count x 1h, 7d).
var PublishBackoff = Policy{
	InitialBackoff: time.Hour,
	Multiplier:     2.0,
	MaxBackoff:     7 * 24 * time.Hour,
}

// NextDelay returns the wait before attempt number attemptCount+1, given
// attemptCount prior attempts have already failed. attemptCount=0 yields
// zero wait (immediate retry allowed), matching the boundary behavior in
// spec.md §8: next_try_time for attempt_count = 0 equals finish_time.
func (p Policy) NextDelay(attemptCount int) time.Duration {
	if attemptCount <= 0 {
		return 0
	}
	exponent := float64(attemptCount)
	delay := time.Duration(float64(p.InitialBackoff) * math.Pow(p.Multiplier, exponent))
	if delay <= 0 {
		delay = p.InitialBackoff
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// NextTryTime returns lastFinish + NextDelay(attemptCount).
func (p Policy) NextTryTime(lastFinish time.Time, attemptCount int) time.Time {
	return lastFinish.Add(p.NextDelay(attemptCount))
}
