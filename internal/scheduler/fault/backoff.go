package fault

import "time"

// BackoffStrategy computes how long a task waits before it is retried after its attempt-th application error.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// IncrementalBackoff waits f(n) = f(n-1) + n*Increment after the n-th failure, never more than Max.
type IncrementalBackoff struct {
	Increment time.Duration
	Max       time.Duration
}

func NewIncrementalBackoff(increment, max time.Duration) IncrementalBackoff {
	return IncrementalBackoff{Increment: increment, Max: max}
}

func (b IncrementalBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := time.Duration(0)
	for n := 1; n <= attempt; n++ {
		delay += time.Duration(n) * b.Increment
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	return delay
}
