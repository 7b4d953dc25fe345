package retry

import "time"

// MaxAttempts is the number of dispatches after which a failing delivery is dropped
const MaxAttempts = 6

// Policy is a linear backoff: attempt n waits (n+1) steps before the next try.
type Policy struct {
	MaxAttempts int
	Step        time.Duration
}

// Default returns the stock policy: six attempts, one-minute steps
func Default() Policy {
	return Policy{MaxAttempts: MaxAttempts, Step: time.Minute}
}

// NextDelay returns how long to wait after the given 1-based attempt.
// Attempt 1 waits 2 minutes, attempt 2 waits 3 minutes, and so on.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	step := p.Step
	if step <= 0 {
		step = time.Minute
	}
	return time.Duration(attempt+1) * step
}

// IsTerminal reports whether no further attempt should be made
func (p Policy) IsTerminal(attempt, status int) bool {
	return IsSuccess(status) || p.Exhausted(attempt)
}

// Exhausted reports whether attempt used up the final try
func (p Policy) Exhausted(attempt int) bool {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = MaxAttempts
	}
	return attempt >= limit
}

// IsSuccess reports whether status is a 2xx response
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

// NextDelay applies the default policy
func NextDelay(attempt int) time.Duration { return Default().NextDelay(attempt) }

// IsTerminal applies the default policy
func IsTerminal(attempt, status int) bool { return Default().IsTerminal(attempt, status) }
