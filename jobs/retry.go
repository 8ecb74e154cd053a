package jobs

import "time"

// RetryDelay returns how long a job waits before its attempt-th retry
// (attempt >= 1): base doubled per attempt, capped at max.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// ShouldRetry decides whether a job that failed with err after retryCount
// earlier retries goes back to New.
func ShouldRetry(err error, retryCount, maxRetries int) bool {
	return IsTransient(err) && retryCount < maxRetries
}
