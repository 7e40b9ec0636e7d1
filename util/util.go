package util

import (
	"time"
)

// BackoffDelay computes the delay before redelivery attempt number attempt
// (1-based): initial * multiplier^(attempt-1), clamped to max. Attempt values
// below 1 are treated as 1.
func BackoffDelay(initial, max time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(initial)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if time.Duration(delay) >= max {
			return max
		}
	}
	if time.Duration(delay) > max {
		return max
	}
	return time.Duration(delay)
}
