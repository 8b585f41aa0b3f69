package retry

import (
	"context"
	"fmt"
	"time"
)

// Schedule is a fixed escalation of delays between attempts. Unlike Config's
// computed exponential backoff, a Schedule enumerates every delay explicitly;
// webhook delivery uses this so operators can reason about exact wall-clock
// behavior. The number of attempts is len(Schedule)+1: one initial attempt
// plus one retry per listed delay. Attempts beyond the list reuse the last
// delay.
type Schedule []time.Duration

// DefaultSchedule is the standard webhook escalation: 1s, 5s, 15s.
func DefaultSchedule() Schedule {
	return Schedule{1 * time.Second, 5 * time.Second, 15 * time.Second}
}

// DelayBefore returns the delay to sleep before the given attempt.
// Attempt numbering starts at 1; the first attempt has no delay.
func (s Schedule) DelayBefore(attempt int) time.Duration {
	if attempt <= 1 || len(s) == 0 {
		return 0
	}
	idx := attempt - 2
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

// DoSchedule executes fn up to maxAttempts times, sleeping the scheduled
// delay between attempts. Non-retryable errors fail immediately.
func DoSchedule(ctx context.Context, s Schedule, maxAttempts int, fn func(attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if delay := s.DelayBefore(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("schedule cancelled before attempt %d: %w", attempt, ctx.Err())
			case <-timer.C:
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("schedule exhausted after %d attempts: %w", maxAttempts, lastErr)
}
