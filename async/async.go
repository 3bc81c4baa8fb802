// Package async provides functionality for interacting with async operations
package async

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Await attempts the given condition the specified amount of times, doubling
// the amount of time between each attempt. If the condition doesn't succeed,
// it returns an error saying how many times we tried and how much time it
// took altogether.
func Await(attempts int, sleep time.Duration, fn func() bool, msgs ...string) error {
	start := time.Now()
	if !innerAwait(attempts, sleep, fn) {
		end := time.Now()
		msg := fmt.Sprintf("Condition was not true after %d attempts and %s total waiting time",
			attempts, end.Sub(start))
		if len(msgs) != 0 {
			msg += ": "
			for _, m := range msgs {
				msg += m + " "
			}
		}
		return errors.New(msg)
	}
	return nil
}

func innerAwait(attempts int, sleep time.Duration,
	fn func() bool) bool {
	if !fn() {
		if attempts > 1 {
			time.Sleep(sleep)
			return innerAwait(attempts-1, 2*sleep, fn)
		}
		return false
	}
	return true
}

// Backoff returns the exponential backoff delay for the given attempt
// number. The first attempt waits base, every further attempt doubles
// the delay, never exceeding cap.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	return delay
}
