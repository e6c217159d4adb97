package probe

import (
	"context"
	"time"

	"github.com/anstrom/netsentry/internal/errors"
)

// RetryPolicy bounds how often a transient probe failure is retried.
// Only errors classified retryable by errors.IsRetryable are retried.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
}

// Do runs fn until it succeeds, fails permanently or the retry budget is
// spent. attempt starts at 1. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil || !errors.IsRetryable(err) || attempt > p.Retries || ctx.Err() != nil {
			return err
		}
		if p.Delay > 0 {
			t := time.NewTimer(p.Delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return err
			}
		}
	}
}
