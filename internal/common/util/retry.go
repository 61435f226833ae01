package util

import (
	"context"
	"time"
)

// RetryUntilSuccess calls performAction until it succeeds or ctx is cancelled, waiting backoff between attempts.
// It returns ctx.Err() if it gave up.
func RetryUntilSuccess(ctx context.Context, performAction func() error, onError func(error), backoff time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		err := performAction()
		if err == nil {
			return nil
		}
		onError(err)
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
}
