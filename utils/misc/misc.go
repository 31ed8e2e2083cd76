package misc

import (
	"context"
	"time"
)

// SleepCtx sleeps for the given duration or until the context is done, whichever comes first.
func SleepCtx(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// WaitUntil checks cond every interval until it returns true or the context is done.
// cond is checked once before the first sleep.
func WaitUntil(ctx context.Context, interval time.Duration, cond func() bool) error {
	for !cond() {
		if err := SleepCtx(ctx, interval); err != nil {
			return err
		}
	}
	return nil
}
