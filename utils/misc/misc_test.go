package misc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-reconciler/utils/misc"
)

func TestSleepCtx(t *testing.T) {
	t.Run("sleeps for the delay", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, misc.SleepCtx(context.Background(), 10*time.Millisecond))
		require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("returns when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, misc.SleepCtx(ctx, time.Hour), context.Canceled)
	})
}

func TestWaitUntil(t *testing.T) {
	t.Run("condition already true", func(t *testing.T) {
		calls := 0
		err := misc.WaitUntil(context.Background(), time.Hour, func() bool {
			calls++
			return true
		})
		require.NoError(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("condition becomes true", func(t *testing.T) {
		calls := 0
		err := misc.WaitUntil(context.Background(), time.Millisecond, func() bool {
			calls++
			return calls == 3
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("context timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := misc.WaitUntil(ctx, time.Millisecond, func() bool { return false })
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
