package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoStopsOnFirstSuccess(t *testing.T) {
	calls := 0
	stats, err := Do(context.Background(), 5, Fixed(0), func(int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, stats.Attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	stats, err := Do(context.Background(), 3, Fixed(0), func(int) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
	require.Equal(t, 3, stats.Attempts)
	require.ErrorIs(t, stats.LastErr, boom)
}

func TestDoRecoversMidway(t *testing.T) {
	calls := 0
	stats, err := Do(context.Background(), 5, Fixed(0), func(int) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, stats.Attempts)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, 10, Fixed(time.Minute), func(int) error {
		calls++
		return errors.New("keep going")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestLinearBackoffSchedule(t *testing.T) {
	b := Linear(500 * time.Millisecond)
	require.Equal(t, 500*time.Millisecond, b(2))
	require.Equal(t, time.Second, b(3))
	require.Equal(t, 1500*time.Millisecond, b(4))
}

func TestExponentialBackoffScheduleWithCap(t *testing.T) {
	b := Exponential(time.Second, 1.5, 8*time.Second)
	require.Equal(t, time.Second, b(2))
	require.Equal(t, 1500*time.Millisecond, b(3))
	require.Equal(t, 2250*time.Millisecond, b(4))
	require.Equal(t, 8*time.Second, b(10))
}
