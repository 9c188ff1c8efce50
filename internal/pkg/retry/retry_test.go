package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	res, err := Do(context.Background(), Options{
		Attempts:  3,
		BaseDelay: time.Millisecond,
		Retryable: func(err error) bool { return errors.Is(err, errTransient) },
	}, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, res)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	_, err := Do(context.Background(), Options{
		Attempts:  5,
		Retryable: func(err error) bool { return errors.Is(err, errTransient) },
	}, func(ctx context.Context) (string, error) {
		calls++
		return "", permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestDoHonoursAttemptBudget(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Options{
		Attempts:  2,
		Retryable: func(error) bool { return true },
	}, func(ctx context.Context) (struct{}, error) {
		calls++
		return struct{}{}, errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 2, calls)
}

func TestDoStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, Options{
		Attempts:  4,
		BaseDelay: time.Hour,
		Retryable: func(error) bool { return true },
	}, func(ctx context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 1, calls)
}
